package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var ErrNoActiveWorker = errors.New("no active worker")

// Registration hosts workers: it delivers lifecycle events to them and routes
// requests to the active one. A new worker only replaces the active worker
// once it has been installed and activated, so a failed install leaves the
// previous version serving.
type Registration struct {
	active  atomic.Pointer[Worker]
	network http.Handler
	// serializes Register calls
	mu  sync.Mutex
	log zerolog.Logger
}

// NewRegistration returns a registration without an active worker.
// Until a worker is active, requests go to the network handler.
func NewRegistration(network http.Handler, logger zerolog.Logger) *Registration {
	return &Registration{
		network: network,
		log:     logger,
	}
}

// Register installs and activates the worker and makes it the active one.
func (reg *Registration) Register(ctx context.Context, w *Worker) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		reg.log.Warn().Err(err).Str("store", w.StoreName()).Msg("Keeping previous worker")
		return err
	}
	if err := w.Activate(ctx); err != nil {
		return err
	}
	if old := reg.active.Swap(w); old != nil && old != w {
		reg.log.Info().Str("old", old.StoreName()).Str("new", w.StoreName()).Msg("Replaced worker")
		old.retire()
	}
	return nil
}

// Active returns the active worker, or nil.
func (reg *Registration) Active() *Worker {
	return reg.active.Load()
}

// ServeHTTP implements the http.Handler interface.
func (reg *Registration) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if w := reg.active.Load(); w != nil {
		w.ServeHTTP(rw, r)
		return
	}
	if reg.network == nil {
		http.Error(rw, ErrNoActiveWorker.Error(), http.StatusServiceUnavailable)
		return
	}
	reg.network.ServeHTTP(rw, r)
}

// Push delivers a push message to the active worker.
func (reg *Registration) Push(ctx context.Context, event PushEvent) error {
	w := reg.active.Load()
	if w == nil {
		return ErrNoActiveWorker
	}
	return w.Push(ctx, event)
}

// NotificationClick delivers a notification click to the active worker.
func (reg *Registration) NotificationClick(ctx context.Context, event ClickEvent) error {
	w := reg.active.Load()
	if w == nil {
		return ErrNoActiveWorker
	}
	return w.NotificationClick(ctx, event)
}
