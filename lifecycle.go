package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrNotInstalled  = errors.New("worker not installed")
	ErrInvalidState  = errors.New("invalid worker state")
)

// Lifecycle has one method per event a hosting runtime delivers to a worker.
// The runtime considers an event handled when the method returns.
type Lifecycle interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Fetch(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error)
	Push(ctx context.Context, event PushEvent) error
	NotificationClick(ctx context.Context, event ClickEvent) error
}

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// State returns the current lifecycle state of the worker.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s, expected %s", ErrInvalidState, w.state, from)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// currentStore returns the store if the worker controls requests.
func (w *Worker) currentStore() (cache.Store, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.store, w.state == StateActivated && w.store != nil
}

// Install fetches every manifest resource and stores them in the current store.
// Either all resources are stored or none; any failure makes the worker redundant.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	w.log.Info().Int("resources", len(w.manifest)).Msg("Installing")

	store, err := w.install(ctx)
	if err != nil {
		w.setState(StateRedundant)
		w.metrics.recordInstall(false)
		w.log.Error().Err(err).Msg("Install failed")
		return err
	}

	w.mu.Lock()
	w.store = store
	w.state = StateInstalled
	w.mu.Unlock()
	w.metrics.recordInstall(true)
	w.log.Info().Msg("Installed")
	return nil
}

func (w *Worker) install(ctx context.Context) (cache.Store, error) {
	store, err := w.storage.Open(w.storeName)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store: %w", ErrInstallFailed, err)
	}
	entries := make([]cache.CacheEntry, 0, len(w.manifest))
	for _, path := range w.manifest {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInstallFailed, path, err)
		}
		res, err := w.fetch(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInstallFailed, path, err)
		}
		snap, err := w.capture(res)
		if err != nil {
			res.Body.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrInstallFailed, path, err)
		}
		if snap.StatusCode < 200 || snap.StatusCode > 299 {
			return nil, fmt.Errorf("%w: %s: status %d", ErrInstallFailed, path, snap.StatusCode)
		}
		w.rules.Apply(req, snap.StatusCode, snap.Header)
		entry, err := w.entry(req, snap)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInstallFailed, path, err)
		}
		w.log.Trace().Str("path", path).Msg("Fetched manifest resource")
		entries = append(entries, entry)
	}
	if err := store.PutAll(entries); err != nil {
		return nil, fmt.Errorf("%w: writing store: %w", ErrInstallFailed, err)
	}
	return store, nil
}

// Activate deletes every store except the current one.
// Only an activated worker intercepts requests.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		if w.State() == StateParsed || w.State() == StateRedundant {
			return fmt.Errorf("%w: %w", ErrNotInstalled, err)
		}
		return err
	}

	if err := w.pruneStores(ctx); err != nil {
		// stay installed so activation can be retried
		w.setState(StateInstalled)
		return err
	}

	w.setState(StateActivated)
	w.log.Info().Msg("Activated")
	return nil
}

func (w *Worker) pruneStores(ctx context.Context) error {
	names, err := w.storage.Names()
	if err != nil {
		return fmt.Errorf("listing stores: %w", err)
	}
	for _, name := range names {
		if name == w.storeName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.storage.Delete(name); err != nil {
			return fmt.Errorf("deleting store %s: %w", name, err)
		}
		w.metrics.recordStoreDeleted()
		w.log.Debug().Str("stale", name).Msg("Deleted stale store")
	}
	return nil
}

// retire marks a replaced worker as redundant and waits for its pending writes.
// Delayed refreshes that have not started yet are dropped.
func (w *Worker) retire() {
	w.setState(StateRedundant)
	w.retireOnce.Do(func() { close(w.done) })
	w.Wait()
}

func (w *Worker) entry(req *http.Request, snap serializer.Snapshot) (cache.CacheEntry, error) {
	bts, err := serializer.SnapshotToBytes(snap)
	if err != nil {
		return cache.CacheEntry{}, err
	}
	key := w.keyer.AddVaryKeys(w.keyer.GetKeyPrefix(req), req, &http.Response{Header: snap.Header})
	return cache.CacheEntry{
		Key:      key,
		StoredAt: time.Now(),
		Bytes:    bts,
	}, nil
}

// CachedRequest describes a request whose response is in the worker's store.
type CachedRequest struct {
	Key    string      `json:"key"`
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Vary   http.Header `json:"vary,omitempty"`
}

// CachedRequests lists the requests stored by the worker, rebuilt from their keys.
// It is empty until the worker is installed.
func (w *Worker) CachedRequests() ([]CachedRequest, error) {
	w.mu.RLock()
	store := w.store
	w.mu.RUnlock()
	cached := []CachedRequest{}
	if store == nil {
		return cached, nil
	}
	var keys []string
	if err := store.Keys(func(key string) {
		keys = append(keys, key)
	}); err != nil {
		return nil, err
	}
	for _, key := range keys {
		req, err := w.keyer.GetRequestFromKey(key)
		if err != nil {
			w.log.Warn().Err(err).Str("key", key).Msg("Skipping unreadable key")
			continue
		}
		entry := CachedRequest{Key: key, Method: req.Method, URL: req.URL.String()}
		if len(req.Header) > 0 {
			entry.Vary = req.Header
		}
		cached = append(cached, entry)
	}
	return cached, nil
}
