// Package admin exposes the events of the offline cache worker over HTTP,
// next to the intercepted application routes.
package admin

import (
	"errors"
	"io"
	"net/http"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/notify"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Prefix of all admin routes. Paths below it never reach the worker: unknown
// ones answer 404 and known ones with the wrong method 405.
const Prefix = "/-"

// maxPushPayload mirrors the payload limit of web push services.
const maxPushPayload = 4096

type Options struct {
	Registration *offlinecache.Registration
	// Center backing the notification and window listings.
	// The listings answer 404 if nil.
	Center *notify.Center
	// Register installs and activates a fresh worker. POST /-/register answers 404 if nil.
	Register func(r *http.Request) error
	// Gatherer for /-/metrics. The route is not mounted if nil.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type handler struct {
	Options
}

// NewRouter creates the chi router serving the admin routes and, for every
// other path, the registration.
//
// Routes:
//   - POST /-/push - deliver a push message, the body is the payload
//   - POST /-/notifications/{tag}/click?action= - click a notification
//   - GET /-/notifications - visible notifications
//   - GET /-/windows - window navigations
//   - POST /-/register - register a new worker
//   - GET /-/status - active worker
//   - GET /-/metrics - Prometheus metrics
func NewRouter(opts Options) http.Handler {
	h := &handler{Options: opts}
	r := chi.NewRouter()

	r.Route(Prefix, func(r chi.Router) {
		// Middleware stack - order matters
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(requestLogger(opts.Logger))
		r.Use(middleware.Recoverer)

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			JSON(w, http.StatusNotFound, errorResponse("no admin route "+r.URL.Path))
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			JSON(w, http.StatusMethodNotAllowed, errorResponse(r.Method+" not allowed on "+r.URL.Path))
		})

		r.Post("/push", h.push)
		r.Post("/notifications/{tag}/click", h.click)
		r.Get("/notifications", h.notifications)
		r.Get("/windows", h.windows)
		r.Post("/register", h.register)
		r.Get("/status", h.status)
		if opts.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
		}
	})

	// the worker sees everything outside the prefix
	r.NotFound(opts.Registration.ServeHTTP)
	r.MethodNotAllowed(opts.Registration.ServeHTTP)

	return r
}

func (h *handler) push(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload+1))
	if err != nil {
		JSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if len(data) > maxPushPayload {
		JSON(w, http.StatusRequestEntityTooLarge, errorResponse("payload too large"))
		return
	}
	if err := h.Registration.Push(r.Context(), offlinecache.PushEvent{Data: data}); err != nil {
		h.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, okResponse(nil))
}

func (h *handler) click(w http.ResponseWriter, r *http.Request) {
	event := offlinecache.ClickEvent{
		Tag:    chi.URLParam(r, "tag"),
		Action: r.URL.Query().Get("action"),
	}
	if err := h.Registration.NotificationClick(r.Context(), event); err != nil {
		h.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, okResponse(nil))
}

func (h *handler) notifications(w http.ResponseWriter, r *http.Request) {
	if h.Center == nil {
		http.NotFound(w, r)
		return
	}
	JSON(w, http.StatusOK, okResponse(h.Center.Visible()))
}

func (h *handler) windows(w http.ResponseWriter, r *http.Request) {
	if h.Center == nil {
		http.NotFound(w, r)
		return
	}
	JSON(w, http.StatusOK, okResponse(h.Center.Navigations()))
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	if h.Register == nil {
		http.NotFound(w, r)
		return
	}
	if err := h.Register(r); err != nil {
		h.fail(w, err)
		return
	}
	h.status(w, r)
}

type status struct {
	Store  string                       `json:"store"`
	State  offlinecache.State           `json:"state"`
	Cached []offlinecache.CachedRequest `json:"cached"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	worker := h.Registration.Active()
	if worker == nil {
		JSON(w, http.StatusServiceUnavailable, errorResponse(offlinecache.ErrNoActiveWorker.Error()))
		return
	}
	cached, err := worker.CachedRequests()
	if err != nil {
		h.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, okResponse(status{
		Store:  worker.StoreName(),
		State:  worker.State(),
		Cached: cached,
	}))
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, offlinecache.ErrNoActiveWorker):
		code = http.StatusServiceUnavailable
	case errors.Is(err, offlinecache.ErrInstallFailed):
		code = http.StatusBadGateway
	}
	h.Logger.Warn().Err(err).Int("code", code).Msg("Admin request failed")
	JSON(w, code, errorResponse(err.Error()))
}

// requestLogger logs admin requests with the given logger.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("requestId", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remoteAddr", r.RemoteAddr).
				Int("code", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("Admin request")
		})
	}
}
