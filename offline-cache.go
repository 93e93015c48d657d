package offlinecache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	responsetransformer "github.com/always-cache/offline-cache/pkg/response-transformer"
	"github.com/always-cache/offline-cache/notify"

	"github.com/rs/zerolog"
)

// DefaultManifest is the list of resources stored when a worker is installed.
var DefaultManifest = []string{
	"/",
	"/static/css/main.css",
	"/static/js/bundle.js",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

// DefaultMaxBodySize is the largest response body stored by default.
const DefaultMaxBodySize = 10 << 20

type Config struct {
	// Storage for cache stores.
	Storage cache.CacheStorage
	// Application name, used for the store name and notification defaults.
	AppName string
	// Version of the cached assets.
	// It must change on every deploy that changes a cached asset.
	Version string
	// URL of the origin server.
	// A trailing slash is dropped, origins with other paths are rejected.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport used to reach the network. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Resources to store on install. Defaults to DefaultManifest.
	Manifest []string
	// Upper bound for waiting on a network response header. Zero means no limit.
	NetworkTimeout time.Duration
	// Largest response body captured for storing. Larger responses are
	// streamed to the client and not stored. Defaults to DefaultMaxBodySize.
	MaxBodySize int64
	// Rules applied to cacheable responses before they are stored.
	Rules responsetransformer.Rules
	// Notification defaults used for push messages.
	Notification NotificationConfig
	// Where notifications are shown. A notify.Center is used if nil.
	Notifier notify.Notifier
	// Windows controlled by the worker. A notify.Center is used if nil.
	Clients notify.Clients
	// Metrics to record to. May be nil.
	Metrics *Metrics
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Worker intercepts requests for a web application, answers them from its
// cache store when possible and otherwise from the network.
type Worker struct {
	storage        cache.CacheStorage
	storeName      string
	keyer          cachekey.CacheKeyer
	originURL      url.URL
	originHost     string
	httpClient     http.Client
	manifest       []string
	networkTimeout time.Duration
	maxBodySize    int64
	rules          responsetransformer.Rules
	notification   NotificationConfig
	notifier       notify.Notifier
	clients        notify.Clients
	metrics        *Metrics
	log            zerolog.Logger

	mu    sync.RWMutex
	state State
	store cache.Store

	// background cache writes and refreshes
	pending sync.WaitGroup
	// closed when the worker is retired
	done       chan struct{}
	retireOnce sync.Once
}

var _ Lifecycle = (*Worker)(nil)

// StoreName returns the name of the cache store for an application version.
func StoreName(appName, version string) string {
	return fmt.Sprintf("%s-v%s", appName, version)
}

// CreateWorker initializes a worker in the parsed state.
// It must be installed and activated before it intercepts requests.
func CreateWorker(config Config) (*Worker, error) {
	if config.Storage == nil {
		return nil, errors.New("no cache storage configured")
	}
	if config.AppName == "" || config.Version == "" {
		return nil, errors.New("app name and version are required")
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	originURL, err := normalizeOrigin(config.OriginURL)
	if err != nil {
		return nil, err
	}

	storeName := StoreName(config.AppName, config.Version)
	// create a child logger and add defaults
	logger = logger.With().
		Str("app", config.AppName).
		Str("store", storeName).
		Logger()

	w := &Worker{
		storage:        config.Storage,
		storeName:      storeName,
		keyer:          cachekey.NewCacheKeyer(originURL.String()),
		originURL:      originURL,
		originHost:     config.OriginHost,
		manifest:       config.Manifest,
		networkTimeout: config.NetworkTimeout,
		maxBodySize:    config.MaxBodySize,
		rules:          config.Rules,
		notification:   config.Notification.withDefaults(config.AppName),
		notifier:       config.Notifier,
		clients:        config.Clients,
		metrics:        config.Metrics,
		log:            logger,
		state:          StateParsed,
		done:           make(chan struct{}),
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: config.Transport,
		},
	}

	if w.manifest == nil {
		w.manifest = DefaultManifest
	}
	if w.maxBodySize == 0 {
		w.maxBodySize = DefaultMaxBodySize
	}

	if w.notifier == nil || w.clients == nil {
		center := notify.NewCenter(logger)
		if w.notifier == nil {
			w.notifier = center
		}
		if w.clients == nil {
			w.clients = center
		}
	}

	// use provided hostname for origin if configured
	if w.originHost != "" && w.httpClient.Transport == nil {
		w.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: w.originHost,
			},
		}
	}

	return w, nil
}

// StoreName returns the name of the worker's cache store.
func (w *Worker) StoreName() string {
	return w.storeName
}

// Wait blocks until all background cache writes have finished.
func (w *Worker) Wait() {
	w.pending.Wait()
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)
	w.log.Trace().Interface("headers", r.Header).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	res, cacheStatus, err := w.Fetch(r.Context(), r)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		rw.Header().Add("Cache-Status", cacheStatus.String())
		http.Error(rw, "Could not get response", status)
		w.logRequest(r, status, cacheStatus)
		return
	}
	w.send(rw, res, cacheStatus)
}

// recover recovers from panics and sends the request to the escape hatch.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		w.escapeHatch(rw, r)
	}
}

// escapeHatch is a fallback handler that just sends the request to the network.
func (w *Worker) escapeHatch(rw http.ResponseWriter, r *http.Request) {
	res, err := w.fetch(r.Context(), r)
	if err != nil {
		w.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	var cacheStatus cachestatus.CacheStatus
	cacheStatus.Forward(cachestatus.FwdBypass)
	w.send(rw, res.Response, cacheStatus)
}

func (w *Worker) send(rw http.ResponseWriter, res *http.Response, cacheStatus cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", cacheStatus.String())
	rw.WriteHeader(res.StatusCode)
	var bytesWritten int64
	var err error
	if res.Body != nil {
		dst := io.Writer(rw)
		// bodies of unknown length may be streams, pass them on as they arrive
		if res.ContentLength < 0 {
			dst = flushWriter{rw}
		}
		bytesWritten, err = io.Copy(dst, res.Body)
	}
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	if res.Request != nil {
		w.logRequest(res.Request, res.StatusCode, cacheStatus)
	}
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

type flushWriter struct {
	rw http.ResponseWriter
}

func (f flushWriter) Write(b []byte) (int, error) {
	n, err := f.rw.Write(b)
	if err == nil {
		// writers that cannot flush still get the bytes
		_ = http.NewResponseController(f.rw).Flush()
	}
	return n, err
}

func (w *Worker) logRequest(r *http.Request, statusCode int, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", statusCode).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Str("detail", cs.Detail).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
