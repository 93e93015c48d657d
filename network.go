package offlinecache

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// hopHeaders are not forwarded to the network.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// errNetworkTimeout cancels network requests that take longer than the configured timeout.
var errNetworkTimeout = fmt.Errorf("network timeout: %w", context.DeadlineExceeded)

// networkResponse is a response from the network whose body has not been read.
type networkResponse struct {
	*http.Response
	Type        serializer.ResponseType
	RequestTime time.Time
}

// storable reports whether the response may be captured for a cache store.
// Event streams never end, so they are passed through.
func (n networkResponse) storable(r *http.Request) bool {
	if r.Method != http.MethodGet || !serializer.Cacheable(n.StatusCode, n.Type) {
		return false
	}
	mediaType, _, _ := mime.ParseMediaType(n.Header.Get("Content-Type"))
	return mediaType != "text/event-stream"
}

// capture reads the whole body into a snapshot.
func (w *Worker) capture(n networkResponse) (serializer.Snapshot, error) {
	return serializer.Capture(n.Response, n.Type, n.RequestTime, w.maxBodySize)
}

// fetch the resource specified in the incoming request from the network.
// Requests for other origins are sent as is and their responses are opaque.
// The network timeout bounds the wait for the response header, not the body.
func (w *Worker) fetch(ctx context.Context, r *http.Request) (networkResponse, error) {
	requestTime := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	var timer *time.Timer
	if w.networkTimeout > 0 {
		timer = time.AfterFunc(w.networkTimeout, func() { cancel(errNetworkTimeout) })
	}

	target := *r.URL
	target.Fragment = ""
	responseType := serializer.TypeBasic
	if r.URL.IsAbs() && !w.sameOrigin(r.URL) {
		responseType = serializer.TypeOpaque
	} else {
		target.Scheme = w.originURL.Scheme
		target.Host = w.originURL.Host
		target.User = nil
	}
	uri := target.String()

	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		cancel(nil)
		w.log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return networkResponse{}, err
	}
	req.ContentLength = r.ContentLength
	if responseType == serializer.TypeBasic {
		req.Host = w.originHost
	}
	copyHeader(req.Header, r.Header)
	removeHopHeaders(req.Header)
	w.log.Trace().Str("uri", uri).Msg("Executing request")

	res, err := w.httpClient.Do(req)
	if timer != nil && !timer.Stop() {
		cancel(errNetworkTimeout)
		if err != nil {
			return networkResponse{}, fmt.Errorf("%w: %w", errNetworkTimeout, err)
		}
		res.Body.Close()
		return networkResponse{}, errNetworkTimeout
	}
	if err != nil {
		cancel(nil)
		return networkResponse{}, err
	}
	res.Body = cancelOnClose{ReadCloser: res.Body, cancel: func() { cancel(nil) }}
	res.Request = r
	return networkResponse{Response: res, Type: responseType, RequestTime: requestTime}, nil
}

// cancelOnClose releases the request context once the body is done with.
type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// normalizeOrigin strips a trailing slash from the origin URL.
// Origins with any other path are not supported.
func normalizeOrigin(origin url.URL) (url.URL, error) {
	if origin.Path != "" && origin.Path != "/" {
		return origin, fmt.Errorf("origin %q has a path", origin.String())
	}
	if origin.RawQuery != "" || origin.Fragment != "" {
		return origin, fmt.Errorf("origin %q has a query or fragment", origin.String())
	}
	origin.Path = ""
	origin.RawPath = ""
	return origin, nil
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.originURL.Scheme) && strings.EqualFold(u.Host, w.originURL.Host)
}

func removeHopHeaders(header http.Header) {
	for _, value := range header.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			header.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

// HandlerTransport is an http.RoundTripper that serves requests with a local handler.
// It makes the handler the "network" of a worker, i.e. middleware mode.
type HandlerTransport struct {
	Handler http.Handler
}

func (t HandlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	saver := tee.NewResponseSaver()
	// handlers expect server-side requests
	serverReq := req.Clone(req.Context())
	serverReq.RequestURI = req.URL.RequestURI()
	if serverReq.Body == nil {
		serverReq.Body = http.NoBody
	}
	t.Handler.ServeHTTP(saver, serverReq)
	// a handler that gave up because of the deadline did not produce a response
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	return saver.Result(req), nil
}

// Middleware returns a worker config whose network is the given handler.
func Middleware(config Config, next http.Handler) Config {
	config.Transport = HandlerTransport{Handler: next}
	if config.OriginURL.Host == "" {
		config.OriginURL = url.URL{Scheme: "http", Host: "localhost"}
	}
	return config
}

// NewPassthrough returns a handler that sends every request straight to the origin.
// It serves requests while no worker is active.
func NewPassthrough(originURL url.URL, originHost string, transport http.RoundTripper) *httputil.ReverseProxy {
	hostHeader := originURL.Host
	if originHost != "" {
		hostHeader = originHost
	}
	return &httputil.ReverseProxy{
		Director:  createDirector(originURL.Scheme, originURL.Host, hostHeader),
		Transport: transport,
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}
