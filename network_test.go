package offlinecache

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func proxyWorker(t *testing.T, origin string) *Worker {
	t.Helper()
	originURL, err := url.Parse(origin)
	require.NoError(t, err)
	logger := zerolog.Nop()
	w, err := CreateWorker(Config{
		Storage:   cache.NewMemStorage(),
		AppName:   "masomo",
		Version:   "1",
		OriginURL: *originURL,
		Logger:    &logger,
	})
	require.NoError(t, err)
	return w
}

func TestOriginWithTrailingSlash(t *testing.T) {
	s := newSite()
	server := httptest.NewServer(s)
	defer server.Close()

	w := proxyWorker(t, server.URL+"/")
	activate(t, w)
	require.Equal(t, 1, s.count("/"))
	require.Equal(t, 1, s.count("/static/js/bundle.js"))

	rr := get(t, w, "/about?lang=sw")
	require.Equal(t, "content of /about", rr.Body.String())
	require.Equal(t, 1, s.count("/about"))
	w.Wait()

	cached, err := w.CachedRequests()
	require.NoError(t, err)
	for _, c := range cached {
		require.True(t, strings.HasPrefix(c.Key, server.URL+":GET:/"), c.Key)
		require.False(t, strings.HasPrefix(c.URL, "//"), c.URL)
	}

	// the absolute form of a same-origin URL is the same resource
	rr = get(t, w, server.URL+"/about?lang=sw")
	require.Equal(t, "OfflineCache; hit", rr.Header().Get("Cache-Status"))
}

func TestOriginWithPathIsRejected(t *testing.T) {
	logger := zerolog.Nop()
	for _, origin := range []string{"https://masomo.example/app", "https://masomo.example/?a=b"} {
		originURL, err := url.Parse(origin)
		require.NoError(t, err)
		_, err = CreateWorker(Config{
			Storage:   cache.NewMemStorage(),
			AppName:   "masomo",
			Version:   "1",
			OriginURL: *originURL,
			Logger:    &logger,
		})
		require.Error(t, err, origin)
	}
}

func TestEventStreamIsPassedThrough(t *testing.T) {
	s := newSite()
	release := make(chan struct{})
	s.mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: 1\n\n")
		w.(http.Flusher).Flush()
		<-release
		fmt.Fprint(w, "data: 2\n\n")
	})
	origin := httptest.NewServer(s)
	defer origin.Close()
	w := proxyWorker(t, origin.URL)
	activate(t, w)
	front := httptest.NewServer(w)
	defer front.Close()
	var releaseOnce sync.Once
	stop := func() { releaseOnce.Do(func() { close(release) }) }
	defer stop()

	type first struct {
		res  *http.Response
		body *bufio.Reader
		line string
		err  error
	}
	got := make(chan first, 1)
	go func() {
		res, err := http.Get(front.URL + "/events")
		if err != nil {
			got <- first{err: err}
			return
		}
		body := bufio.NewReader(res.Body)
		line, err := body.ReadString('\n')
		got <- first{res: res, body: body, line: line, err: err}
	}()

	var f first
	select {
	case f = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("first event was held back")
	}
	require.NoError(t, f.err)
	defer f.res.Body.Close()
	require.Equal(t, "data: 1\n", f.line)
	require.Equal(t, "OfflineCache; fwd=uri-miss", f.res.Header.Get("Cache-Status"))

	stop()
	rest, err := io.ReadAll(f.body)
	require.NoError(t, err)
	require.Equal(t, "\ndata: 2\n\n", string(rest))
	w.Wait()

	rr := get(t, w, "/events")
	require.Equal(t, "OfflineCache; fwd=uri-miss", rr.Header().Get("Cache-Status"))
	require.Equal(t, 2, s.count("/events"))
}

func TestLargeBodiesAreNotStored(t *testing.T) {
	s := newSite()
	big := strings.Repeat("x", 64)
	s.mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(big))
	})
	logger := zerolog.Nop()
	w, err := CreateWorker(Middleware(Config{
		Storage:     cache.NewMemStorage(),
		AppName:     "masomo",
		Version:     "1",
		Manifest:    []string{"/"},
		MaxBodySize: 32,
		Logger:      &logger,
	}, s))
	require.NoError(t, err)
	activate(t, w)

	for i := 0; i < 2; i++ {
		rr := get(t, w, "/video")
		require.Equal(t, big, rr.Body.String())
		require.Equal(t, "OfflineCache; fwd=uri-miss", rr.Header().Get("Cache-Status"))
		w.Wait()
	}
	require.Equal(t, 2, s.count("/video"))

	rr := get(t, w, "/short")
	require.Equal(t, "OfflineCache; fwd=uri-miss; stored", rr.Header().Get("Cache-Status"))
}
