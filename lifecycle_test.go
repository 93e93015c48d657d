package offlinecache

import (
	"context"
	"net/http"
	"testing"

	"github.com/always-cache/offline-cache/cache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestInstallStoresManifest(t *testing.T) {
	s := newSite()
	storage := cache.NewMemStorage()
	w, _ := newTestWorker(t, storage, "1", s)
	require.Equal(t, StateParsed, w.State())

	require.NoError(t, w.Install(context.Background()))
	require.Equal(t, StateInstalled, w.State())

	store, err := cache.OpenExisting(storage, "masomo-v1")
	require.NoError(t, err)
	var keys []string
	require.NoError(t, store.Keys(func(key string) { keys = append(keys, key) }))
	require.Len(t, keys, len(DefaultManifest))
	for _, path := range DefaultManifest {
		require.Equal(t, 1, s.count(path), path)
	}

	cached, err := w.CachedRequests()
	require.NoError(t, err)
	urls := []string{}
	for _, c := range cached {
		require.Equal(t, http.MethodGet, c.Method)
		require.Empty(t, c.Vary)
		urls = append(urls, c.URL)
	}
	require.ElementsMatch(t, DefaultManifest, urls)
}

func TestInstallIsAllOrNothing(t *testing.T) {
	s := newSite()
	storage := cache.NewMemStorage()
	logger := zerolog.Nop()
	registry := prometheus.NewRegistry()
	w, err := CreateWorker(Middleware(Config{
		Storage:  storage,
		AppName:  "masomo",
		Version:  "2",
		Manifest: []string{"/", "/static/js/bundle.js", "/missing", "/manifest.json"},
		Metrics:  NewMetrics(registry),
		Logger:   &logger,
	}, s))
	require.NoError(t, err)

	err = w.Install(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)
	require.ErrorContains(t, err, "/missing")
	require.Equal(t, StateRedundant, w.State())

	// nothing was written for the resources fetched before the failure
	if store, err := cache.OpenExisting(storage, "masomo-v2"); err == nil {
		var keys []string
		require.NoError(t, store.Keys(func(key string) { keys = append(keys, key) }))
		require.Empty(t, keys)
	}
	require.Equal(t, float64(1), testutil.ToFloat64(w.metrics.installs.WithLabelValues("failure")))

	// a redundant worker stays out of the way
	require.ErrorIs(t, w.Activate(context.Background()), ErrNotInstalled)
	rr := get(t, w, "/")
	require.Equal(t, "OfflineCache; fwd=bypass", rr.Header().Get("Cache-Status"))
}

func TestInstallFailsWhenNetworkIsUnreachable(t *testing.T) {
	s := newSite()
	w, net := newTestWorker(t, cache.NewMemStorage(), "1", s)
	net.offline.Store(true)

	err := w.Install(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)
	require.ErrorIs(t, err, errOffline)
	require.Equal(t, StateRedundant, w.State())
}

func TestInstallTwiceIsInvalid(t *testing.T) {
	w, _ := newTestWorker(t, cache.NewMemStorage(), "1", newSite())
	require.NoError(t, w.Install(context.Background()))
	require.ErrorIs(t, w.Install(context.Background()), ErrInvalidState)
	require.Equal(t, StateInstalled, w.State())
}

func TestActivateBeforeInstall(t *testing.T) {
	w, _ := newTestWorker(t, cache.NewMemStorage(), "1", newSite())
	require.ErrorIs(t, w.Activate(context.Background()), ErrNotInstalled)
	require.Equal(t, StateParsed, w.State())
}

func TestActivateDeletesOtherStores(t *testing.T) {
	s := newSite()
	storage := cache.NewMemStorage()
	for _, name := range []string{"masomo-v0", "masomo-v1", "other-app-v7"} {
		store, err := storage.Open(name)
		require.NoError(t, err)
		require.NoError(t, store.Put(cache.CacheEntry{Key: "http://localhost:GET:/\t", Bytes: []byte("stale")}))
	}

	logger := zerolog.Nop()
	registry := prometheus.NewRegistry()
	w, err := CreateWorker(Middleware(Config{
		Storage: storage,
		AppName: "masomo",
		Version: "2",
		Metrics: NewMetrics(registry),
		Logger:  &logger,
	}, s))
	require.NoError(t, err)

	require.NoError(t, w.Install(context.Background()))
	names, err := storage.Names()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"masomo-v0", "masomo-v1", "masomo-v2", "other-app-v7"}, names)

	require.NoError(t, w.Activate(context.Background()))
	require.Equal(t, StateActivated, w.State())
	names, err = storage.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"masomo-v2"}, names)
	require.Equal(t, float64(3), testutil.ToFloat64(w.metrics.storesDeleted))
}

func TestActivateWithSQLiteStorage(t *testing.T) {
	storage, err := cache.NewSQLiteStorage(t.TempDir() + "/cache.db")
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	s := newSite()
	old, _ := newTestWorker(t, storage, "1", s)
	activate(t, old)
	current, _ := newTestWorker(t, storage, "2", s)
	activate(t, current)

	names, err := storage.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"masomo-v2"}, names)

	before := s.total()
	rr := get(t, current, "/manifest.json")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "content of /manifest.json", rr.Body.String())
	require.Equal(t, before, s.total())
}
