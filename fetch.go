package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// ErrNoResponse is returned when neither the cache nor the network produced a response.
var ErrNoResponse = errors.New("no response")

// DestinationDocument is the destination of navigation requests.
const DestinationDocument = "document"

// fallbackPath is served to navigation requests when the network is unreachable.
const fallbackPath = "/"

// Fetch answers a request cache-first.
// A stored response is returned without touching the network. On a miss the
// network response is returned, and stored in the background if it is cacheable.
// If the network fails, navigation requests get the stored root document.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cacheStatus cachestatus.CacheStatus

	store, controlled := w.currentStore()
	if !controlled {
		cacheStatus.Forward(cachestatus.FwdBypass)
		res, err := w.fetch(ctx, r)
		if err != nil {
			w.metrics.recordFetch(outcomeFailed)
			cacheStatus.Detail = cachestatus.DetailNoResponse
			return nil, cacheStatus, fmt.Errorf("%w: %w", ErrNoResponse, err)
		}
		w.metrics.recordFetch(outcomeBypass)
		return res.Response, cacheStatus, nil
	}

	log := w.log.With().Str("key", w.keyer.GetKeyPrefix(r)).Logger()

	if r.Method == http.MethodGet {
		snap, variants, found, err := w.match(store, r, false)
		if err != nil {
			log.Warn().Err(err).Msg("Error getting responses")
		}
		if found {
			cacheStatus.Hit()
			w.metrics.recordFetch(outcomeHit)
			return snap.Response(r), cacheStatus, nil
		}
		if variants > 0 {
			cacheStatus.Forward(cachestatus.FwdVaryMiss)
		} else {
			cacheStatus.Forward(cachestatus.FwdUriMiss)
		}
	} else {
		cacheStatus.Forward(cachestatus.FwdMethod)
	}

	log.Trace().Msg("Forwarding to network")
	res, err := w.fetch(ctx, r)
	if err != nil {
		log.Warn().Err(err).Msg("Could not fetch response from network")
		return w.offline(store, r, cacheStatus, err)
	}

	if res.storable(r) {
		snap, err := w.capture(res)
		switch {
		case err == nil:
			w.rules.Apply(r, snap.StatusCode, snap.Header)
			w.storeInBackground(store, r, snap)
			cacheStatus.Stored = true
			w.metrics.recordFetch(outcomeStored)
			w.updateIfNeeded(store, r, snap.Header)
			return snap.Response(r), cacheStatus, nil
		case errors.Is(err, serializer.ErrBodyTooLarge):
			log.Debug().Int64("limit", w.maxBodySize).Msg("Response too large to store")
		default:
			log.Warn().Err(err).Msg("Could not read response from network")
			return w.offline(store, r, cacheStatus, err)
		}
	}

	w.metrics.recordFetch(outcomeNetwork)
	w.updateIfNeeded(store, r, res.Header)
	return res.Response, cacheStatus, nil
}

// offline answers a request the network failed on.
// Navigation requests get the stored root document.
func (w *Worker) offline(store cache.Store, r *http.Request, cacheStatus cachestatus.CacheStatus, err error) (*http.Response, cachestatus.CacheStatus, error) {
	if Destination(r) == DestinationDocument {
		if res, ok := w.fallback(store, r); ok {
			cacheStatus.Hit()
			cacheStatus.Detail = cachestatus.DetailOfflineFallback
			w.metrics.recordFetch(outcomeFallback)
			return res, cacheStatus, nil
		}
	}
	cacheStatus.Detail = cachestatus.DetailNoResponse
	w.metrics.recordFetch(outcomeFailed)
	return nil, cacheStatus, fmt.Errorf("%w: %w", ErrNoResponse, err)
}

// match finds a stored response for the request.
// Stored responses are selected by their Vary headers unless ignoreVary is set.
// variants is the number of stored responses for the request URI.
func (w *Worker) match(store cache.Store, r *http.Request, ignoreVary bool) (snap serializer.Snapshot, variants int, found bool, err error) {
	prefix := w.keyer.GetKeyPrefix(r)
	entries, err := store.All(prefix)
	if err != nil {
		return serializer.Snapshot{}, 0, false, err
	}
	w.log.Trace().Str("key", prefix).Msgf("Found %v cache entries", len(entries))
	for _, e := range entries {
		snap, err := serializer.BytesToSnapshot(e.Bytes)
		if err != nil {
			w.log.Warn().Err(err).Str("key", e.Key).Msg("Could not read stored response")
			continue
		}
		if ignoreVary || w.keyer.Matches(e.Key, r, &http.Response{Header: snap.Header}) {
			return snap, len(entries), true, nil
		}
	}
	return serializer.Snapshot{}, len(entries), false, nil
}

// fallback returns the stored root document for a failed navigation.
func (w *Worker) fallback(store cache.Store, r *http.Request) (*http.Response, bool) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, fallbackPath, nil)
	if err != nil {
		return nil, false
	}
	snap, _, found, err := w.match(store, req, true)
	if err != nil {
		w.log.Warn().Err(err).Msg("Could not look up offline fallback")
		return nil, false
	}
	if !found {
		return nil, false
	}
	return snap.Response(r), true
}

// storeInBackground writes the snapshot to the store without holding up the caller.
// A failed write is logged and counted, the response is not affected.
func (w *Worker) storeInBackground(store cache.Store, r *http.Request, snap serializer.Snapshot) {
	req := r.Clone(context.Background())
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if err := w.put(store, req, snap); err != nil {
			w.metrics.recordCacheWriteError()
			w.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not write to cache")
		}
	}()
}

func (w *Worker) put(store cache.Store, req *http.Request, snap serializer.Snapshot) error {
	entry, err := w.entry(req, snap)
	if err != nil {
		return err
	}
	if err := store.Put(entry); err != nil {
		return err
	}
	w.log.Trace().Str("key", entry.Key).Msg("Cache write")
	return nil
}

// Destination returns the fetch destination of a request.
// The Sec-Fetch-Dest header is used when present. Otherwise navigations and
// GET requests accepting HTML are treated as documents.
func Destination(r *http.Request) string {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return DestinationDocument
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return DestinationDocument
	}
	return ""
}
