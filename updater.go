package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cacheupdate "github.com/always-cache/offline-cache/pkg/cache-update"
)

// updateIfNeeded refreshes the resources named in `Cache-Update` response headers.
// Refreshes run in the background, delayed ones only after their delay.
func (w *Worker) updateIfNeeded(store cache.Store, downReq *http.Request, header http.Header) {
	for _, update := range cacheupdate.GetCacheUpdates(downReq, header) {
		update := update
		w.log.Trace().Str("update", update.Path).Msgf("Updating cache based on header")
		w.pending.Add(1)
		go func() {
			defer w.pending.Done()
			if update.Delay > 0 {
				timer := time.NewTimer(update.Delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-w.done:
					w.log.Debug().Str("path", update.Path).Msg("Worker retired, dropping update")
					return
				}
			}
			if err := w.refresh(store, update.Path); err != nil {
				w.log.Error().Err(err).Str("path", update.Path).Msg("Could not save updates")
			}
		}()
	}
}

// refresh fetches the path from the network and stores the response if it is cacheable.
func (w *Worker) refresh(store cache.Store, path string) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	res, err := w.fetch(req.Context(), req)
	if err != nil {
		return err
	}
	if !res.storable(req) {
		res.Body.Close()
		w.log.Debug().Str("path", path).Int("code", res.StatusCode).Msg("Update not cached")
		return nil
	}
	snap, err := w.capture(res)
	if err != nil {
		res.Body.Close()
		return err
	}
	w.rules.Apply(req, snap.StatusCode, snap.Header)
	return w.put(store, req, snap)
}
