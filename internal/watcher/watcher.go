// Package watcher discovers files under a pipeline prefix that are newer
// than its checkpoint.
package watcher

import (
	"context"
	"iter"
	"log/slog"
	"strings"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/routing"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/source"
)

// Watcher lists one pipeline prefix.
type Watcher struct {
	store    source.Store
	pipeline string
	prefix   string
	router   *routing.Router
	log      *slog.Logger
}

// New creates a watcher. router may be nil when the pipeline is the only
// one reading the bucket.
func New(store source.Store, pipeline, prefix string, router *routing.Router) *Watcher {
	return &Watcher{
		store:    store,
		pipeline: pipeline,
		prefix:   prefix,
		router:   router,
		log:      slog.With("component", "watcher", "pipeline", pipeline),
	}
}

// Prefix returns the watched prefix.
func (w *Watcher) Prefix() string { return w.prefix }

// Pending yields the Parquet files under the prefix whose key sorts after
// after, in ascending key order. The sequence is finite: it ends once the
// current listing is exhausted. A listing failure is yielded once, wrapped
// in source.ErrSourceUnavailable, and ends the sequence.
func (w *Watcher) Pending(ctx context.Context, after string) iter.Seq2[source.FileEntry, error] {
	return func(yield func(source.FileEntry, error) bool) {
		last := after
		skipped := 0
		defer func() {
			if skipped > 0 {
				w.log.Debug("listing skipped keys", "count", skipped)
			}
		}()

		for entry, err := range w.store.List(ctx, w.prefix) {
			if err != nil {
				yield(source.FileEntry{}, err)
				return
			}
			// Never step backwards, even if a backend lists out of order.
			if entry.Key <= last {
				continue
			}
			if !w.accepts(entry.Key) {
				skipped++
				continue
			}
			last = entry.Key
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (w *Watcher) accepts(key string) bool {
	if !source.IsParquetFile(key) {
		return false
	}
	if source.IsHidden(strings.TrimPrefix(key, w.prefix)) {
		return false
	}
	if w.router != nil && !w.router.Owns(w.pipeline, key) {
		return false
	}
	return true
}
