// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/events"
)

// watch keeps one store watch alive for a query, re-establishing it after
// failures, and caches what it delivers.
type watch struct {
	catacomb   catacomb.Catacomb
	config     Config
	collection string
	key        string
	query      docstore.Query

	// refs is guarded by the manager's mutex.
	refs int

	mu         sync.Mutex
	documents  []docstore.Document
	version    uint64
	receivedAt time.Time
}

func newWatch(config Config, collection, key string, q docstore.Query) *watch {
	return &watch{
		config:     config,
		collection: collection,
		key:        key,
		query:      q,
	}
}

func (w *watch) loop() error {
	ctx := w.catacomb.Context(context.Background())
	var delay time.Duration
	for {
		delivered, err := w.run(ctx)
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		default:
		}
		if delivered || delay == 0 {
			delay = w.config.RetryDelay
		} else {
			delay *= 2
			if delay > w.config.MaxRetryDelay {
				delay = w.config.MaxRetryDelay
			}
		}
		w.config.Logger.Warningf("watch on %s failed, retrying in %v: %v", w.collection, delay, err)
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.config.Clock.After(delay):
		}
	}
}

// run opens the store watch and consumes it until it fails or the watch
// is stopped. It reports whether any snapshot was delivered.
func (w *watch) run(ctx context.Context) (bool, error) {
	sw, err := w.config.Store.Watch(ctx, w.collection, w.query)
	if err != nil {
		return false, errors.Annotate(err, "opening watch")
	}
	// The store watcher is not added to the catacomb: its failure is
	// retried here rather than killing the watch.
	defer func() { _ = worker.Stop(sw) }()

	delivered := false
	for {
		select {
		case <-w.catacomb.Dying():
			return delivered, w.catacomb.ErrDying()
		case snap, ok := <-sw.Changes():
			if !ok {
				err := sw.Wait()
				if err == nil {
					err = errors.New("watcher stopped")
				}
				return delivered, err
			}
			delivered = true
			w.apply(snap)
		}
	}
}

func (w *watch) apply(snap docstore.Snapshot) {
	w.mu.Lock()
	w.version++
	w.documents = snap.Documents
	w.receivedAt = w.config.Clock.Now()
	ev := events.SnapshotUpdated{
		Collection: w.collection,
		Key:        w.key,
		Version:    w.version,
		Documents:  snap.Documents,
	}
	w.mu.Unlock()

	w.config.Publisher.Publish(ev)
}

func (w *watch) cached() (Cached, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.version == 0 {
		return Cached{}, false
	}
	return Cached{
		Documents:  w.documents,
		Version:    w.version,
		ReceivedAt: w.receivedAt,
	}, true
}

// Kill is part of the worker.Worker interface.
func (w *watch) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *watch) Wait() error {
	return w.catacomb.Wait()
}
