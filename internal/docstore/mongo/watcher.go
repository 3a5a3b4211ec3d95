// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"context"
	"time"

	"github.com/juju/errors"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/tomb.v2"

	"github.com/tillpoint/backoffice/core/docstore"
)

// closeTimeout bounds closing a change stream after the watcher stops.
const closeTimeout = 5 * time.Second

// Watch is part of the docstore.Store interface. Any change to the
// collection triggers a fresh read of the query; bursts of changes that
// arrive while a snapshot is waiting to be consumed are coalesced.
func (s *Store) Watch(ctx context.Context, collection string, q docstore.Query) (docstore.Watcher, error) {
	stream, err := s.db.Collection(collection).Watch(ctx, mongodriver.Pipeline{}, options.ChangeStream())
	if err != nil {
		return nil, errors.Annotatef(storeError(err), "watching %s", collection)
	}
	w := &watcher{
		store:      s,
		stream:     stream,
		collection: collection,
		query:      q,
		changes:    make(chan docstore.Snapshot),
		notify:     make(chan struct{}, 1),
	}
	w.tomb.Go(w.loop)
	return w, nil
}

type watcher struct {
	tomb       tomb.Tomb
	store      *Store
	stream     *mongodriver.ChangeStream
	collection string
	query      docstore.Query
	changes    chan docstore.Snapshot
	notify     chan struct{}
}

func (w *watcher) loop() error {
	defer close(w.changes)

	ctx := w.tomb.Context(context.Background())
	w.tomb.Go(func() error {
		return w.follow(ctx)
	})

	snap, err := w.store.snapshot(ctx, w.collection, w.query)
	if err != nil {
		return errors.Trace(err)
	}
	out := w.changes
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.notify:
			if snap, err = w.store.snapshot(ctx, w.collection, w.query); err != nil {
				return errors.Trace(err)
			}
			out = w.changes
		case out <- snap:
			out = nil
		}
	}
}

// follow reads the change stream and wakes the main loop on every event.
// It owns the stream.
func (w *watcher) follow(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := w.stream.Close(closeCtx); err != nil {
			logger.Debugf("closing %s change stream: %v", w.collection, err)
		}
	}()
	for w.stream.Next(ctx) {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
	select {
	case <-w.tomb.Dying():
		return tomb.ErrDying
	default:
	}
	if err := w.stream.Err(); err != nil {
		return storeError(err)
	}
	return errors.Annotatef(docstore.ErrUnavailable, "%s change stream closed", w.collection)
}

// Changes is part of the docstore.Watcher interface.
func (w *watcher) Changes() <-chan docstore.Snapshot {
	return w.changes
}

// Kill is part of the worker.Worker interface.
func (w *watcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *watcher) Wait() error {
	return w.tomb.Wait()
}
