// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package memstore is an in-process document store. It backs the daemon's
// "memory" store kind and doubles as the store in tests, where it can be
// taken offline and made to fail on demand.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/tillpoint/backoffice/core/docstore"
)

// Store is an in-memory docstore.ConditionalStore.
type Store struct {
	clock clock.Clock

	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	watchers    map[*watcher]struct{}
	offline     bool
	failures    map[string][]error
	calls       map[string]int
	nextID      int
}

var _ docstore.ConditionalStore = (*Store)(nil)

// New returns an empty store.
func New(clk clock.Clock) *Store {
	return &Store{
		clock:       clk,
		collections: make(map[string]map[string]map[string]any),
		watchers:    make(map[*watcher]struct{}),
		failures:    make(map[string][]error),
		calls:       make(map[string]int),
	}
}

// SetOffline makes every call fail with docstore.ErrUnavailable. Going
// offline also breaks every open watch.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offline = offline
	if !offline {
		return
	}
	for w := range s.watchers {
		w.tomb.Kill(docstore.ErrUnavailable)
		delete(s.watchers, w)
	}
}

// Ping is a connectivity.Prober.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return docstore.ErrUnavailable
	}
	return nil
}

// FailNext queues errors to be returned by the next calls to method, one
// per call. Method is one of the docstore.Store method names.
func (s *Store) FailNext(method string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], errs...)
}

// Calls returns how many times method has been called, failed calls
// included.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// WatchCount returns the number of open watches on collection.
func (s *Store) WatchCount(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for w := range s.watchers {
		if w.collection == collection {
			n++
		}
	}
	return n
}

// enter records a call and returns the error it must fail with, if any.
// It must be called with mu held.
func (s *Store) enter(method string) error {
	s.calls[method]++
	if s.offline {
		return docstore.ErrUnavailable
	}
	if errs := s.failures[method]; len(errs) > 0 {
		s.failures[method] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *Store) collection(name string) map[string]map[string]any {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]map[string]any)
		s.collections[name] = c
	}
	return c
}

// Create is part of the docstore.Store interface.
func (s *Store) Create(_ context.Context, collection, id string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("Create"); err != nil {
		return "", err
	}
	c := s.collection(collection)
	if id == "" {
		s.nextID++
		id = fmt.Sprintf("%s-%d", collection, s.nextID)
	}
	if _, ok := c[id]; ok {
		return "", errors.AlreadyExistsf("%s document %q", collection, id)
	}
	c[id] = copyFields(fields)
	s.changed(collection)
	return id, nil
}

// Update is part of the docstore.Store interface.
func (s *Store) Update(_ context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("Update"); err != nil {
		return err
	}
	return s.update(collection, id, nil, fields)
}

// UpdateIf is part of the docstore.ConditionalStore interface.
func (s *Store) UpdateIf(_ context.Context, collection, id string, expect docstore.Filter, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("UpdateIf"); err != nil {
		return err
	}
	return s.update(collection, id, expect, fields)
}

func (s *Store) update(collection, id string, expect docstore.Filter, fields map[string]any) error {
	doc, ok := s.collection(collection)[id]
	if !ok {
		return errors.NotFoundf("%s document %q", collection, id)
	}
	if expect != nil && !expect.Matches(docstore.Document{ID: id, Fields: doc}) {
		return errors.Annotatef(docstore.ErrConflict, "%s document %q", collection, id)
	}
	for k, v := range copyFields(fields) {
		doc[k] = v
	}
	s.changed(collection)
	return nil
}

// Delete is part of the docstore.Store interface.
func (s *Store) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("Delete"); err != nil {
		return err
	}
	c := s.collection(collection)
	if _, ok := c[id]; !ok {
		return errors.NotFoundf("%s document %q", collection, id)
	}
	delete(c, id)
	s.changed(collection)
	return nil
}

// Get is part of the docstore.Store interface.
func (s *Store) Get(_ context.Context, collection, id string) (docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("Get"); err != nil {
		return docstore.Document{}, err
	}
	doc, ok := s.collection(collection)[id]
	if !ok {
		return docstore.Document{}, errors.NotFoundf("%s document %q", collection, id)
	}
	return docstore.Document{ID: id, Fields: copyFields(doc)}, nil
}

// Query is part of the docstore.Store interface.
func (s *Store) Query(_ context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("Query"); err != nil {
		return nil, err
	}
	return s.query(collection, q), nil
}

func (s *Store) query(collection string, q docstore.Query) []docstore.Document {
	c := s.collection(collection)
	docs := make([]docstore.Document, 0, len(c))
	for id, fields := range c {
		docs = append(docs, docstore.Document{ID: id, Fields: copyFields(fields)})
	}
	if len(q.Order) == 0 {
		q.Order = []docstore.Order{{Field: "id"}}
	}
	return docstore.Apply(docs, q)
}

// Put stores a document directly, bypassing failure injection. It is
// meant for seeding test data.
func (s *Store) Put(collection, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection(collection)[id] = copyFields(fields)
	s.changed(collection)
}

// Watch is part of the docstore.Store interface.
func (s *Store) Watch(_ context.Context, collection string, q docstore.Query) (docstore.Watcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("Watch"); err != nil {
		return nil, err
	}
	w := &watcher{
		store:      s,
		collection: collection,
		query:      q,
		changes:    make(chan docstore.Snapshot),
		notify:     make(chan struct{}, 1),
	}
	s.watchers[w] = struct{}{}
	w.tomb.Go(w.loop)
	return w, nil
}

// changed wakes the watchers of collection. It must be called with mu
// held.
func (s *Store) changed(collection string) {
	for w := range s.watchers {
		if w.collection != collection {
			continue
		}
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (s *Store) snapshot(collection string, q docstore.Query) docstore.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return docstore.Snapshot{
		Collection: collection,
		Documents:  s.query(collection, q),
		ReadAt:     s.clock.Now(),
	}
}

func (s *Store) forget(w *watcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

type watcher struct {
	tomb       tomb.Tomb
	store      *Store
	collection string
	query      docstore.Query
	changes    chan docstore.Snapshot
	notify     chan struct{}
}

func (w *watcher) loop() error {
	defer close(w.changes)
	defer w.store.forget(w)

	snap := w.store.snapshot(w.collection, w.query)
	out := w.changes
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.notify:
			snap = w.store.snapshot(w.collection, w.query)
			out = w.changes
		case out <- snap:
			out = nil
		}
	}
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

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return copyFields(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
