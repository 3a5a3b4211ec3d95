// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package subscription multiplexes consumer subscriptions onto document
// store watches. Consumers asking for the same query share one watch; the
// latest snapshot of every watched query is cached and published on the
// bus as it arrives.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/events"
)

const (
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
	DefaultCacheTTL      = 30 * time.Second
)

// Watcher is the part of docstore.Store the manager needs.
type Watcher interface {
	Watch(ctx context.Context, collection string, q docstore.Query) (docstore.Watcher, error)
}

// Publisher receives snapshot events.
type Publisher interface {
	Publish(events.Event)
}

// Logger represents the methods used for logging.
type Logger interface {
	Warningf(string, ...interface{})
	Debugf(string, ...interface{})
}

// Config holds the dependencies and tuning of a Manager.
type Config struct {
	Store     Watcher
	Publisher Publisher
	Clock     clock.Clock
	Logger    Logger

	// RetryDelay is the first delay before re-establishing a failed
	// watch. It doubles on every consecutive failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// CacheTTL is how long a cached snapshot answers Lookup.
	CacheTTL time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Publisher == nil {
		return errors.NotValidf("nil Publisher")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.RetryDelay < 0 || config.MaxRetryDelay < 0 || config.CacheTTL < 0 {
		return errors.NotValidf("negative duration")
	}
	return nil
}

// Handle identifies a single consumer subscription.
type Handle struct {
	id         uint64
	collection string
	key        string
}

// Collection returns the collection the handle watches.
func (h Handle) Collection() string {
	return h.collection
}

// Key identifies the watched query. It matches SnapshotUpdated.Key.
func (h Handle) Key() string {
	return h.key
}

// Cached is a cached snapshot.
type Cached struct {
	Documents  []docstore.Document
	Version    uint64
	ReceivedAt time.Time
}

// Manager is a worker owning the shared watches.
type Manager struct {
	catacomb catacomb.Catacomb
	config   Config

	mu      sync.Mutex
	nextID  uint64
	handles map[uint64]*watch
	watches map[string]*watch
}

// NewManager starts a subscription manager.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if config.MaxRetryDelay < config.RetryDelay {
		config.MaxRetryDelay = config.RetryDelay
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	m := &Manager{
		config:  config,
		handles: make(map[uint64]*watch),
		watches: make(map[string]*watch),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

func (m *Manager) loop() error {
	<-m.catacomb.Dying()
	return m.catacomb.ErrDying()
}

func watchKey(collection string, q docstore.Query) string {
	return collection + "|" + q.Key()
}

// Subscribe registers interest in q. The first subscriber for a query
// opens the watch; later ones share it.
func (m *Manager) Subscribe(collection string, q docstore.Query) (Handle, error) {
	if collection == "" {
		return Handle{}, errors.NotValidf("empty collection")
	}
	key := watchKey(collection, q)

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[key]
	if !ok {
		w = newWatch(m.config, collection, q.Key(), q)
		if err := catacomb.Invoke(catacomb.Plan{
			Site: &w.catacomb,
			Work: w.loop,
		}); err != nil {
			return Handle{}, errors.Trace(err)
		}
		if err := m.catacomb.Add(w); err != nil {
			return Handle{}, errors.Trace(err)
		}
		m.watches[key] = w
		m.config.Logger.Debugf("watching %s %s", collection, w.key)
	}
	w.refs++
	m.nextID++
	m.handles[m.nextID] = w
	return Handle{id: m.nextID, collection: collection, key: w.key}, nil
}

// Unsubscribe releases a handle. The watch is torn down when its last
// handle is released. Releasing a handle twice is a no-op.
func (m *Manager) Unsubscribe(h Handle) {
	m.mu.Lock()
	w, ok := m.handles[h.id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.handles, h.id)
	w.refs--
	last := w.refs == 0
	if last {
		delete(m.watches, watchKey(w.collection, w.query))
	}
	m.mu.Unlock()

	if last {
		m.config.Logger.Debugf("stopped watching %s %s", w.collection, w.key)
		// Not waited for: Unsubscribe may be called from a handler the
		// watch is currently delivering to.
		w.Kill()
	}
}

// Snapshot returns the latest snapshot delivered for the handle's query,
// regardless of age. The second result is false before the first
// snapshot arrives or for a released handle.
func (m *Manager) Snapshot(h Handle) (Cached, bool) {
	m.mu.Lock()
	w, ok := m.handles[h.id]
	m.mu.Unlock()
	if !ok {
		return Cached{}, false
	}
	return w.cached()
}

// Lookup answers q from the cache if some subscriber is watching exactly
// q and its snapshot is younger than the cache TTL.
func (m *Manager) Lookup(collection string, q docstore.Query) ([]docstore.Document, bool) {
	cached, ok := m.Cached(collection, q)
	if !ok {
		return nil, false
	}
	if m.config.Clock.Now().Sub(cached.ReceivedAt) > m.config.CacheTTL {
		return nil, false
	}
	return cached.Documents, true
}

// Cached returns the latest snapshot for q regardless of age.
func (m *Manager) Cached(collection string, q docstore.Query) (Cached, bool) {
	m.mu.Lock()
	w, ok := m.watches[watchKey(collection, q)]
	m.mu.Unlock()
	if !ok {
		return Cached{}, false
	}
	return w.cached()
}

// Watches returns the number of open watches.
func (m *Manager) Watches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}
