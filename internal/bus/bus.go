// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bus fans events out to the consumers registered for their
// topic. Delivery is synchronous except for the configured high frequency
// topics, whose bursts are coalesced into a single delivery of the most
// recent event per query.
package bus

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/tillpoint/backoffice/core/events"
)

// DefaultDebounceWindow is how long a debounced topic waits for further
// events before delivering.
const DefaultDebounceWindow = 500 * time.Millisecond

// ErrClosed is returned when registering on a bus that has been cleaned
// up.
const ErrClosed = errors.ConstError("event bus closed")

// Logger represents the methods used for logging. It is also what the
// underlying hub logs through.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Handler receives events for the topic it was registered on.
type Handler func(events.Event)

// Config holds the dependencies and tuning of a Bus.
type Config struct {
	Clock  clock.Clock
	Logger Logger

	// DebounceWindow defaults to DefaultDebounceWindow.
	DebounceWindow time.Duration

	// Debounced lists the topics whose events are coalesced.
	Debounced []events.Topic
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.DebounceWindow < 0 {
		return errors.NotValidf("negative DebounceWindow")
	}
	return nil
}

// Subscription is returned by On and passed to Off.
type Subscription struct {
	id    uint64
	topic events.Topic
}

// Topic returns the topic the subscription is registered on.
func (s *Subscription) Topic() events.Topic {
	return s.topic
}

type pending struct {
	timer clock.Timer
	event events.Event
}

// coalesceKey identifies the events that replace each other within a
// debounce window. Snapshots of different queries on one collection
// share a topic but are delivered separately.
type coalesceKey struct {
	topic events.Topic
	query string
}

func keyOf(topic events.Topic, ev events.Event) coalesceKey {
	k := coalesceKey{topic: topic}
	if snap, ok := ev.(events.SnapshotUpdated); ok {
		k.query = snap.Key
	}
	return k
}

// Bus is the event fan-out bus.
type Bus struct {
	config    Config
	hub       *pubsub.SimpleHub
	debounced set.Strings

	mu      sync.Mutex
	nextID  uint64
	unsubs  map[uint64]func()
	pending map[coalesceKey]*pending
	closed  bool
}

// New returns a new Bus.
func New(config Config) (*Bus, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.DebounceWindow == 0 {
		config.DebounceWindow = DefaultDebounceWindow
	}
	debounced := set.NewStrings()
	for _, t := range config.Debounced {
		debounced.Add(string(t))
	}
	return &Bus{
		config: config,
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: config.Logger,
		}),
		debounced: debounced,
		unsubs:    make(map[uint64]func()),
		pending:   make(map[coalesceKey]*pending),
	}, nil
}

// On registers handler for every event published on topic. A handler that
// panics is logged and does not affect delivery to other handlers.
func (b *Bus) On(topic events.Topic, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic}
	b.unsubs[sub.id] = b.hub.Subscribe(string(topic), func(_ string, data interface{}) {
		ev, ok := data.(events.Event)
		if !ok {
			b.config.Logger.Errorf("programming error: %q carried %T, not an event", topic, data)
			return
		}
		b.call(topic, handler, ev)
	})
	return sub, nil
}

func (b *Bus) call(topic events.Topic, handler Handler, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.config.Logger.Errorf("handler for %q panicked: %v", topic, r)
		}
	}()
	handler(ev)
}

// Off removes a subscription. Removing one twice is a no-op.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	unsub, ok := b.unsubs[sub.id]
	delete(b.unsubs, sub.id)
	b.mu.Unlock()

	if ok {
		unsub()
	}
}

// Publish delivers ev to the handlers registered on its topic. For
// debounced topics the event is held for the debounce window and replaced
// by any later event on the same topic for the same query; otherwise
// Publish returns once every handler has been called.
//
// Handlers must not publish synchronously to their own topic.
func (b *Bus) Publish(ev events.Event) {
	topic := ev.Topic()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.debounced.Contains(string(topic)) {
		key := keyOf(topic, ev)
		if p, ok := b.pending[key]; ok {
			p.event = ev
			p.timer.Reset(b.config.DebounceWindow)
		} else {
			p := &pending{event: ev}
			p.timer = b.config.Clock.AfterFunc(b.config.DebounceWindow, func() {
				b.fire(key, p)
			})
			b.pending[key] = p
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.deliver(topic, ev)
}

func (b *Bus) fire(key coalesceKey, p *pending) {
	b.mu.Lock()
	if b.closed || b.pending[key] != p {
		// Already delivered by an earlier firing of a reset timer.
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	ev := p.event
	b.mu.Unlock()

	b.deliver(key.topic, ev)
}

func (b *Bus) deliver(topic events.Topic, ev events.Event) {
	wait := b.hub.Publish(string(topic), ev)
	wait()
}

// Cleanup stops any pending debounce timers, dropping their events, and
// removes every subscription. The bus delivers nothing afterwards.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for key, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, key)
	}
	unsubs := b.unsubs
	b.unsubs = make(map[uint64]func())
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
