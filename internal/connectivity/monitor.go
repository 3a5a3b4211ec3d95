// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package connectivity tracks whether the document store is reachable.
// The monitor makes no network calls itself: it observes a Prober supplied
// by the platform, and accepts pushed transitions from platforms that
// notify rather than poll.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/tillpoint/backoffice/core/events"
)

const (
	// DefaultInterval is how often the prober is consulted.
	DefaultInterval = 5 * time.Second

	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 3 * time.Second
)

// Prober reports whether the remote side is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Publisher receives connectivity transitions.
type Publisher interface {
	Publish(events.Event)
}

// Logger represents the methods used for logging.
type Logger interface {
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// Config holds the dependencies of a Monitor.
type Config struct {
	// Prober is optional; without it the state only changes through
	// SetOnline.
	Prober    Prober
	Publisher Publisher
	Clock     clock.Clock
	Logger    Logger

	Interval     time.Duration
	ProbeTimeout time.Duration

	// InitialOnline is the state assumed before the first probe.
	InitialOnline bool
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Publisher == nil {
		return errors.NotValidf("nil Publisher")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Interval < 0 || config.ProbeTimeout < 0 {
		return errors.NotValidf("negative interval")
	}
	return nil
}

// Monitor is a worker tracking the online state.
type Monitor struct {
	catacomb catacomb.Catacomb
	config   Config

	online atomic.Bool
	// mu serialises transitions so their events are published in order.
	mu sync.Mutex
}

// NewMonitor starts a connectivity monitor.
func NewMonitor(config Config) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	m := &Monitor{config: config}
	m.online.Store(config.InitialOnline)
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline records a transition pushed by the platform.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online.Swap(online) == online {
		return
	}
	if online {
		m.config.Logger.Infof("document store reachable")
	} else {
		m.config.Logger.Infof("document store unreachable, writes will be queued")
	}
	m.config.Publisher.Publish(events.ConnectivityChanged{
		Online: online,
		At:     m.config.Clock.Now(),
	})
}

func (m *Monitor) loop() error {
	if m.config.Prober == nil {
		<-m.catacomb.Dying()
		return m.catacomb.ErrDying()
	}

	ctx := m.catacomb.Context(context.Background())
	m.probe(ctx)

	timer := m.config.Clock.NewTimer(m.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		case <-timer.Chan():
			m.probe(ctx)
			timer.Reset(m.config.Interval)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	err := m.config.Prober.Ping(ctx)
	select {
	case <-m.catacomb.Dying():
		// A probe cut short by shutdown says nothing about the store.
		return
	default:
	}
	if err != nil {
		m.config.Logger.Debugf("probe failed: %v", err)
	}
	m.transition(err == nil)
}

// Kill is part of the worker.Worker interface.
func (m *Monitor) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Monitor) Wait() error {
	return m.catacomb.Wait()
}
