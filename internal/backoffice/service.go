// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backoffice assembles the sync engine and the shift lifecycle
// into a single service with an explicit lifecycle. Nothing here is
// global: any number of services can run side by side.
package backoffice

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/events"
	"github.com/tillpoint/backoffice/core/operation"
	"github.com/tillpoint/backoffice/internal/bus"
	"github.com/tillpoint/backoffice/internal/connectivity"
	"github.com/tillpoint/backoffice/internal/kvstore"
	"github.com/tillpoint/backoffice/internal/queue"
	"github.com/tillpoint/backoffice/internal/reconcile"
	"github.com/tillpoint/backoffice/internal/shift"
	"github.com/tillpoint/backoffice/internal/subscription"
	"github.com/tillpoint/backoffice/internal/syncer"
)

var logger = loggo.GetLogger("backoffice")

const (
	// ErrNotRunning is returned by calls made before Init or after
	// Shutdown.
	ErrNotRunning = errors.ConstError("back office service not running")

	// ErrAlreadyStarted is returned by a second call to Init.
	ErrAlreadyStarted = errors.ConstError("back office service already started")
)

// Config holds the collaborators and tuning of a Service.
type Config struct {
	Store docstore.Store
	KV    kvstore.Store
	Clock clock.Clock

	// Prober is optional. Without it connectivity only changes through
	// SetOnline.
	Prober        connectivity.Prober
	InitialOnline bool
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	QueueCapacity int

	SyncRetryAttempts int
	SyncRetryDelay    time.Duration
	SyncMaxRetryDelay time.Duration

	SubscriptionRetryDelay    time.Duration
	SubscriptionMaxRetryDelay time.Duration
	CacheTTL                  time.Duration

	DebounceWindow       time.Duration
	DebouncedCollections []string
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.KV == nil {
		return errors.NotValidf("nil KV")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Service is the back office engine.
type Service struct {
	catacomb catacomb.Catacomb
	config   Config

	mu      sync.Mutex
	running bool

	bus     *bus.Bus
	queue   *queue.Queue
	monitor *connectivity.Monitor
	subs    *subscription.Manager
	syncer  *syncer.Coordinator
	shifts  *shift.Controller
	sales   *salesFollower
	active  subscription.Handle
}

// New returns a service that does nothing until Init is called.
func New(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Service{config: config}, nil
}

// Init starts the service's workers.
func (s *Service) Init() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.bus != nil {
		return ErrAlreadyStarted
	}

	config := s.config
	var debounced []events.Topic
	for _, coll := range config.DebouncedCollections {
		debounced = append(debounced, events.SnapshotTopic(coll))
	}
	s.bus, err = bus.New(bus.Config{
		Clock:          config.Clock,
		Logger:         loggo.GetLogger("backoffice.bus"),
		DebounceWindow: config.DebounceWindow,
		Debounced:      debounced,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err != nil {
			s.bus.Cleanup()
		}
	}()

	if s.queue, err = queue.New(queue.Config{
		Store:    config.KV,
		Capacity: config.QueueCapacity,
		Clock:    config.Clock,
	}); err != nil {
		return errors.Trace(err)
	}

	var workers []worker.Worker
	defer func() {
		if err != nil {
			for _, w := range workers {
				_ = worker.Stop(w)
			}
		}
	}()

	if s.monitor, err = connectivity.NewMonitor(connectivity.Config{
		Prober:        config.Prober,
		Publisher:     s.bus,
		Clock:         config.Clock,
		Logger:        loggo.GetLogger("backoffice.connectivity"),
		Interval:      config.ProbeInterval,
		ProbeTimeout:  config.ProbeTimeout,
		InitialOnline: config.InitialOnline,
	}); err != nil {
		return errors.Trace(err)
	}
	workers = append(workers, s.monitor)

	if s.subs, err = subscription.NewManager(subscription.Config{
		Store:         config.Store,
		Publisher:     s.bus,
		Clock:         config.Clock,
		Logger:        loggo.GetLogger("backoffice.subscription"),
		RetryDelay:    config.SubscriptionRetryDelay,
		MaxRetryDelay: config.SubscriptionMaxRetryDelay,
		CacheTTL:      config.CacheTTL,
	}); err != nil {
		return errors.Trace(err)
	}
	workers = append(workers, s.subs)

	if s.syncer, err = syncer.NewCoordinator(syncer.Config{
		Store:         config.Store,
		Queue:         s.queue,
		Connectivity:  s.monitor,
		Bus:           s.bus,
		Clock:         config.Clock,
		Logger:        loggo.GetLogger("backoffice.syncer"),
		KV:            config.KV,
		RetryAttempts: config.SyncRetryAttempts,
		RetryDelay:    config.SyncRetryDelay,
		MaxRetryDelay: config.SyncMaxRetryDelay,
	}); err != nil {
		return errors.Trace(err)
	}
	workers = append(workers, s.syncer)

	if s.shifts, err = shift.NewController(shift.Config{
		Store:     config.Store,
		Writer:    s.syncer,
		Cache:     s.subs,
		Publisher: s.bus,
		Clock:     config.Clock,
		Logger:    loggo.GetLogger("backoffice.shift"),
	}); err != nil {
		return errors.Trace(err)
	}

	// Keep the active shift, and its sales, cached so it can be found
	// and closed while offline.
	s.sales = newSalesFollower(s.subs)
	if _, err = s.bus.On(events.ShiftTopic, s.sales.onShift); err != nil {
		return errors.Trace(err)
	}
	if _, err = s.bus.On(events.SnapshotTopic(shift.Collection), s.sales.onSnapshot); err != nil {
		return errors.Trace(err)
	}
	if s.active, err = s.subs.Subscribe(shift.Collection, shift.ActiveQuery()); err != nil {
		return errors.Trace(err)
	}

	if err = catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
		Init: workers,
	}); err != nil {
		return errors.Trace(err)
	}
	s.running = true
	logger.Infof("back office service started")
	return nil
}

func (s *Service) loop() error {
	<-s.catacomb.Dying()
	return s.catacomb.ErrDying()
}

// Shutdown stops every worker and drops all bus registrations. Queued
// operations stay persisted for the next run.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.sales.stop()
	s.subs.Unsubscribe(s.active)
	err := worker.Stop(s)
	s.bus.Cleanup()
	logger.Infof("back office service stopped")
	return errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (s *Service) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Service) Wait() error {
	return s.catacomb.Wait()
}

func (s *Service) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	return nil
}

// Subscribe starts watching a query. Snapshots are published on
// events.SnapshotTopic(collection).
func (s *Service) Subscribe(collection string, q docstore.Query) (subscription.Handle, error) {
	if err := s.ready(); err != nil {
		return subscription.Handle{}, err
	}
	return s.subs.Subscribe(collection, q)
}

// Unsubscribe releases a handle returned by Subscribe.
func (s *Service) Unsubscribe(h subscription.Handle) {
	if s.ready() != nil {
		return
	}
	s.subs.Unsubscribe(h)
}

// Snapshot returns the latest snapshot for a handle.
func (s *Service) Snapshot(h subscription.Handle) (subscription.Cached, bool) {
	if s.ready() != nil {
		return subscription.Cached{}, false
	}
	return s.subs.Snapshot(h)
}

// On registers an event handler.
func (s *Service) On(topic events.Topic, handler bus.Handler) (*bus.Subscription, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.bus.On(topic, handler)
}

// Off removes an event handler.
func (s *Service) Off(sub *bus.Subscription) {
	s.mu.Lock()
	b := s.bus
	s.mu.Unlock()
	if b != nil {
		b.Off(sub)
	}
}

// Write applies an operation, or queues it while offline.
func (s *Service) Write(ctx context.Context, op operation.Operation) (syncer.Result, error) {
	if err := s.ready(); err != nil {
		return syncer.Result{}, err
	}
	return s.syncer.Write(ctx, op)
}

// ForceSync drains the local queue now.
func (s *Service) ForceSync(ctx context.Context) (queue.DrainResult, error) {
	if err := s.ready(); err != nil {
		return queue.DrainResult{}, err
	}
	return s.syncer.ForceSync(ctx)
}

// Pending returns the number of queued operations.
func (s *Service) Pending() int {
	if s.ready() != nil {
		return 0
	}
	return s.syncer.Pending()
}

// Online reports whether the document store is believed reachable.
func (s *Service) Online() bool {
	if s.ready() != nil {
		return false
	}
	return s.monitor.Online()
}

// SetOnline pushes a connectivity transition observed by the platform.
func (s *Service) SetOnline(online bool) {
	if s.ready() != nil {
		return
	}
	s.monitor.SetOnline(online)
}

// OpenShift opens a shift.
func (s *Service) OpenShift(ctx context.Context, args shift.OpenArgs) (shift.Outcome, error) {
	if err := s.ready(); err != nil {
		return shift.Outcome{}, err
	}
	return s.shifts.OpenShift(ctx, args)
}

// CloseShift reconciles and closes a shift.
func (s *Service) CloseShift(ctx context.Context, args shift.CloseArgs) (shift.Outcome, error) {
	if err := s.ready(); err != nil {
		return shift.Outcome{}, err
	}
	return s.shifts.CloseShift(ctx, args)
}

// ActiveShift returns the active shift.
func (s *Service) ActiveShift(ctx context.Context) (shift.Shift, error) {
	if err := s.ready(); err != nil {
		return shift.Shift{}, err
	}
	return s.shifts.ActiveShift(ctx)
}

// Preview reconciles the active shift without closing it.
func (s *Service) Preview(ctx context.Context, counted reconcile.Counted, adjustments []reconcile.Adjustment) (reconcile.Result, error) {
	if err := s.ready(); err != nil {
		return reconcile.Result{}, err
	}
	return s.shifts.Preview(ctx, counted, adjustments)
}

// Reconcile computes a reconciliation. It needs no running service.
func (s *Service) Reconcile(sales []reconcile.Sale, counted reconcile.Counted, adjustments []reconcile.Adjustment) reconcile.Result {
	return reconcile.Reconcile(sales, counted, adjustments)
}

// Collector returns the service's metrics.
func (s *Service) Collector() (prometheus.Collector, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.syncer.Collector(), nil
}
