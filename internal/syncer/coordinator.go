// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package syncer routes writes to the document store, through the local
// queue when the store cannot be reached, and replays the queue once it
// can.
package syncer

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4/catacomb"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/events"
	"github.com/tillpoint/backoffice/core/operation"
	"github.com/tillpoint/backoffice/internal/bus"
	"github.com/tillpoint/backoffice/internal/kvstore"
	"github.com/tillpoint/backoffice/internal/queue"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 250 * time.Millisecond
	DefaultMaxRetryDelay = 5 * time.Second
)

// ErrOffline is returned by ForceSync while the store is unreachable.
const ErrOffline = errors.ConstError("document store offline")

// Connectivity reports whether the document store is reachable.
type Connectivity interface {
	Online() bool
}

// Bus is the part of the event bus the coordinator uses.
type Bus interface {
	On(events.Topic, bus.Handler) (*bus.Subscription, error)
	Off(*bus.Subscription)
	Publish(events.Event)
}

// Logger represents the methods used for logging.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// Config holds the dependencies and tuning of a Coordinator.
type Config struct {
	Store        docstore.Store
	Queue        *queue.Queue
	Connectivity Connectivity
	Bus          Bus
	Clock        clock.Clock
	Logger       Logger

	// KV persists the log of applied operation ids.
	KV           kvstore.Store
	AppliedKey   string
	AppliedLimit int

	RetryAttempts int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Queue == nil {
		return errors.NotValidf("nil Queue")
	}
	if config.Connectivity == nil {
		return errors.NotValidf("nil Connectivity")
	}
	if config.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.KV == nil {
		return errors.NotValidf("nil KV")
	}
	if config.RetryAttempts < 0 {
		return errors.NotValidf("negative RetryAttempts")
	}
	if config.RetryDelay < 0 || config.MaxRetryDelay < 0 {
		return errors.NotValidf("negative retry delay")
	}
	return nil
}

// Result describes the outcome of a Write.
type Result struct {
	OperationID string
	// DocumentID is the id of the written document. It is empty for a
	// pending create that did not name its document.
	DocumentID string
	// Pending is true when the write was queued rather than applied.
	Pending bool
}

// Coordinator is a worker applying writes and replaying the local queue.
type Coordinator struct {
	catacomb catacomb.Catacomb
	config   Config
	applied  *appliedLog
	metrics  *Collector

	drainRequests chan struct{}
	connectivity  *bus.Subscription
}

// NewCoordinator starts a sync coordinator.
func NewCoordinator(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = DefaultRetryAttempts
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if config.AppliedKey == "" {
		config.AppliedKey = DefaultAppliedKey
	}
	if config.AppliedLimit == 0 {
		config.AppliedLimit = DefaultAppliedLimit
	}
	applied, err := loadAppliedLog(config.KV, config.AppliedKey, config.AppliedLimit)
	if err != nil {
		return nil, errors.Trace(err)
	}

	c := &Coordinator{
		config:        config,
		applied:       applied,
		metrics:       NewMetricsCollector(config.Queue.Len),
		drainRequests: make(chan struct{}, 1),
	}
	c.connectivity, err = config.Bus.On(events.ConnectivityTopic, func(ev events.Event) {
		if changed, ok := ev.(events.ConnectivityChanged); ok && changed.Online {
			c.requestDrain()
		}
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &c.catacomb,
		Work: c.loop,
	}); err != nil {
		config.Bus.Off(c.connectivity)
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Collector returns the coordinator's metrics.
func (c *Coordinator) Collector() *Collector {
	return c.metrics
}

func (c *Coordinator) loop() error {
	defer c.config.Bus.Off(c.connectivity)

	// Anything left over from a previous run goes out as soon as possible.
	if c.config.Connectivity.Online() && c.config.Queue.Len() > 0 {
		c.requestDrain()
	}

	ctx := c.catacomb.Context(context.Background())
	for {
		select {
		case <-c.catacomb.Dying():
			return c.catacomb.ErrDying()
		case <-c.drainRequests:
			if !c.config.Connectivity.Online() {
				continue
			}
			if _, err := c.drain(ctx); err != nil {
				c.config.Logger.Warningf("queue drain stopped: %v", err)
			}
		}
	}
}

func (c *Coordinator) requestDrain() {
	select {
	case c.drainRequests <- struct{}{}:
	default:
	}
}

// Write applies op to the store. While offline, or while earlier writes
// are still queued, op is queued and a pending result returned. An online
// write that keeps failing transiently is queued too. Terminal failures
// are returned and nothing is queued.
func (c *Coordinator) Write(ctx context.Context, op operation.Operation) (Result, error) {
	if err := op.Validate(); err != nil {
		return Result{}, errors.Trace(err)
	}
	if !c.config.Connectivity.Online() {
		return c.enqueue(op)
	}
	if c.config.Queue.Len() > 0 {
		// Keep writes in order behind what is already queued.
		result, err := c.enqueue(op)
		c.requestDrain()
		return result, err
	}

	docID, err := c.applyWithRetry(ctx, op)
	switch {
	case err == nil:
		if err := c.applied.record(op.ID); err != nil {
			c.config.Logger.Warningf("recording %s as applied: %v", op, err)
		}
		c.metrics.applied.WithLabelValues(pathDirect).Inc()
		c.config.Bus.Publish(events.SyncCompleted{
			OperationID: op.ID,
			Kind:        op.Kind,
			Collection:  op.Collection,
			DocumentID:  docID,
		})
		return Result{OperationID: op.ID, DocumentID: docID}, nil
	case docstore.IsTerminal(err):
		c.metrics.failures.WithLabelValues(failureTerminal).Inc()
		return Result{}, errors.Annotatef(err, "applying %s", op)
	case ctx.Err() != nil:
		return Result{}, errors.Trace(ctx.Err())
	}

	c.config.Logger.Warningf("applying %s failed, queueing: %v", op, err)
	c.metrics.failures.WithLabelValues(failureTransient).Inc()
	result, qErr := c.enqueue(op)
	if qErr != nil {
		return Result{}, errors.Trace(qErr)
	}
	c.config.Bus.Publish(events.SyncFailed{
		OperationID: op.ID,
		Collection:  op.Collection,
		Err:         err,
	})
	return result, nil
}

func (c *Coordinator) enqueue(op operation.Operation) (Result, error) {
	evicted, err := c.config.Queue.Enqueue(op)
	if err != nil {
		return Result{}, errors.Annotatef(err, "queueing %s", op)
	}
	for _, e := range evicted {
		c.metrics.evictions.Inc()
		c.config.Bus.Publish(events.QueueEvicted{Operation: e})
	}
	return Result{
		OperationID: op.ID,
		DocumentID:  op.DocumentID,
		Pending:     true,
	}, nil
}

// ForceSync drains the queue now. It returns ErrOffline when the store is
// unreachable.
func (c *Coordinator) ForceSync(ctx context.Context) (queue.DrainResult, error) {
	if !c.config.Connectivity.Online() {
		return queue.DrainResult{}, ErrOffline
	}
	return c.drain(ctx)
}

// Pending returns the number of queued operations.
func (c *Coordinator) Pending() int {
	return c.config.Queue.Len()
}

func (c *Coordinator) drain(ctx context.Context) (queue.DrainResult, error) {
	if c.config.Queue.Len() == 0 {
		return queue.DrainResult{}, nil
	}
	result, err := c.config.Queue.Drain(ctx, c.applyQueued)
	if result.Skipped {
		return result, nil
	}
	c.metrics.drains.Inc()
	if err != nil {
		return result, errors.Trace(err)
	}
	c.config.Logger.Infof("replayed %d queued operations", result.Applied)
	return result, nil
}

func (c *Coordinator) applyQueued(ctx context.Context, op operation.Operation) error {
	if c.applied.contains(op.ID) {
		c.config.Logger.Debugf("%s already applied, discarding", op)
		return nil
	}

	docID, err := c.applyWithRetry(ctx, op)
	if docstore.IsTerminal(err) {
		c.config.Logger.Errorf("dropping queued %s: %v", op, err)
		c.metrics.failures.WithLabelValues(failureDropped).Inc()
		c.config.Bus.Publish(events.SyncFailed{
			OperationID: op.ID,
			Collection:  op.Collection,
			Err:         err,
			Dropped:     true,
		})
		return nil
	} else if err != nil {
		if ctx.Err() == nil {
			c.metrics.failures.WithLabelValues(failureTransient).Inc()
			c.config.Bus.Publish(events.SyncFailed{
				OperationID: op.ID,
				Collection:  op.Collection,
				Err:         err,
			})
		}
		return errors.Annotatef(err, "applying queued %s", op)
	}

	if err := c.applied.record(op.ID); err != nil {
		c.config.Logger.Warningf("recording %s as applied: %v", op, err)
	}
	c.metrics.applied.WithLabelValues(pathQueued).Inc()
	c.config.Bus.Publish(events.SyncCompleted{
		OperationID: op.ID,
		Kind:        op.Kind,
		Collection:  op.Collection,
		DocumentID:  docID,
		Queued:      true,
	})
	return nil
}

func (c *Coordinator) applyWithRetry(ctx context.Context, op operation.Operation) (string, error) {
	var docID string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			docID, err = c.apply(ctx, op)
			return err
		},
		IsFatalError: func(err error) bool {
			return docstore.IsTerminal(err) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			c.config.Logger.Debugf("attempt %d applying %s: %v", attempt, op, err)
		},
		Attempts:    c.config.RetryAttempts,
		Delay:       c.config.RetryDelay,
		MaxDelay:    c.config.MaxRetryDelay,
		BackoffFunc: retry.ExpBackoff(c.config.RetryDelay, c.config.MaxRetryDelay, 2, false),
		Clock:       c.config.Clock,
		Stop:        ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	return docID, err
}

func (c *Coordinator) apply(ctx context.Context, op operation.Operation) (string, error) {
	store := c.config.Store
	switch op.Kind {
	case operation.Create:
		id, err := store.Create(ctx, op.Collection, op.DocumentID, op.Payload)
		return id, errors.Trace(err)
	case operation.Update:
		if len(op.Precondition) == 0 {
			return op.DocumentID, errors.Trace(store.Update(ctx, op.Collection, op.DocumentID, op.Payload))
		}
		return op.DocumentID, errors.Trace(c.updateIf(ctx, op))
	case operation.Delete:
		return op.DocumentID, errors.Trace(store.Delete(ctx, op.Collection, op.DocumentID))
	}
	return "", errors.NotValidf("operation kind %q", string(op.Kind))
}

func (c *Coordinator) updateIf(ctx context.Context, op operation.Operation) error {
	expect := docstore.Filter(op.Precondition)
	if cs, ok := c.config.Store.(docstore.ConditionalStore); ok {
		return cs.UpdateIf(ctx, op.Collection, op.DocumentID, expect, op.Payload)
	}
	// Without server side support the check and the write can race.
	doc, err := c.config.Store.Get(ctx, op.Collection, op.DocumentID)
	if err != nil {
		return errors.Trace(err)
	}
	if !expect.Matches(doc) {
		return errors.Annotatef(docstore.ErrConflict, "%s document %q", op.Collection, op.DocumentID)
	}
	return c.config.Store.Update(ctx, op.Collection, op.DocumentID, op.Payload)
}

// Kill is part of the worker.Worker interface.
func (c *Coordinator) Kill() {
	c.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *Coordinator) Wait() error {
	return c.catacomb.Wait()
}
