// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package queue implements the local durable queue holding writes made
// while the document store is unreachable.
//
// The queue is bounded. When it is full the oldest operation is evicted to
// make room; under a long enough outage writes are therefore lost. Every
// eviction is reported through Config.OnEvict so it can be surfaced.
package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/tillpoint/backoffice/core/operation"
	"github.com/tillpoint/backoffice/internal/kvstore"
)

var logger = loggo.GetLogger("backoffice.queue")

const (
	// DefaultKey is the key the queue is persisted under.
	DefaultKey = "sync-queue"

	// DefaultCapacity is used when Config.Capacity is zero.
	DefaultCapacity = 500

	formatVersion = 1
)

// Config holds the dependencies of a Queue.
type Config struct {
	Store    kvstore.Store
	Key      string
	Capacity int
	Clock    clock.Clock

	// OnEvict, if set, is called with every operation dropped because the
	// queue was full. It is called without the queue lock held.
	OnEvict func(operation.Operation)
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Capacity < 0 {
		return errors.NotValidf("negative Capacity")
	}
	return nil
}

// ApplyFunc applies a single operation. The operation is removed from the
// queue only if it returns nil.
type ApplyFunc func(context.Context, operation.Operation) error

// DrainResult describes what a call to Drain did.
type DrainResult struct {
	// Applied counts operations removed from the queue.
	Applied int
	// Remaining is the queue length when the drain stopped.
	Remaining int
	// Skipped is true when another drain was already running and this
	// call did nothing.
	Skipped bool
}

// Queue is a FIFO of operations persisted to a kvstore.Store.
type Queue struct {
	config Config

	mu       sync.Mutex
	ops      []operation.Operation
	draining bool
}

type persisted struct {
	Version    int                   `json:"version"`
	Operations []operation.Operation `json:"operations"`
}

// New returns a queue loaded from the store.
func New(config Config) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Key == "" {
		config.Key = DefaultKey
	}
	if config.Capacity == 0 {
		config.Capacity = DefaultCapacity
	}
	q := &Queue{config: config}
	if err := q.load(); err != nil {
		return nil, errors.Trace(err)
	}
	return q, nil
}

func (q *Queue) load() error {
	data, err := q.config.Store.Get(q.config.Key)
	if errors.Is(err, errors.NotFound) {
		return nil
	} else if err != nil {
		return errors.Annotate(err, "loading queue")
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Annotatef(err, "decoding queue %q", q.config.Key)
	}
	if p.Version != formatVersion {
		return errors.NotSupportedf("queue format version %d", p.Version)
	}
	q.ops = p.Operations
	if over := len(q.ops) - q.config.Capacity; over > 0 {
		logger.Warningf("persisted queue holds %d operations, over capacity %d", len(q.ops), q.config.Capacity)
	}
	return nil
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(persisted{
		Version:    formatVersion,
		Operations: q.ops,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(q.config.Store.Set(q.config.Key, data), "persisting queue")
}

// Enqueue appends op and persists the queue before returning. Enqueueing
// an operation whose id is already queued is a no-op. Any operations
// evicted to make room are returned.
func (q *Queue) Enqueue(op operation.Operation) ([]operation.Operation, error) {
	if err := op.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.config.Clock.Now()
	}

	q.mu.Lock()
	for _, queued := range q.ops {
		if queued.ID == op.ID {
			q.mu.Unlock()
			return nil, nil
		}
	}
	previous := q.ops
	ops := append(append([]operation.Operation(nil), q.ops...), op)
	var evicted []operation.Operation
	if over := len(ops) - q.config.Capacity; over > 0 {
		evicted = append(evicted, ops[:over]...)
		ops = ops[over:]
	}
	q.ops = ops
	if err := q.persistLocked(); err != nil {
		q.ops = previous
		q.mu.Unlock()
		return nil, errors.Trace(err)
	}
	q.mu.Unlock()

	for _, e := range evicted {
		logger.Warningf("queue full (capacity %d), evicted %s", q.config.Capacity, e)
		if q.config.OnEvict != nil {
			q.config.OnEvict(e)
		}
	}
	return evicted, nil
}

// Drain hands queued operations to apply in FIFO order. Each operation is
// removed, and the queue persisted, only after apply succeeds, so a crash
// part way through re-attempts only what was not yet delivered. Drain
// stops at the first failure, recording the attempt against the
// operation.
//
// Only one drain runs at a time; a concurrent call returns immediately
// with Skipped set.
func (q *Queue) Drain(ctx context.Context, apply ApplyFunc) (DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{Skipped: true}, nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var result DrainResult
	for {
		if err := ctx.Err(); err != nil {
			result.Remaining = q.Len()
			return result, errors.Trace(err)
		}

		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			break
		}
		op := q.ops[0]
		q.mu.Unlock()

		if err := apply(ctx, op); err != nil {
			q.recordAttempt(op.ID)
			result.Remaining = q.Len()
			return result, errors.Trace(err)
		}

		if err := q.remove(op.ID); err != nil {
			result.Remaining = q.Len()
			return result, errors.Trace(err)
		}
		result.Applied++
	}
	return result, nil
}

func (q *Queue) remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, op := range q.ops {
		if op.ID != id {
			continue
		}
		ops := make([]operation.Operation, 0, len(q.ops)-1)
		ops = append(ops, q.ops[:i]...)
		q.ops = append(ops, q.ops[i+1:]...)
		return q.persistLocked()
	}
	// Evicted while it was being applied.
	return nil
}

func (q *Queue) recordAttempt(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.ops {
		if q.ops[i].ID == id {
			ops := append([]operation.Operation(nil), q.ops...)
			ops[i].Attempts++
			q.ops = ops
			if err := q.persistLocked(); err != nil {
				logger.Errorf("recording attempt for %s: %v", ops[i], err)
			}
			return
		}
	}
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Operations returns a copy of the queued operations, oldest first.
func (q *Queue) Operations() []operation.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]operation.Operation(nil), q.ops...)
}

// Capacity returns the maximum number of queued operations.
func (q *Queue) Capacity() int {
	return q.config.Capacity
}
