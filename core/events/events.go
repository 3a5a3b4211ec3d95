// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package events defines the typed events published on the fan-out bus.
// Consumers register for a Topic and type-switch on the Event they
// receive.
package events

import (
	"time"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/operation"
)

// Topic names a stream of events on the bus.
type Topic string

const (
	SyncCompletedTopic Topic = "sync.completed"
	SyncFailedTopic    Topic = "sync.failed"
	QueueEvictedTopic  Topic = "queue.evicted"
	ConnectivityTopic  Topic = "connectivity"
	ShiftTopic         Topic = "shift"
)

// SnapshotTopic is the topic carrying snapshots of the named collection.
func SnapshotTopic(collection string) Topic {
	return Topic("snapshot." + collection)
}

// Event is implemented by every event variant.
type Event interface {
	Topic() Topic
}

// SnapshotUpdated is published whenever a watched query delivers a new
// snapshot.
type SnapshotUpdated struct {
	Collection string
	// Key identifies the query within the collection.
	Key       string
	Version   uint64
	Documents []docstore.Document
}

func (e SnapshotUpdated) Topic() Topic { return SnapshotTopic(e.Collection) }

// SyncCompleted is published exactly once for every operation that was
// applied to the store.
type SyncCompleted struct {
	OperationID string
	Kind        operation.Kind
	Collection  string
	// DocumentID is the final document id. For creates written while
	// offline this is the first time the caller learns it.
	DocumentID string
	// Queued is true when the operation went through the local queue.
	Queued bool
}

func (SyncCompleted) Topic() Topic { return SyncCompletedTopic }

// SyncFailed is published when an operation could not be applied after
// exhausting its retries.
type SyncFailed struct {
	OperationID string
	Collection  string
	Err         error
	// Dropped is true when the failure was terminal and the operation was
	// discarded instead of being left queued.
	Dropped bool
}

func (SyncFailed) Topic() Topic { return SyncFailedTopic }

// QueueEvicted warns that the local queue was full and dropped its oldest
// operation.
type QueueEvicted struct {
	Operation operation.Operation
}

func (QueueEvicted) Topic() Topic { return QueueEvictedTopic }

// ConnectivityChanged reports a transition of the connectivity state.
type ConnectivityChanged struct {
	Online bool
	At     time.Time
}

func (ConnectivityChanged) Topic() Topic { return ConnectivityTopic }

// ShiftOpened is published once a shift open has been written or queued.
type ShiftOpened struct {
	ShiftID  string
	Operator string
	Pending  bool
}

func (ShiftOpened) Topic() Topic { return ShiftTopic }

// ShiftClosed is published once a shift close has been written or
// queued.
type ShiftClosed struct {
	ShiftID         string
	Closer          string
	FinalDifference int64
	Pending         bool
}

func (ShiftClosed) Topic() Topic { return ShiftTopic }
