// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backoffice

import (
	"sync"

	"github.com/juju/collections/set"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/events"
	"github.com/tillpoint/backoffice/internal/shift"
	"github.com/tillpoint/backoffice/internal/subscription"
)

// salesSubscriber is the part of the subscription manager the sales
// follower needs.
type salesSubscriber interface {
	Subscribe(collection string, q docstore.Query) (subscription.Handle, error)
	Unsubscribe(h subscription.Handle)
}

// salesFollower keeps the sales of every active shift watched, so a
// shift opened here can still be reconciled from the cache once the
// store is out of reach. It follows the active shift snapshots and the
// shift lifecycle events.
type salesFollower struct {
	subs      salesSubscriber
	activeKey string

	mu      sync.Mutex
	stopped bool
	handles map[string]subscription.Handle
	// seen holds followed shifts the store has listed as active.
	seen set.Strings
	// closed holds shifts closed here, and whether the store has listed
	// them since. They are not followed again until the store stops
	// listing them.
	closed map[string]bool
}

func newSalesFollower(subs salesSubscriber) *salesFollower {
	return &salesFollower{
		subs:      subs,
		activeKey: shift.ActiveQuery().Key(),
		handles:   make(map[string]subscription.Handle),
		seen:      set.NewStrings(),
		closed:    make(map[string]bool),
	}
}

// onShift handles events on events.ShiftTopic.
func (f *salesFollower) onShift(ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch ev := ev.(type) {
	case events.ShiftOpened:
		f.track(ev.ShiftID)
	case events.ShiftClosed:
		f.release(ev.ShiftID)
		if _, ok := f.closed[ev.ShiftID]; !ok {
			f.closed[ev.ShiftID] = false
		}
	}
}

// onSnapshot handles snapshots of the shift collection.
func (f *salesFollower) onSnapshot(ev events.Event) {
	snap, ok := ev.(events.SnapshotUpdated)
	if !ok || snap.Key != f.activeKey {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	listed := set.NewStrings()
	for _, doc := range snap.Documents {
		listed.Add(doc.ID)
		if _, ok := f.closed[doc.ID]; ok {
			f.closed[doc.ID] = true
			continue
		}
		f.track(doc.ID)
		f.seen.Add(doc.ID)
	}
	for id := range f.handles {
		// A shift opened while offline is not listed until its write
		// lands.
		if f.seen.Contains(id) && !listed.Contains(id) {
			f.release(id)
		}
	}
	for id, seen := range f.closed {
		if seen && !listed.Contains(id) {
			delete(f.closed, id)
		}
	}
}

func (f *salesFollower) track(id string) {
	if f.stopped {
		return
	}
	if _, ok := f.handles[id]; ok {
		return
	}
	h, err := f.subs.Subscribe(shift.SalesCollection, shift.SalesQuery(id))
	if err != nil {
		logger.Warningf("cannot follow sales of shift %s: %v", id, err)
		return
	}
	logger.Debugf("following sales of shift %s", id)
	f.handles[id] = h
}

func (f *salesFollower) release(id string) {
	h, ok := f.handles[id]
	if !ok {
		return
	}
	delete(f.handles, id)
	f.seen.Remove(id)
	f.subs.Unsubscribe(h)
	logger.Debugf("stopped following sales of shift %s", id)
}

// following returns the shifts whose sales are watched.
func (f *salesFollower) following() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := set.NewStrings()
	for id := range f.handles {
		ids.Add(id)
	}
	return ids.SortedValues()
}

// stop releases every watch and ignores later events.
func (f *salesFollower) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	for id := range f.handles {
		f.release(id)
	}
}
