// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backoffice_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/events"
	"github.com/tillpoint/backoffice/core/money"
	"github.com/tillpoint/backoffice/internal/backoffice"
	"github.com/tillpoint/backoffice/internal/docstore/memstore"
	"github.com/tillpoint/backoffice/internal/kvstore"
	"github.com/tillpoint/backoffice/internal/reconcile"
	"github.com/tillpoint/backoffice/internal/shift"
	"github.com/tillpoint/backoffice/internal/subscription"
)

type serviceSuite struct {
	testing.IsolationSuite

	clock *testclock.Clock
	store *memstore.Store
	kv    *kvstore.MemStore
}

var _ = gc.Suite(&serviceSuite{})

func (s *serviceSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	s.store = memstore.New(s.clock)
	s.kv = kvstore.NewMemStore()
}

func (s *serviceSuite) config() backoffice.Config {
	return backoffice.Config{
		Store:         s.store,
		KV:            s.kv,
		Clock:         s.clock,
		InitialOnline: true,
	}
}

func (s *serviceSuite) start(c *gc.C, config backoffice.Config) *backoffice.Service {
	svc, err := backoffice.New(config)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(svc.Init(), jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		c.Check(svc.Shutdown(), jc.ErrorIsNil)
	})
	return svc
}

func (s *serviceSuite) events(c *gc.C, svc *backoffice.Service, topic events.Topic) <-chan events.Event {
	ch := make(chan events.Event, 20)
	_, err := svc.On(topic, func(ev events.Event) { ch <- ev })
	c.Assert(err, jc.ErrorIsNil)
	return ch
}

func waitFor(c *gc.C, ch <-chan events.Event, match func(events.Event) bool) events.Event {
	timeout := time.After(testing.LongWait)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-timeout:
			c.Fatalf("timed out waiting for event")
		}
	}
}

func waitUntil(c *gc.C, what string, cond func() bool) {
	deadline := time.Now().Add(testing.LongWait)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitSales waits for a snapshot of a shift's sales holding docs sales.
func waitSales(c *gc.C, ch <-chan events.Event, shiftID string, docs int) {
	key := shift.SalesQuery(shiftID).Key()
	waitFor(c, ch, func(ev events.Event) bool {
		snap := ev.(events.SnapshotUpdated)
		return snap.Key == key && len(snap.Documents) == docs
	})
}

func waitSnapshot(c *gc.C, svc *backoffice.Service, h subscription.Handle, docs int) {
	waitUntil(c, "snapshot", func() bool {
		cached, ok := svc.Snapshot(h)
		return ok && len(cached.Documents) == docs
	})
}

func (s *serviceSuite) TestValidateConfig(c *gc.C) {
	config := s.config()
	config.KV = nil
	_, err := backoffice.New(config)
	c.Check(err, gc.ErrorMatches, "nil KV not valid")
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
}

func (s *serviceSuite) TestCallsBeforeInit(c *gc.C) {
	svc, err := backoffice.New(s.config())
	c.Assert(err, jc.ErrorIsNil)

	_, err = svc.Subscribe("sales", docstore.Query{})
	c.Check(err, gc.Equals, backoffice.ErrNotRunning)
	_, err = svc.ActiveShift(context.Background())
	c.Check(err, gc.Equals, backoffice.ErrNotRunning)
	_, err = svc.ForceSync(context.Background())
	c.Check(err, gc.Equals, backoffice.ErrNotRunning)
	c.Check(svc.Online(), jc.IsFalse)
	c.Check(svc.Pending(), gc.Equals, 0)

	// Shutting down a service that never started is fine.
	c.Check(svc.Shutdown(), jc.ErrorIsNil)
}

func (s *serviceSuite) TestInitTwice(c *gc.C) {
	svc := s.start(c, s.config())
	c.Check(svc.Init(), gc.Equals, backoffice.ErrAlreadyStarted)
}

func (s *serviceSuite) TestShutdownStopsWatches(c *gc.C) {
	svc, err := backoffice.New(s.config())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(svc.Init(), jc.ErrorIsNil)

	_, err = svc.Subscribe("sales", docstore.Query{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(svc.Online(), jc.IsTrue)

	c.Assert(svc.Shutdown(), jc.ErrorIsNil)
	waitUntil(c, "watches to stop", func() bool {
		return s.store.WatchCount("sales") == 0 && s.store.WatchCount(shift.Collection) == 0
	})

	_, err = svc.Subscribe("sales", docstore.Query{})
	c.Check(err, gc.Equals, backoffice.ErrNotRunning)
	c.Check(svc.Shutdown(), jc.ErrorIsNil)
}

func (s *serviceSuite) TestCloseOfflineThenSync(c *gc.C) {
	svc := s.start(c, s.config())
	shifts := s.events(c, svc, events.SnapshotTopic(shift.Collection))
	sales := s.events(c, svc, events.SnapshotTopic(shift.SalesCollection))
	completed := s.events(c, svc, events.SyncCompletedTopic)
	ctx := context.Background()

	out, err := svc.OpenShift(ctx, shift.OpenArgs{
		Type:         shift.Morning,
		OpeningFloat: money.MustParse("50.00"),
		Operator:     "ana",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Pending, jc.IsFalse)
	id := out.Shift.ID

	// The active shift reaches the local cache.
	waitFor(c, shifts, func(ev events.Event) bool {
		return len(ev.(events.SnapshotUpdated).Documents) == 1
	})

	// The service follows the shift's sales on its own.
	s.store.Put(shift.SalesCollection, "a", map[string]any{"shift-id": id, "method": "cash", "total": int64(1000)})
	s.store.Put(shift.SalesCollection, "b", map[string]any{"shift-id": id, "method": "debit", "total": int64(2000)})
	waitSales(c, sales, id, 2)

	svc.SetOnline(false)
	s.store.SetOffline(true)

	active, err := svc.ActiveShift(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(active.ID, gc.Equals, id)

	closed, err := svc.CloseShift(ctx, shift.CloseArgs{
		ShiftID: id,
		Counted: reconcile.Counted{
			reconcile.Cash:  money.MustParse("10.00"),
			reconcile.Debit: money.MustParse("20.00"),
		},
		Closer: "ana",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(closed.Pending, jc.IsTrue)
	c.Check(closed.Shift.Reconciliation.TotalExpected, gc.Equals, money.MustParse("30.00"))
	c.Check(closed.Shift.Reconciliation.HasDifference, jc.IsFalse)
	c.Check(svc.Pending(), gc.Equals, 1)

	_, err = svc.ActiveShift(ctx)
	c.Check(errors.Is(err, shift.ErrNoActiveShift), jc.IsTrue)

	s.store.SetOffline(false)
	svc.SetOnline(true)

	ev := waitFor(c, completed, func(ev events.Event) bool {
		return ev.(events.SyncCompleted).Queued
	}).(events.SyncCompleted)
	c.Check(ev.DocumentID, gc.Equals, id)
	waitUntil(c, "queue to empty", func() bool { return svc.Pending() == 0 })

	doc, err := s.store.Get(ctx, shift.Collection, id)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(doc.String("status"), gc.Equals, string(shift.Closed))
	c.Check(doc.String("closed-by"), gc.Equals, "ana")
}

func (s *serviceSuite) TestOfflineOpenedShiftCloses(c *gc.C) {
	svc := s.start(c, s.config())
	sales := s.events(c, svc, events.SnapshotTopic(shift.SalesCollection))
	ctx := context.Background()

	// The store is still reachable but writes are queued.
	svc.SetOnline(false)
	out, err := svc.OpenShift(ctx, shift.OpenArgs{
		Type:     shift.Afternoon,
		Operator: "luis",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Pending, jc.IsTrue)
	id := out.Shift.ID
	waitUntil(c, "sales watch", func() bool {
		return s.store.WatchCount(shift.SalesCollection) == 1
	})

	s.store.Put(shift.SalesCollection, "a", map[string]any{"shift-id": id, "method": "cash", "total": int64(1500)})
	s.store.Put(shift.SalesCollection, "b", map[string]any{"shift-id": id, "method": "tarjeta", "card-type": "debito", "total": int64(500)})
	waitSales(c, sales, id, 2)

	s.store.SetOffline(true)
	closed, err := svc.CloseShift(ctx, shift.CloseArgs{
		ShiftID: id,
		Counted: reconcile.Counted{
			reconcile.Cash:  money.MustParse("15.00"),
			reconcile.Debit: money.MustParse("5.00"),
		},
		Closer: "luis",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(closed.Pending, jc.IsTrue)
	c.Check(closed.Shift.Reconciliation.TotalExpected, gc.Equals, money.MustParse("20.00"))
	c.Check(closed.Shift.Reconciliation.FinalDifference, gc.Equals, money.Amount(0))
	c.Check(svc.Pending(), gc.Equals, 2)
}

func (s *serviceSuite) TestDebouncedSnapshots(c *gc.C) {
	config := s.config()
	config.DebouncedCollections = []string{"sales"}
	svc := s.start(c, config)
	got := s.events(c, svc, events.SnapshotTopic("sales"))

	s.store.Put("sales", "a", map[string]any{"total": int64(100)})
	h, err := svc.Subscribe("sales", docstore.Query{})
	c.Assert(err, jc.ErrorIsNil)
	waitSnapshot(c, svc, h, 1)

	select {
	case ev := <-got:
		c.Fatalf("debounced snapshot delivered early: %#v", ev)
	default:
	}

	c.Assert(s.clock.WaitAdvance(500*time.Millisecond, testing.LongWait, 1), jc.ErrorIsNil)
	ev := waitFor(c, got, func(events.Event) bool { return true }).(events.SnapshotUpdated)
	c.Check(ev.Documents, gc.HasLen, 1)
	c.Check(ev.Version, gc.Equals, uint64(1))
}

func (s *serviceSuite) TestIndependentInstances(c *gc.C) {
	other := memstore.New(s.clock)
	a := s.start(c, s.config())
	config := s.config()
	config.Store = other
	config.KV = kvstore.NewMemStore()
	b := s.start(c, config)

	a.SetOnline(false)
	c.Check(a.Online(), jc.IsFalse)
	c.Check(b.Online(), jc.IsTrue)

	_, err := a.OpenShift(context.Background(), shift.OpenArgs{Type: shift.Afternoon, Operator: "ana"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(a.Pending(), gc.Equals, 1)
	c.Check(b.Pending(), gc.Equals, 0)

	_, err = b.ActiveShift(context.Background())
	c.Check(errors.Is(err, shift.ErrNoActiveShift), jc.IsTrue)
}

func (s *serviceSuite) TestReconcileWithoutInit(c *gc.C) {
	svc, err := backoffice.New(s.config())
	c.Assert(err, jc.ErrorIsNil)
	result := svc.Reconcile(
		[]reconcile.Sale{{ID: "a", Method: "efectivo", Total: money.MustParse("12.50")}},
		reconcile.Counted{reconcile.Cash: money.MustParse("12.00")},
		nil,
	)
	c.Check(result.FinalDifference, gc.Equals, money.MustParse("-0.50"))
}

func (s *serviceSuite) TestCollector(c *gc.C) {
	svc := s.start(c, s.config())
	collector, err := svc.Collector()
	c.Assert(err, jc.ErrorIsNil)
	registry := prometheus.NewRegistry()
	c.Assert(registry.Register(collector), jc.ErrorIsNil)
	families, err := registry.Gather()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(len(families) > 0, jc.IsTrue)
}
