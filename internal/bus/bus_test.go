// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bus_test

import (
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/tillpoint/backoffice/core/events"
	"github.com/tillpoint/backoffice/internal/bus"
)

type busSuite struct {
	testing.IsolationSuite

	clock *testclock.Clock
	bus   *bus.Bus
}

var _ = gc.Suite(&busSuite{})

var salesTopic = events.SnapshotTopic("sales")

func (s *busSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())

	var err error
	s.bus, err = bus.New(bus.Config{
		Clock:     s.clock,
		Logger:    loggo.GetLogger("backoffice.bus.test"),
		Debounced: []events.Topic{salesTopic},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { s.bus.Cleanup() })
}

func snapshot(version uint64) events.SnapshotUpdated {
	return events.SnapshotUpdated{Collection: "sales", Version: version}
}

func (s *busSuite) TestValidateConfig(c *gc.C) {
	_, err := bus.New(bus.Config{Logger: loggo.GetLogger("x")})
	c.Check(err, gc.ErrorMatches, "nil Clock not valid")
	_, err = bus.New(bus.Config{Clock: s.clock})
	c.Check(err, gc.ErrorMatches, "nil Logger not valid")
}

func (s *busSuite) TestPublishIsSynchronous(c *gc.C) {
	var mu sync.Mutex
	var got []events.Event
	_, err := s.bus.On(events.ConnectivityTopic, func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	c.Assert(err, jc.ErrorIsNil)

	s.bus.Publish(events.ConnectivityChanged{Online: true})

	mu.Lock()
	defer mu.Unlock()
	c.Assert(got, gc.HasLen, 1)
	c.Check(got[0], jc.DeepEquals, events.ConnectivityChanged{Online: true})
}

func (s *busSuite) TestOnlyMatchingTopicDelivered(c *gc.C) {
	called := false
	_, err := s.bus.On(events.SyncFailedTopic, func(events.Event) { called = true })
	c.Assert(err, jc.ErrorIsNil)

	s.bus.Publish(events.SyncCompleted{OperationID: "a"})
	c.Check(called, jc.IsFalse)
}

func (s *busSuite) TestDebounceCollapsesToLastEvent(c *gc.C) {
	got := make(chan events.Event, 10)
	_, err := s.bus.On(salesTopic, func(ev events.Event) { got <- ev })
	c.Assert(err, jc.ErrorIsNil)

	for v := uint64(1); v <= 5; v++ {
		s.bus.Publish(snapshot(v))
	}
	select {
	case <-got:
		c.Fatal("debounced event delivered before the window elapsed")
	default:
	}

	c.Assert(s.clock.WaitAdvance(bus.DefaultDebounceWindow, testing.LongWait, 1), jc.ErrorIsNil)

	select {
	case ev := <-got:
		c.Check(ev, jc.DeepEquals, snapshot(5))
	case <-time.After(testing.LongWait):
		c.Fatal("timed out waiting for debounced event")
	}
	select {
	case ev := <-got:
		c.Fatalf("unexpected second delivery %#v", ev)
	case <-time.After(testing.ShortWait):
	}
}

func (s *busSuite) TestDebounceWindowRestartsOnPublish(c *gc.C) {
	got := make(chan events.Event, 10)
	_, err := s.bus.On(salesTopic, func(ev events.Event) { got <- ev })
	c.Assert(err, jc.ErrorIsNil)

	s.bus.Publish(snapshot(1))
	s.clock.Advance(300 * time.Millisecond)
	s.bus.Publish(snapshot(2))
	s.clock.Advance(300 * time.Millisecond)

	select {
	case ev := <-got:
		c.Fatalf("delivered %#v inside the window", ev)
	case <-time.After(testing.ShortWait):
	}

	s.clock.Advance(200 * time.Millisecond)
	select {
	case ev := <-got:
		c.Check(ev, jc.DeepEquals, snapshot(2))
	case <-time.After(testing.LongWait):
		c.Fatal("timed out waiting for debounced event")
	}
}

func (s *busSuite) TestDebounceDeliversAgainAfterWindow(c *gc.C) {
	got := make(chan events.Event, 10)
	_, err := s.bus.On(salesTopic, func(ev events.Event) { got <- ev })
	c.Assert(err, jc.ErrorIsNil)

	for _, v := range []uint64{1, 2} {
		s.bus.Publish(snapshot(v))
		c.Assert(s.clock.WaitAdvance(bus.DefaultDebounceWindow, testing.LongWait, 1), jc.ErrorIsNil)
		select {
		case ev := <-got:
			c.Check(ev, jc.DeepEquals, snapshot(v))
		case <-time.After(testing.LongWait):
			c.Fatalf("timed out waiting for event %d", v)
		}
	}
}

func (s *busSuite) TestPanickingHandlerIsIsolated(c *gc.C) {
	_, err := s.bus.On(events.SyncCompletedTopic, func(events.Event) {
		panic("consumer bug")
	})
	c.Assert(err, jc.ErrorIsNil)

	var mu sync.Mutex
	count := 0
	_, err = s.bus.On(events.SyncCompletedTopic, func(events.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	c.Assert(err, jc.ErrorIsNil)

	s.bus.Publish(events.SyncCompleted{OperationID: "a"})
	s.bus.Publish(events.SyncCompleted{OperationID: "b"})

	mu.Lock()
	defer mu.Unlock()
	c.Check(count, gc.Equals, 2)
}

func (s *busSuite) TestOff(c *gc.C) {
	count := 0
	sub, err := s.bus.On(events.ShiftTopic, func(events.Event) { count++ })
	c.Assert(err, jc.ErrorIsNil)
	c.Check(sub.Topic(), gc.Equals, events.ShiftTopic)

	s.bus.Publish(events.ShiftOpened{ShiftID: "s1"})
	s.bus.Off(sub)
	s.bus.Off(sub)
	s.bus.Off(nil)
	s.bus.Publish(events.ShiftOpened{ShiftID: "s2"})
	c.Check(count, gc.Equals, 1)
}

func (s *busSuite) TestCleanupDropsPendingAndCloses(c *gc.C) {
	got := make(chan events.Event, 10)
	_, err := s.bus.On(salesTopic, func(ev events.Event) { got <- ev })
	c.Assert(err, jc.ErrorIsNil)

	s.bus.Publish(snapshot(1))
	s.bus.Cleanup()
	s.clock.Advance(time.Second)

	select {
	case ev := <-got:
		c.Fatalf("delivered %#v after cleanup", ev)
	case <-time.After(testing.ShortWait):
	}

	_, err = s.bus.On(salesTopic, func(events.Event) {})
	c.Check(err, gc.Equals, bus.ErrClosed)

	// Cleanup is idempotent and Publish after it is a no-op.
	s.bus.Cleanup()
	s.bus.Publish(snapshot(2))
}

func (s *busSuite) TestDebounceKeepsEachQuery(c *gc.C) {
	got := make(chan events.Event, 10)
	_, err := s.bus.On(salesTopic, func(ev events.Event) { got <- ev })
	c.Assert(err, jc.ErrorIsNil)

	shiftA := events.SnapshotUpdated{Collection: "sales", Key: "shift-a", Version: 1}
	all := events.SnapshotUpdated{Collection: "sales", Key: "all", Version: 1}
	allLater := events.SnapshotUpdated{Collection: "sales", Key: "all", Version: 2}
	s.bus.Publish(shiftA)
	s.bus.Publish(all)
	s.bus.Publish(allLater)

	c.Assert(s.clock.WaitAdvance(bus.DefaultDebounceWindow, testing.LongWait, 2), jc.ErrorIsNil)

	delivered := make(map[string]events.SnapshotUpdated)
	for len(delivered) < 2 {
		select {
		case ev := <-got:
			snap := ev.(events.SnapshotUpdated)
			_, dup := delivered[snap.Key]
			c.Assert(dup, jc.IsFalse, gc.Commentf("%q delivered twice", snap.Key))
			delivered[snap.Key] = snap
		case <-time.After(testing.LongWait):
			c.Fatalf("timed out, delivered %v", delivered)
		}
	}
	c.Check(delivered, jc.DeepEquals, map[string]events.SnapshotUpdated{
		"shift-a": shiftA,
		"all":     allLater,
	})
	select {
	case ev := <-got:
		c.Fatalf("unexpected extra delivery %#v", ev)
	case <-time.After(testing.ShortWait):
	}
}
