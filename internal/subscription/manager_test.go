// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package subscription_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/events"
	"github.com/tillpoint/backoffice/internal/docstore/memstore"
	"github.com/tillpoint/backoffice/internal/subscription"
)

type managerSuite struct {
	testing.IsolationSuite

	clock     *testclock.Clock
	store     *memstore.Store
	published publisher
	config    subscription.Config
}

var _ = gc.Suite(&managerSuite{})

type publisher chan events.Event

func (p publisher) Publish(ev events.Event) {
	p <- ev
}

func (s *managerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.store = memstore.New(s.clock)
	s.published = make(publisher, 10)
	s.config = subscription.Config{
		Store:         s.store,
		Publisher:     s.published,
		Clock:         s.clock,
		Logger:        loggo.GetLogger("test"),
		RetryDelay:    time.Second,
		MaxRetryDelay: 4 * time.Second,
		CacheTTL:      30 * time.Second,
	}
}

func (s *managerSuite) newManager(c *gc.C) *subscription.Manager {
	m, err := subscription.NewManager(s.config)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, m) })
	return m
}

func (s *managerSuite) nextSnapshot(c *gc.C) events.SnapshotUpdated {
	select {
	case ev := <-s.published:
		snap, ok := ev.(events.SnapshotUpdated)
		c.Assert(ok, jc.IsTrue, gc.Commentf("got %T", ev))
		return snap
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for snapshot")
	}
	panic("unreachable")
}

func (s *managerSuite) assertNoSnapshot(c *gc.C) {
	select {
	case ev := <-s.published:
		c.Fatalf("unexpected event %#v", ev)
	case <-time.After(testing.ShortWait):
	}
}

func waitFor(c *gc.C, what string, cond func() bool) {
	deadline := time.After(testing.LongWait)
	for !cond() {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *managerSuite) TestValidateConfig(c *gc.C) {
	config := s.config
	config.Store = nil
	_, err := subscription.NewManager(config)
	c.Check(err, gc.ErrorMatches, "nil Store not valid")

	config = s.config
	config.CacheTTL = -time.Second
	_, err = subscription.NewManager(config)
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
}

func (s *managerSuite) TestSubscribeEmptyCollection(c *gc.C) {
	m := s.newManager(c)
	_, err := m.Subscribe("", docstore.Query{})
	c.Check(err, gc.ErrorMatches, "empty collection not valid")
}

func (s *managerSuite) TestSharedWatch(c *gc.C) {
	s.store.Put("sales", "a", map[string]any{"shift-id": "s1"})
	m := s.newManager(c)
	q := docstore.Query{Filter: docstore.Filter{"shift-id": "s1"}}

	h1, err := m.Subscribe("sales", q)
	c.Assert(err, jc.ErrorIsNil)
	snap := s.nextSnapshot(c)
	c.Check(snap.Collection, gc.Equals, "sales")
	c.Check(snap.Key, gc.Equals, h1.Key())
	c.Check(snap.Version, gc.Equals, uint64(1))
	c.Check(snap.Documents, gc.HasLen, 1)

	h2, err := m.Subscribe("sales", docstore.Query{Filter: docstore.Filter{"shift-id": "s1"}})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(h2.Key(), gc.Equals, h1.Key())
	c.Check(m.Watches(), gc.Equals, 1)
	c.Check(s.store.WatchCount("sales"), gc.Equals, 1)

	cached, ok := m.Snapshot(h2)
	c.Assert(ok, jc.IsTrue)
	c.Check(cached.Version, gc.Equals, uint64(1))

	m.Unsubscribe(h1)
	c.Check(m.Watches(), gc.Equals, 1)
	_, ok = m.Snapshot(h1)
	c.Check(ok, jc.IsFalse)

	m.Unsubscribe(h2)
	c.Check(m.Watches(), gc.Equals, 0)
	waitFor(c, "store watch to close", func() bool {
		return s.store.WatchCount("sales") == 0
	})

	// Releasing again is harmless.
	m.Unsubscribe(h2)
	m.Unsubscribe(h1)
	c.Check(m.Watches(), gc.Equals, 0)
}

func (s *managerSuite) TestDistinctQueriesWatchSeparately(c *gc.C) {
	m := s.newManager(c)
	_, err := m.Subscribe("sales", docstore.Query{Limit: 10})
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.Subscribe("sales", docstore.Query{Limit: 20})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(m.Watches(), gc.Equals, 2)
	s.nextSnapshot(c)
	s.nextSnapshot(c)
}

func (s *managerSuite) TestSnapshotsBumpVersion(c *gc.C) {
	m := s.newManager(c)
	h, err := m.Subscribe("sales", docstore.Query{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.nextSnapshot(c).Documents, gc.HasLen, 0)

	s.store.Put("sales", "a", map[string]any{"total": 100})
	snap := s.nextSnapshot(c)
	c.Check(snap.Version, gc.Equals, uint64(2))
	c.Assert(snap.Documents, gc.HasLen, 1)
	c.Check(snap.Documents[0].ID, gc.Equals, "a")

	cached, ok := m.Snapshot(h)
	c.Assert(ok, jc.IsTrue)
	c.Check(cached.Version, gc.Equals, uint64(2))
	c.Check(cached.Documents, jc.DeepEquals, snap.Documents)
}

func (s *managerSuite) TestLookupHonoursCacheTTL(c *gc.C) {
	m := s.newManager(c)
	q := docstore.Query{Filter: docstore.Filter{"status": "active"}}

	_, ok := m.Lookup("shifts", q)
	c.Check(ok, jc.IsFalse)

	_, err := m.Subscribe("shifts", q)
	c.Assert(err, jc.ErrorIsNil)
	s.nextSnapshot(c)

	docs, ok := m.Lookup("shifts", docstore.Query{Filter: docstore.Filter{"status": "active"}})
	c.Check(ok, jc.IsTrue)
	c.Check(docs, gc.HasLen, 0)

	s.clock.Advance(31 * time.Second)
	_, ok = m.Lookup("shifts", q)
	c.Check(ok, jc.IsFalse)

	cached, ok := m.Cached("shifts", q)
	c.Check(ok, jc.IsTrue)
	c.Check(cached.Version, gc.Equals, uint64(1))
}

func (s *managerSuite) TestRewatchWithBackoff(c *gc.C) {
	s.store.Put("sales", "a", nil)
	m := s.newManager(c)
	h, err := m.Subscribe("sales", docstore.Query{})
	c.Assert(err, jc.ErrorIsNil)
	s.nextSnapshot(c)

	// Break the watch and keep the store down.
	s.store.SetOffline(true)
	err = s.clock.WaitAdvance(time.Second, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	waitFor(c, "second watch attempt", func() bool {
		return s.store.Calls("Watch") == 2
	})

	// The delay has doubled.
	err = s.clock.WaitAdvance(time.Second, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertNoSnapshot(c)
	c.Check(s.store.Calls("Watch"), gc.Equals, 2)

	// The last good snapshot is still served.
	cached, ok := m.Snapshot(h)
	c.Assert(ok, jc.IsTrue)
	c.Check(cached.Documents, gc.HasLen, 1)

	s.store.SetOffline(false)
	s.clock.Advance(time.Second)
	snap := s.nextSnapshot(c)
	c.Check(snap.Version, gc.Equals, uint64(2))
	c.Check(s.store.Calls("Watch"), gc.Equals, 3)
}

func (s *managerSuite) TestKillStopsWatches(c *gc.C) {
	m, err := subscription.NewManager(s.config)
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.Subscribe("sales", docstore.Query{})
	c.Assert(err, jc.ErrorIsNil)
	s.nextSnapshot(c)

	workertest.CleanKill(c, m)
	c.Check(s.store.WatchCount("sales"), gc.Equals, 0)

	_, err = m.Subscribe("sales", docstore.Query{})
	c.Check(err, gc.NotNil)
}
