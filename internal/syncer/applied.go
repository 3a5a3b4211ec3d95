// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package syncer

import (
	"encoding/json"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/tillpoint/backoffice/internal/kvstore"
)

const (
	// DefaultAppliedKey is the key the applied operation log is stored
	// under.
	DefaultAppliedKey = "sync-applied"

	// DefaultAppliedLimit bounds the applied operation log. It only needs
	// to outlive the operations that may still be replayed, which the
	// queue capacity bounds.
	DefaultAppliedLimit = 2000
)

// appliedLog remembers the ids of recently applied operations so that an
// operation replayed after a crash between apply and dequeue is not
// applied twice.
type appliedLog struct {
	store kvstore.Store
	key   string
	limit int

	mu    sync.Mutex
	ids   []string
	index set.Strings
}

func loadAppliedLog(store kvstore.Store, key string, limit int) (*appliedLog, error) {
	l := &appliedLog{
		store: store,
		key:   key,
		limit: limit,
		index: set.NewStrings(),
	}
	data, err := store.Get(key)
	if errors.Is(err, errors.NotFound) {
		return l, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "loading applied operations")
	}
	if err := json.Unmarshal(data, &l.ids); err != nil {
		return nil, errors.Annotatef(err, "decoding applied operations %q", key)
	}
	l.index = set.NewStrings(l.ids...)
	return l, nil
}

func (l *appliedLog) contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index.Contains(id)
}

func (l *appliedLog) record(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.index.Contains(id) {
		return nil
	}
	ids := append(append([]string(nil), l.ids...), id)
	if over := len(ids) - l.limit; over > 0 {
		ids = ids[over:]
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return errors.Trace(err)
	}
	if err := l.store.Set(l.key, data); err != nil {
		return errors.Annotate(err, "persisting applied operations")
	}
	l.ids = ids
	l.index = set.NewStrings(ids...)
	return nil
}
