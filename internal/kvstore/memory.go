// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kvstore

import (
	"sync"

	"github.com/juju/errors"
)

// MemStore is an in-process Store. It survives nothing but is handy for
// tests and for running without local persistence.
type MemStore struct {
	mu     sync.Mutex
	values map[string][]byte
	err    error
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string][]byte)}
}

// Get is part of the Store interface.
func (m *MemStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, errors.NotFoundf("key %q", key)
	}
	return append([]byte(nil), v...), nil
}

// Set is part of the Store interface.
func (m *MemStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// SetError makes subsequent Set calls fail with err, or succeed again if
// err is nil.
func (m *MemStore) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
