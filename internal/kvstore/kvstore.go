// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package kvstore provides the local durable key-value persistence used
// by the offline queue. Set must not return until the value is durable.
package kvstore

// Store is a synchronous key-value store.
type Store interface {
	// Get returns the value stored under key. A missing key yields an
	// error satisfying errors.Is(err, errors.NotFound).
	Get(key string) ([]byte, error)

	// Set durably stores value under key, replacing any previous value.
	Set(key string, value []byte) error
}
