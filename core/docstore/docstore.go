// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package docstore defines the contract the sync engine needs from the
// remote document store. The store's transport and authentication are the
// adapter's business; see internal/docstore for implementations.
package docstore

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
)

const (
	// ErrConflict is returned by conditional writes whose precondition
	// did not hold.
	ErrConflict = errors.ConstError("document precondition failed")

	// ErrUnavailable marks transport level failures. Writes failing with
	// it are retried and eventually queued.
	ErrUnavailable = errors.ConstError("document store unavailable")
)

// Document is a single stored record.
type Document struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// String returns the named field as a string, or "" if it is missing or
// not a string.
func (d Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// Int returns the named field as an int64. Numeric types produced by the
// JSON and BSON decoders are accepted.
func (d Document) Int(field string) (int64, bool) {
	switch v := d.Fields[field].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	}
	return 0, false
}

// Time returns the named field as a time.
func (d Document) Time(field string) (time.Time, bool) {
	switch v := d.Fields[field].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// Filter is a conjunction of field equality matches.
type Filter map[string]any

// Matches reports whether the document satisfies the filter.
func (f Filter) Matches(doc Document) bool {
	for k, want := range f {
		var got any
		if k == "id" {
			got = doc.ID
		} else {
			got = doc.Fields[k]
		}
		if !equalValues(got, want) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ia, aok := Document{Fields: map[string]any{"v": a}}.Int("v")
	ib, bok := Document{Fields: map[string]any{"v": b}}.Int("v")
	if aok && bok {
		return ia == ib
	}
	return reflect.DeepEqual(a, b)
}

// Order sorts query results on a single field.
type Order struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Query selects documents from a collection.
type Query struct {
	Filter Filter  `json:"filter,omitempty"`
	Order  []Order `json:"order,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

// Key returns a stable identity for the query, so that two requests for
// the same data can share a watch.
func (q Query) Key() string {
	keys := make([]string, 0, len(q.Filter))
	for k := range q.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]any, len(keys))
	for i, k := range keys {
		pairs[i] = [2]any{k, q.Filter[k]}
	}
	// Marshalling plain values cannot fail.
	data, _ := json.Marshal(struct {
		F [][2]any `json:"f"`
		O []Order  `json:"o,omitempty"`
		L int      `json:"l,omitempty"`
	}{pairs, q.Order, q.Limit})
	return string(data)
}

// Snapshot is the full result set of a watched query at a point in time.
type Snapshot struct {
	Collection string
	Documents  []Document
	ReadAt     time.Time
}

// Watcher delivers a complete snapshot of a query every time it changes.
// The first snapshot is delivered as soon as the watch is established. A
// watcher that fails stops and reports the failure from Wait.
type Watcher interface {
	worker.Worker
	Changes() <-chan Snapshot
}

// Store is the remote document store.
type Store interface {
	// Create stores a new document. If id is empty the store assigns one.
	// The document's id is returned.
	Create(ctx context.Context, collection, id string, fields map[string]any) (string, error)

	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes a document.
	Delete(ctx context.Context, collection, id string) error

	// Get returns a single document, or an error satisfying
	// errors.Is(err, errors.NotFound).
	Get(ctx context.Context, collection, id string) (Document, error)

	// Query returns the documents matching q.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Watch opens a push subscription for q.
	Watch(ctx context.Context, collection string, q Query) (Watcher, error)
}

// ConditionalStore is implemented by stores that can apply an update only
// when the stored document matches an expected state.
type ConditionalStore interface {
	Store

	// UpdateIf merges fields into the document if it currently matches
	// expect, otherwise it returns ErrConflict.
	UpdateIf(ctx context.Context, collection, id string, expect Filter, fields map[string]any) error
}

// IsTerminal reports whether a write error can never succeed by retrying.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, errors.NotFound) ||
		errors.Is(err, errors.NotValid) ||
		errors.Is(err, errors.AlreadyExists)
}
