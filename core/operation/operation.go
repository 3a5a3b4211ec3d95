// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operation

import (
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Kind describes the type of write an Operation performs.
type Kind string

const (
	Create Kind = "create"
	Update Kind = "update"
	Delete Kind = "delete"
)

// Validate returns an error if the kind is not one of the known kinds.
func (k Kind) Validate() error {
	switch k {
	case Create, Update, Delete:
		return nil
	}
	return errors.NotValidf("operation kind %q", string(k))
}

// Operation is an intended write against the document store. Operations
// are identified by ID, which is what the sync coordinator uses to make
// sure a replayed operation is not applied twice.
type Operation struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	Collection string `json:"collection"`

	// DocumentID is required for updates and deletes. Creates may supply
	// one; if they don't, the store assigns it.
	DocumentID string `json:"document-id,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`

	// Precondition, when set, is an equality filter the current document
	// must match for an update to apply.
	Precondition map[string]any `json:"precondition,omitempty"`

	EnqueuedAt time.Time `json:"enqueued-at"`
	Attempts   int       `json:"attempts"`
}

// New returns an operation with a fresh ID.
func New(kind Kind, collection, documentID string, payload map[string]any) Operation {
	return Operation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Collection: collection,
		DocumentID: documentID,
		Payload:    payload,
	}
}

// Validate checks the operation is well formed.
func (op Operation) Validate() error {
	if op.ID == "" {
		return errors.NotValidf("operation with empty id")
	}
	if err := op.Kind.Validate(); err != nil {
		return errors.Trace(err)
	}
	if op.Collection == "" {
		return errors.NotValidf("operation %s with empty collection", op.ID)
	}
	switch op.Kind {
	case Update, Delete:
		if op.DocumentID == "" {
			return errors.NotValidf("%s operation %s without document id", op.Kind, op.ID)
		}
	}
	if op.Kind == Delete && len(op.Payload) > 0 {
		return errors.NotValidf("delete operation %s with payload", op.ID)
	}
	return nil
}

// String is used in log messages.
func (op Operation) String() string {
	if op.DocumentID == "" {
		return string(op.Kind) + " " + op.Collection + " (" + op.ID + ")"
	}
	return string(op.Kind) + " " + op.Collection + "/" + op.DocumentID + " (" + op.ID + ")"
}
