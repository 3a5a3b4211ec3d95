// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package shift

import (
	"time"

	"github.com/juju/errors"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/money"
	"github.com/tillpoint/backoffice/internal/reconcile"
)

const (
	// Collection holds the shift documents.
	Collection = "shifts"

	// SalesCollection holds the sale documents. Sales name their shift in
	// the "shift-id" field.
	SalesCollection = "sales"
)

// Type is the part of the day a shift covers.
type Type string

const (
	Morning   Type = "morning"
	Afternoon Type = "afternoon"
)

// Validate returns an error if t is not a known shift type.
func (t Type) Validate() error {
	switch t {
	case Morning, Afternoon:
		return nil
	}
	return errors.NotValidf("shift type %q", string(t))
}

// Status is the lifecycle state of a shift.
type Status string

const (
	Active Status = "active"
	Closed Status = "closed"
)

// Shift is a cash register shift.
type Shift struct {
	ID           string       `json:"id"`
	Type         Type         `json:"type"`
	OpeningFloat money.Amount `json:"opening-float"`
	OpenedBy     string       `json:"opened-by"`
	OpenedAt     time.Time    `json:"opened-at"`
	Status       Status       `json:"status"`

	ClosedBy       string            `json:"closed-by,omitempty"`
	ClosedAt       time.Time         `json:"closed-at,omitempty"`
	Reconciliation *reconcile.Result `json:"reconciliation,omitempty"`
}

func (s Shift) fields() map[string]any {
	return map[string]any{
		"type":          string(s.Type),
		"opening-float": s.OpeningFloat.Minor(),
		"opened-by":     s.OpenedBy,
		"opened-at":     s.OpenedAt,
		"status":        string(s.Status),
	}
}

func shiftFromDocument(doc docstore.Document) Shift {
	s := Shift{
		ID:       doc.ID,
		Type:     Type(doc.String("type")),
		OpenedBy: doc.String("opened-by"),
		Status:   Status(doc.String("status")),
		ClosedBy: doc.String("closed-by"),
	}
	if float, ok := doc.Int("opening-float"); ok {
		s.OpeningFloat = money.FromMinor(float)
	}
	s.OpenedAt, _ = doc.Time("opened-at")
	s.ClosedAt, _ = doc.Time("closed-at")
	return s
}

func saleFromDocument(doc docstore.Document) (reconcile.Sale, bool) {
	total, ok := doc.Int("total")
	return reconcile.Sale{
		ID:       doc.ID,
		Method:   doc.String("method"),
		CardType: doc.String("card-type"),
		Total:    money.FromMinor(total),
	}, ok
}

// resultFields renders a reconciliation as plain document fields.
func resultFields(r reconcile.Result) map[string]any {
	channels := make([]any, 0, len(r.PerChannel))
	for _, t := range r.PerChannel {
		channels = append(channels, map[string]any{
			"channel":        string(t.Channel),
			"expected":       t.Expected.Minor(),
			"counted":        t.Counted.Minor(),
			"difference":     t.Difference.Minor(),
			"has-difference": t.HasDifference,
		})
	}
	fields := map[string]any{
		"per-channel":           channels,
		"total-expected":        r.TotalExpected.Minor(),
		"total-counted":         r.TotalCounted.Minor(),
		"total-adjustments-in":  r.TotalAdjustmentsIn.Minor(),
		"total-adjustments-out": r.TotalAdjustmentsOut.Minor(),
		"final-expected":        r.FinalExpected.Minor(),
		"final-counted":         r.FinalCounted.Minor(),
		"final-difference":      r.FinalDifference.Minor(),
		"has-difference":        r.HasDifference,
	}
	if len(r.Warnings) > 0 {
		warnings := make([]any, len(r.Warnings))
		for i, w := range r.Warnings {
			warnings[i] = w
		}
		fields["warnings"] = warnings
	}
	return fields
}

func adjustmentFields(adjustments []reconcile.Adjustment) []any {
	out := make([]any, len(adjustments))
	for i, adj := range adjustments {
		out[i] = map[string]any{
			"kind":        string(adj.Kind),
			"amount":      adj.Amount.Minor(),
			"description": adj.Description,
			"created-at":  adj.CreatedAt,
		}
	}
	return out
}
