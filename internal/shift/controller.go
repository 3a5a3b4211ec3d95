// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package shift drives the cash register shift lifecycle: opening a
// shift, previewing its reconciliation and closing it with the counted
// cash attached.
//
// Only one shift may be active at a time. Opening checks for an active
// shift and then writes, so two tills opening at the same moment can both
// succeed. Closing is a conditional write and cannot race.
package shift

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/events"
	"github.com/tillpoint/backoffice/core/money"
	"github.com/tillpoint/backoffice/core/operation"
	"github.com/tillpoint/backoffice/internal/reconcile"
	"github.com/tillpoint/backoffice/internal/subscription"
	"github.com/tillpoint/backoffice/internal/syncer"
)

const (
	// ErrShiftAlreadyActive is returned when opening a shift while
	// another is active.
	ErrShiftAlreadyActive = errors.ConstError("a shift is already active")

	// ErrNoActiveShift is returned when an operation needs an active
	// shift and there is none.
	ErrNoActiveShift = errors.ConstError("no active shift")

	// ErrShiftVanished is returned when closing a shift that was deleted
	// or closed since the caller loaded it.
	ErrShiftVanished = errors.ConstError("shift no longer active")
)

// ActiveQuery selects the active shift.
func ActiveQuery() docstore.Query {
	return docstore.Query{
		Filter: docstore.Filter{"status": string(Active)},
	}
}

// SalesQuery selects the sales recorded against a shift.
func SalesQuery(shiftID string) docstore.Query {
	return docstore.Query{
		Filter: docstore.Filter{"shift-id": shiftID},
		Order:  []docstore.Order{{Field: "created-at"}},
	}
}

// Writer applies operations, queueing them while offline.
type Writer interface {
	Write(context.Context, operation.Operation) (syncer.Result, error)
}

// Cache answers queries from live subscriptions.
type Cache interface {
	Lookup(collection string, q docstore.Query) ([]docstore.Document, bool)
	Cached(collection string, q docstore.Query) (subscription.Cached, bool)
}

// Publisher receives shift events.
type Publisher interface {
	Publish(events.Event)
}

// Logger represents the methods used for logging.
type Logger interface {
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
}

// Config holds the dependencies of a Controller.
type Config struct {
	// Store is used for direct reads when the cache cannot answer.
	Store     docstore.Store
	Writer    Writer
	Publisher Publisher
	Clock     clock.Clock
	Logger    Logger

	// Cache is optional.
	Cache Cache
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Writer == nil {
		return errors.NotValidf("nil Writer")
	}
	if config.Publisher == nil {
		return errors.NotValidf("nil Publisher")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// OpenArgs holds the arguments to OpenShift.
type OpenArgs struct {
	Type         Type
	OpeningFloat money.Amount
	Operator     string
}

// Validate returns an error if the arguments cannot be used.
func (args OpenArgs) Validate() error {
	if err := args.Type.Validate(); err != nil {
		return errors.Trace(err)
	}
	if args.OpeningFloat < 0 {
		return errors.NotValidf("negative opening float %s", args.OpeningFloat)
	}
	if args.Operator == "" {
		return errors.NotValidf("empty operator")
	}
	return nil
}

// CloseArgs holds the arguments to CloseShift.
type CloseArgs struct {
	// ShiftID is the shift the caller means to close. If empty the
	// currently active shift is closed.
	ShiftID     string
	Counted     reconcile.Counted
	Adjustments []reconcile.Adjustment
	Closer      string
}

// Outcome is the result of opening or closing a shift.
type Outcome struct {
	Shift Shift
	// Pending is true when the write was queued for later delivery.
	Pending bool
}

// Controller implements the shift lifecycle.
type Controller struct {
	config Config

	// mu serialises lifecycle changes made through this controller.
	mu sync.Mutex

	// pending holds shifts opened through this controller whose write
	// has not reached the store yet.
	pendingMu sync.Mutex
	pending   map[string]Shift
	// closing holds shifts closed through this controller whose close
	// has not reached the store yet, and whether the shift has been seen
	// active in the store.
	closing map[string]bool
}

// NewController returns a new shift controller.
func NewController(config Config) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Controller{
		config:  config,
		pending: make(map[string]Shift),
		closing: make(map[string]bool),
	}, nil
}

// read answers q from the cache when it is fresh, otherwise from the
// store. If the store cannot be reached a stale cached answer is used.
func (c *Controller) read(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if c.config.Cache != nil {
		if docs, ok := c.config.Cache.Lookup(collection, q); ok {
			return docs, nil
		}
	}
	docs, err := c.config.Store.Query(ctx, collection, q)
	if err == nil {
		return docs, nil
	}
	if c.config.Cache != nil && errors.Is(err, docstore.ErrUnavailable) {
		if cached, ok := c.config.Cache.Cached(collection, q); ok {
			c.config.Logger.Warningf("reading %s from cache of %v: %v", collection, cached.ReceivedAt, err)
			return cached.Documents, nil
		}
	}
	return nil, errors.Annotatef(err, "querying %s", collection)
}

// ActiveShift returns the active shift, or ErrNoActiveShift.
func (c *Controller) ActiveShift(ctx context.Context) (Shift, error) {
	docs, err := c.read(ctx, Collection, ActiveQuery())
	if err != nil {
		if errors.Is(err, docstore.ErrUnavailable) {
			if s, ok := c.pendingShift(); ok {
				return s, nil
			}
		}
		return Shift{}, errors.Trace(err)
	}
	var active []Shift
	listed := set.NewStrings()
	for _, doc := range docs {
		listed.Add(doc.ID)
		c.forgetPending(doc.ID)
		if c.isClosing(doc.ID) {
			continue
		}
		active = append(active, shiftFromDocument(doc))
	}
	c.forgetClosed(listed)
	if len(active) == 0 {
		if s, ok := c.pendingShift(); ok {
			return s, nil
		}
		return Shift{}, ErrNoActiveShift
	}
	if len(active) > 1 {
		sort.Slice(active, func(i, j int) bool {
			return active[i].OpenedAt.After(active[j].OpenedAt)
		})
		c.config.Logger.Warningf("%d shifts are active, using the latest (%s)", len(active), active[0].ID)
	}
	return active[0], nil
}

func (c *Controller) pendingShift() (Shift, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, s := range c.pending {
		return s, true
	}
	return Shift{}, false
}

func (c *Controller) isClosing(id string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	_, ok := c.closing[id]
	return ok
}

// forgetClosed drops queued closes whose shift was seen active and is no
// longer listed: the close has reached the store. A shift opened and
// closed while offline must show up first.
func (c *Controller) forgetClosed(listed set.Strings) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, seen := range c.closing {
		switch {
		case listed.Contains(id):
			c.closing[id] = true
		case seen:
			delete(c.closing, id)
		}
	}
}

// Closing reports whether a close of the shift is queued and not yet
// seen in the store.
func (c *Controller) Closing(id string) bool {
	return c.isClosing(id)
}

func (c *Controller) forgetPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// OpenShift opens a new shift. It fails with ErrShiftAlreadyActive if a
// shift is already active. If the store cannot be reached to check, the
// shift is opened anyway.
func (c *Controller) OpenShift(ctx context.Context, args OpenArgs) (Outcome, error) {
	if err := args.Validate(); err != nil {
		return Outcome{}, errors.Trace(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.ActiveShift(ctx)
	switch {
	case err == nil:
		return Outcome{}, errors.Annotatef(ErrShiftAlreadyActive, "shift %s opened by %s", active.ID, active.OpenedBy)
	case errors.Is(err, ErrNoActiveShift):
	case errors.Is(err, docstore.ErrUnavailable):
		c.config.Logger.Warningf("cannot check for an active shift, opening anyway: %v", err)
	default:
		return Outcome{}, errors.Trace(err)
	}

	s := Shift{
		ID:           uuid.NewString(),
		Type:         args.Type,
		OpeningFloat: args.OpeningFloat,
		OpenedBy:     args.Operator,
		OpenedAt:     c.config.Clock.Now(),
		Status:       Active,
	}
	op := operation.New(operation.Create, Collection, s.ID, s.fields())
	result, err := c.config.Writer.Write(ctx, op)
	if err != nil {
		return Outcome{}, errors.Annotate(err, "opening shift")
	}
	if result.Pending {
		c.pendingMu.Lock()
		c.pending[s.ID] = s
		c.pendingMu.Unlock()
	}

	c.config.Logger.Infof("shift %s opened by %s", s.ID, s.OpenedBy)
	c.config.Publisher.Publish(events.ShiftOpened{
		ShiftID:  s.ID,
		Operator: s.OpenedBy,
		Pending:  result.Pending,
	})
	return Outcome{Shift: s, Pending: result.Pending}, nil
}

// target resolves the shift a close or preview applies to.
func (c *Controller) target(ctx context.Context, shiftID string) (Shift, error) {
	active, err := c.ActiveShift(ctx)
	if err != nil {
		return Shift{}, errors.Trace(err)
	}
	if shiftID == "" {
		return active, nil
	}
	if shiftID != active.ID {
		return Shift{}, errors.Annotatef(ErrShiftVanished, "shift %s", shiftID)
	}
	if c.isPending(shiftID) {
		return active, nil
	}

	// Confirm against the store itself; the cache may lag.
	doc, err := c.config.Store.Get(ctx, Collection, shiftID)
	switch {
	case errors.Is(err, errors.NotFound):
		return Shift{}, errors.Annotatef(ErrShiftVanished, "shift %s", shiftID)
	case errors.Is(err, docstore.ErrUnavailable):
		return active, nil
	case err != nil:
		return Shift{}, errors.Annotatef(err, "loading shift %s", shiftID)
	}
	s := shiftFromDocument(doc)
	if s.Status != Active {
		return Shift{}, errors.Annotatef(ErrShiftVanished, "shift %s", shiftID)
	}
	return s, nil
}

func (c *Controller) isPending(id string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Sales returns the sales recorded against a shift. Sales without a
// usable total are left out.
func (c *Controller) Sales(ctx context.Context, shiftID string) ([]reconcile.Sale, error) {
	sales, _, err := c.sales(ctx, shiftID)
	return sales, errors.Trace(err)
}

// sales also returns a warning for every sale it had to leave out.
func (c *Controller) sales(ctx context.Context, shiftID string) ([]reconcile.Sale, []string, error) {
	docs, err := c.read(ctx, SalesCollection, SalesQuery(shiftID))
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	sales := make([]reconcile.Sale, 0, len(docs))
	var warnings []string
	for _, doc := range docs {
		sale, ok := saleFromDocument(doc)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("sale %s has no usable total (%v) and was not counted", doc.ID, doc.Fields["total"]))
			continue
		}
		sales = append(sales, sale)
	}
	return sales, warnings, nil
}

// reconcile runs the reconciliation for a shift's sales, reporting left
// out sales alongside the unclassified ones.
func (c *Controller) reconcile(ctx context.Context, shiftID string, counted reconcile.Counted, adjustments []reconcile.Adjustment) (reconcile.Result, error) {
	sales, warnings, err := c.sales(ctx, shiftID)
	if err != nil {
		return reconcile.Result{}, errors.Trace(err)
	}
	result := reconcile.Reconcile(sales, counted, adjustments)
	result.Warnings = append(warnings, result.Warnings...)
	return result, nil
}

// Preview reconciles the active shift without closing it.
func (c *Controller) Preview(ctx context.Context, counted reconcile.Counted, adjustments []reconcile.Adjustment) (reconcile.Result, error) {
	active, err := c.ActiveShift(ctx)
	if err != nil {
		return reconcile.Result{}, errors.Trace(err)
	}
	result, err := c.reconcile(ctx, active.ID, counted, adjustments)
	return result, errors.Trace(err)
}

// CloseShift reconciles the active shift and closes it. Bad counted
// amounts or adjustments fail with a *reconcile.ValidationError and
// nothing is written.
func (c *Controller) CloseShift(ctx context.Context, args CloseArgs) (Outcome, error) {
	if args.Closer == "" {
		return Outcome{}, errors.NotValidf("empty closer")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.target(ctx, args.ShiftID)
	if err != nil {
		return Outcome{}, errors.Trace(err)
	}
	if err := reconcile.ValidateError(args.Counted, args.Adjustments); err != nil {
		return Outcome{}, err
	}
	now := c.config.Clock.Now()
	adjustments := stamp(args.Adjustments, now)
	result, err := c.reconcile(ctx, s.ID, args.Counted, adjustments)
	if err != nil {
		return Outcome{}, errors.Trace(err)
	}
	for _, w := range result.Warnings {
		c.config.Logger.Warningf("closing shift %s: %s", s.ID, w)
	}

	op := operation.New(operation.Update, Collection, s.ID, map[string]any{
		"status":         string(Closed),
		"closed-at":      now,
		"closed-by":      args.Closer,
		"reconciliation": resultFields(result),
		"adjustments":    adjustmentFields(adjustments),
	})
	op.Precondition = map[string]any{"status": string(Active)}

	written, err := c.config.Writer.Write(ctx, op)
	if errors.Is(err, docstore.ErrConflict) {
		return Outcome{}, errors.Annotatef(ErrShiftVanished, "shift %s", s.ID)
	} else if err != nil {
		return Outcome{}, errors.Annotatef(err, "closing shift %s", s.ID)
	}
	c.pendingMu.Lock()
	_, unstored := c.pending[s.ID]
	delete(c.pending, s.ID)
	if written.Pending {
		c.closing[s.ID] = !unstored
	}
	c.pendingMu.Unlock()

	s.Status = Closed
	s.ClosedAt = now
	s.ClosedBy = args.Closer
	s.Reconciliation = &result

	c.config.Logger.Infof("shift %s closed by %s, difference %s", s.ID, s.ClosedBy, result.FinalDifference)
	c.config.Publisher.Publish(events.ShiftClosed{
		ShiftID:         s.ID,
		Closer:          s.ClosedBy,
		FinalDifference: result.FinalDifference.Minor(),
		Pending:         written.Pending,
	})
	return Outcome{Shift: s, Pending: written.Pending}, nil
}

// stamp returns adjustments with a missing creation time set to now.
func stamp(adjustments []reconcile.Adjustment, now time.Time) []reconcile.Adjustment {
	out := make([]reconcile.Adjustment, len(adjustments))
	for i, adj := range adjustments {
		if adj.CreatedAt.IsZero() {
			adj.CreatedAt = now
		}
		out[i] = adj
	}
	return out
}
