// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/core/money"
	"github.com/tillpoint/backoffice/internal/backoffice"
	"github.com/tillpoint/backoffice/internal/reconcile"
	"github.com/tillpoint/backoffice/internal/shift"
	"github.com/tillpoint/backoffice/internal/syncer"
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
}

// SyncResponse is returned by POST /sync.
type SyncResponse struct {
	Applied   int  `json:"applied"`
	Remaining int  `json:"remaining"`
	Skipped   bool `json:"skipped,omitempty"`
}

// OutcomeResponse is returned by the shift open and close calls.
type OutcomeResponse struct {
	Shift   shift.Shift `json:"shift"`
	Pending bool        `json:"pending"`
}

// ErrorResponse carries a failed call's message, and for rejected
// reconciliations every problem found.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

// Sale is a sale submitted for a standalone reconciliation.
type Sale struct {
	ID       string       `json:"id"`
	Method   string       `json:"method"`
	CardType string       `json:"card-type"`
	Total    money.Amount `json:"total"`
}

// ReconcileRequest is the body of POST /reconcile.
type ReconcileRequest struct {
	Sales       []Sale                 `json:"sales"`
	Counted     reconcile.Counted      `json:"counted"`
	Adjustments []reconcile.Adjustment `json:"adjustments"`
}

// PreviewRequest is the body of POST /shifts/preview.
type PreviewRequest struct {
	Counted     reconcile.Counted      `json:"counted"`
	Adjustments []reconcile.Adjustment `json:"adjustments"`
}

// OpenRequest is the body of POST /shifts/open.
type OpenRequest struct {
	Type         shift.Type   `json:"type"`
	OpeningFloat money.Amount `json:"opening-float"`
	Operator     string       `json:"operator"`
}

// CloseRequest is the body of POST /shifts/close.
type CloseRequest struct {
	ShiftID     string                 `json:"shift-id"`
	Counted     reconcile.Counted      `json:"counted"`
	Adjustments []reconcile.Adjustment `json:"adjustments"`
	Closer      string                 `json:"closer"`
}

func (s *server) status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Online:  s.backend.Online(),
		Pending: s.backend.Pending(),
	})
}

func (s *server) forceSync(c *gin.Context) {
	ctx, cancel := s.context(c)
	defer cancel()
	result, err := s.backend.ForceSync(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{
		Applied:   result.Applied,
		Remaining: result.Remaining,
		Skipped:   result.Skipped,
	})
}

func (s *server) reconcile(c *gin.Context) {
	var req ReconcileRequest
	if !bind(c, &req) {
		return
	}
	sales := make([]reconcile.Sale, len(req.Sales))
	for i, sale := range req.Sales {
		sales[i] = reconcile.Sale(sale)
	}
	c.JSON(http.StatusOK, s.backend.Reconcile(sales, req.Counted, req.Adjustments))
}

func (s *server) activeShift(c *gin.Context) {
	ctx, cancel := s.context(c)
	defer cancel()
	active, err := s.backend.ActiveShift(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (s *server) openShift(c *gin.Context) {
	var req OpenRequest
	if !bind(c, &req) {
		return
	}
	ctx, cancel := s.context(c)
	defer cancel()
	out, err := s.backend.OpenShift(ctx, shift.OpenArgs{
		Type:         req.Type,
		OpeningFloat: req.OpeningFloat,
		Operator:     req.Operator,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, OutcomeResponse{Shift: out.Shift, Pending: out.Pending})
}

func (s *server) closeShift(c *gin.Context) {
	var req CloseRequest
	if !bind(c, &req) {
		return
	}
	ctx, cancel := s.context(c)
	defer cancel()
	out, err := s.backend.CloseShift(ctx, shift.CloseArgs{
		ShiftID:     req.ShiftID,
		Counted:     req.Counted,
		Adjustments: req.Adjustments,
		Closer:      req.Closer,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, OutcomeResponse{Shift: out.Shift, Pending: out.Pending})
}

func (s *server) preview(c *gin.Context) {
	var req PreviewRequest
	if !bind(c, &req) {
		return
	}
	ctx, cancel := s.context(c)
	defer cancel()
	result, err := s.backend.Preview(ctx, req.Counted, req.Adjustments)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (s *server) fail(c *gin.Context, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), errors.ErrorStack(err))
	}
	resp := ErrorResponse{Error: err.Error()}
	var invalid *reconcile.ValidationError
	if errors.As(err, &invalid) {
		resp.Problems = invalid.Problems
	}
	c.AbortWithStatusJSON(code, resp)
}

func statusCode(err error) int {
	var invalid *reconcile.ValidationError
	switch {
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, shift.ErrNoActiveShift), errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, shift.ErrShiftAlreadyActive), errors.Is(err, shift.ErrShiftVanished):
		return http.StatusConflict
	case errors.Is(err, syncer.ErrOffline),
		errors.Is(err, docstore.ErrUnavailable),
		errors.Is(err, backoffice.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
