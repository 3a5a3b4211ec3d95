// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconcile computes the end of shift cash reconciliation: the
// revenue expected from recorded sales per payment channel against what
// was physically counted, with manual adjustments on top.
//
// Everything here is pure computation over money.Amount, so differences
// are exact.
package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tillpoint/backoffice/core/money"
)

// Sale is the part of a recorded sale the reconciliation needs.
type Sale struct {
	ID       string
	Method   string
	CardType string
	Total    money.Amount
}

// AdjustmentKind says which way an adjustment moves money.
type AdjustmentKind string

const (
	Income  AdjustmentKind = "income"
	Expense AdjustmentKind = "expense"
)

// Adjustment is a manual movement of money entered while reconciling,
// such as a change refill or a petty cash expense.
type Adjustment struct {
	Kind        AdjustmentKind `json:"kind"`
	Amount      money.Amount   `json:"amount"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created-at"`
}

// Counted holds the physically counted amount per channel. Channels not
// present count as zero.
type Counted map[Channel]money.Amount

// ChannelTally is the reconciliation of a single channel.
type ChannelTally struct {
	Channel       Channel      `json:"channel"`
	Expected      money.Amount `json:"expected"`
	Counted       money.Amount `json:"counted"`
	Difference    money.Amount `json:"difference"`
	HasDifference bool         `json:"has-difference"`
}

// Result is the outcome of a reconciliation run.
type Result struct {
	PerChannel []ChannelTally `json:"per-channel"`

	TotalExpected       money.Amount `json:"total-expected"`
	TotalCounted        money.Amount `json:"total-counted"`
	TotalAdjustmentsIn  money.Amount `json:"total-adjustments-in"`
	TotalAdjustmentsOut money.Amount `json:"total-adjustments-out"`

	FinalExpected   money.Amount `json:"final-expected"`
	FinalCounted    money.Amount `json:"final-counted"`
	FinalDifference money.Amount `json:"final-difference"`
	HasDifference   bool         `json:"has-difference"`

	// Warnings lists sales left out because their payment method could
	// not be classified or their total could not be read.
	Warnings []string `json:"warnings,omitempty"`
}

// Channel returns the tally for ch.
func (r Result) Channel(ch Channel) (ChannelTally, bool) {
	for _, t := range r.PerChannel {
		if t.Channel == ch {
			return t, true
		}
	}
	return ChannelTally{}, false
}

// Reconcile computes the reconciliation of sales against counted amounts
// and adjustments. It does not validate its input; see Validate.
//
// Adjustments are added to both the counted and the expected side, so
// FinalDifference always equals TotalCounted - TotalExpected.
func Reconcile(sales []Sale, counted Counted, adjustments []Adjustment) Result {
	expected := make(map[Channel]money.Amount, len(Channels))
	var result Result
	for _, sale := range sales {
		ch, ok := Classify(sale.Method, sale.CardType)
		if !ok {
			result.Warnings = append(result.Warnings, unclassified(sale))
			continue
		}
		expected[ch] += sale.Total
	}

	for _, ch := range Channels {
		tally := ChannelTally{
			Channel:  ch,
			Expected: expected[ch],
			Counted:  counted[ch],
		}
		tally.Difference = tally.Counted - tally.Expected
		tally.HasDifference = tally.Difference != 0
		result.PerChannel = append(result.PerChannel, tally)

		result.TotalExpected += tally.Expected
		result.TotalCounted += tally.Counted
	}

	for _, adj := range adjustments {
		switch adj.Kind {
		case Income:
			result.TotalAdjustmentsIn += adj.Amount
		case Expense:
			result.TotalAdjustmentsOut += adj.Amount
		}
	}

	net := result.TotalAdjustmentsIn - result.TotalAdjustmentsOut
	result.FinalCounted = result.TotalCounted + net
	result.FinalExpected = result.TotalExpected + net
	result.FinalDifference = result.FinalCounted - result.FinalExpected
	result.HasDifference = result.FinalDifference != 0
	return result
}

func unclassified(sale Sale) string {
	method := sale.Method
	if sale.CardType != "" {
		method += "/" + sale.CardType
	}
	return fmt.Sprintf("sale %s (%s) has unknown payment method %q and was not counted", sale.ID, sale.Total, method)
}

// ValidationError carries every problem found with reconciliation input.
type ValidationError struct {
	Problems []string
}

// Error is part of the error interface.
func (e *ValidationError) Error() string {
	return "invalid reconciliation: " + strings.Join(e.Problems, "; ")
}

// Validate checks counted amounts and adjustments before a close. All
// problems are reported, not just the first.
func Validate(counted Counted, adjustments []Adjustment) []string {
	var problems []string

	var unknown []string
	for ch := range counted {
		if !ch.Valid() {
			unknown = append(unknown, string(ch))
		}
	}
	sort.Strings(unknown)
	for _, ch := range unknown {
		problems = append(problems, fmt.Sprintf("unknown channel %q", ch))
	}

	anyCounted := false
	for _, ch := range Channels {
		amount := counted[ch]
		if amount < 0 {
			problems = append(problems, fmt.Sprintf("counted amount for %s is negative (%s)", ch, amount))
		}
		if amount != 0 {
			anyCounted = true
		}
	}
	if !anyCounted {
		problems = append(problems, "no counted amount entered for any channel")
	}

	for i, adj := range adjustments {
		n := i + 1
		switch adj.Kind {
		case Income, Expense:
		default:
			problems = append(problems, fmt.Sprintf("adjustment %d has unknown kind %q", n, string(adj.Kind)))
		}
		if adj.Amount <= 0 {
			problems = append(problems, fmt.Sprintf("adjustment %d amount must be greater than zero", n))
		}
		if strings.TrimSpace(adj.Description) == "" {
			problems = append(problems, fmt.Sprintf("adjustment %d needs a description", n))
		}
	}
	return problems
}

// ValidateError is Validate returning a *ValidationError, or nil.
func ValidateError(counted Counted, adjustments []Adjustment) error {
	if problems := Validate(counted, adjustments); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
