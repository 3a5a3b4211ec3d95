// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package money holds the fixed-point currency representation used by the
// reconciliation code. Amounts are whole minor units (cents) so that
// differences can be compared exactly.
package money

import (
	"strings"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places held by an Amount.
const Scale = 2

// Amount is a signed quantity of currency in minor units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// FromMinor returns the amount for the given number of minor units.
func FromMinor(units int64) Amount {
	return Amount(units)
}

// Parse reads a plain decimal string such as "1500", "1500.5" or
// "-12.25". More than Scale decimal places is rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, errors.NotValidf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, errors.NotValidf("amount %q", s)
	}
	if d.Exponent() < -Scale && !d.Equal(d.Truncate(Scale)) {
		return Zero, errors.NotValidf("amount %q with more than %d decimal places", s, Scale)
	}
	minor := d.Shift(Scale)
	if !minor.IsInteger() {
		return Zero, errors.NotValidf("amount %q", s)
	}
	if !minor.BigInt().IsInt64() {
		return Zero, errors.NotValidf("amount %q out of range", s)
	}
	return Amount(minor.IntPart()), nil
}

// MustParse is Parse that panics on error. It is intended for tests and
// constant tables.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Minor returns the amount in minor units.
func (a Amount) Minor() int64 {
	return int64(a)
}

// Decimal returns the amount as a decimal in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

// String renders the amount with exactly Scale decimal places.
func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a == 0
}

// Sum adds up the supplied amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}

// MarshalText renders the amount as a plain decimal, so JSON carries
// "12.50" rather than minor units.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	*a = v
	return nil
}
