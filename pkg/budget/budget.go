// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package budget implements per-epoch pure differential privacy budgets and
// the filter ledger that enforces them.
package budget

import "math"

// Tolerance is the slack used for all budget comparisons. Consuming a loss
// that matches the remaining budget up to this tolerance is admitted, so
// exact-boundary queries are not rejected by floating-point error.
const Tolerance = 1e-9

// Budget is a non-negative privacy loss measured in pure-DP epsilon, or an
// infinite budget. Infinite budgets deactivate a filter and are also used
// for noiseless debugging queries.
type Budget struct {
	epsilon  float64
	infinite bool
}

// Epsilon creates a finite budget. Negative or NaN values yield an
// infinite budget.
func Epsilon(e float64) Budget {
	if math.IsNaN(e) || e < 0 {
		return Infinite()
	}
	return Budget{epsilon: e}
}

// Infinite creates an infinite budget.
func Infinite() Budget {
	return Budget{infinite: true}
}

// IsInfinite reports whether the budget is infinite.
func (b Budget) IsInfinite() bool {
	return b.infinite
}

// Value returns the epsilon of a finite budget, or +Inf.
func (b Budget) Value() float64 {
	if b.infinite {
		return math.Inf(1)
	}
	return b.epsilon
}

// IsZero reports whether the budget is finite and zero within tolerance.
func (b Budget) IsZero() bool {
	return !b.infinite && b.epsilon <= Tolerance
}

// Covers reports whether b is sufficient to pay the requested loss.
func (b Budget) Covers(requested Budget) bool {
	if b.infinite {
		return true
	}
	if requested.infinite {
		return false
	}
	return requested.epsilon <= b.epsilon+Tolerance
}

// Minus returns b reduced by the given loss, floored at zero. Infinite
// budgets are unchanged.
func (b Budget) Minus(loss Budget) Budget {
	if b.infinite {
		return b
	}
	remaining := b.epsilon - loss.epsilon
	if remaining < 0 {
		remaining = 0
	}
	return Budget{epsilon: remaining}
}
