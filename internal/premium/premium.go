// Package premium holds the pure pricing arithmetic: premium for a cover
// period and the prorated refund on cancellation.
//
// All intermediate products are computed in 256-bit integers and every
// multiplication is overflow-checked; nothing wraps silently.
package premium

import (
	"CoverLedger/internal/fault"

	"github.com/holiman/uint256"
)

const (
	RiskMin uint8 = 1
	RiskMax uint8 = 5

	// SecondsPerDay converts cover durations to timestamp deltas.
	SecondsPerDay int64 = 86_400

	// premium = insured * days * risk / Divisor
	Divisor uint64 = 10_000

	// Cancellation returns RefundPercent% of the unused fraction.
	RefundPercent uint64 = 90
)

var ErrArithmeticOverflow = fault.New(fault.KindArithmetic, "arithmetic_overflow", "premium: arithmetic overflow")

// Calculate returns floor(insured * days * risk / 10000).
// Range checks on risk and days belong to the caller; Calculate only refuses
// to overflow.
func Calculate(insured *uint256.Int, days uint64, risk uint8) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(insured, uint256.NewInt(days))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	if _, overflow = product.MulOverflow(product, uint256.NewInt(uint64(risk))); overflow {
		return nil, ErrArithmeticOverflow
	}
	return product.Div(product, uint256.NewInt(Divisor)), nil
}

// Refund returns the cancellation refund for a policy that paid `paid` in
// total for the window [start, end], cancelled at now:
//
//	remaining = max(0, (end-start) - (now-start))
//	refund    = paid * remaining * 90 / ((end-start) * 100)
//
// A window that has not started yet counts as fully unused. A degenerate
// window refunds nothing.
func Refund(paid *uint256.Int, start, end, now int64) (*uint256.Int, error) {
	total := end - start
	if total <= 0 {
		return new(uint256.Int), nil
	}
	elapsed := now - start
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := total - elapsed
	if remaining <= 0 {
		return new(uint256.Int), nil
	}

	num, overflow := new(uint256.Int).MulOverflow(paid, uint256.NewInt(uint64(remaining)))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	if _, overflow = num.MulOverflow(num, uint256.NewInt(RefundPercent)); overflow {
		return nil, ErrArithmeticOverflow
	}
	den, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(total)), uint256.NewInt(100))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return num.Div(num, den), nil
}

// DurationSeconds converts days to seconds, failing if the result does not
// fit after base (an end timestamp being extended).
func DurationSeconds(base int64, days uint64) (int64, error) {
	const maxInt64 = int64(^uint64(0) >> 1)
	if base < 0 || days > uint64((maxInt64-base)/SecondsPerDay) {
		return 0, ErrArithmeticOverflow
	}
	return int64(days) * SecondsPerDay, nil
}
