package ir

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// decimalCtx is the arithmetic context for all Decimal operations.
// 34 digits matches IEEE 754 decimal128; sums, differences and products of
// monetary values stay exact well inside that precision.
var decimalCtx = apd.BaseContext.WithPrecision(34)

// Bounds on decimal attribute values, after trailing zeros are removed.
const (
	MaxDecimalIntegerDigits  = 18
	MaxDecimalFractionDigits = 10
)

// ErrDecimalRange reports a decimal outside the attribute bounds, or an
// arithmetic result that does not fit the context precision.
var ErrDecimalRange = errors.New("decimal out of range")

// Decimal is an exact fixed-point number backed by apd.
//
// Decimal values are immutable: every arithmetic method returns a fresh
// value and never modifies its receiver. The zero value is 0.
type Decimal struct {
	d *apd.Decimal
}

func (Decimal) value() {}

// NewDecimal creates a Decimal equal to coeff * 10^exp.
func NewDecimal(coeff int64, exp int32) Decimal {
	return Decimal{d: apd.New(coeff, exp)}
}

// DecimalFromInt converts an integer to a Decimal with exponent 0.
func DecimalFromInt(n int64) Decimal {
	return NewDecimal(n, 0)
}

// ParseDecimal parses a decimal literal such as "1000", "19.99" or "1e3".
// NaN and infinities are rejected.
func ParseDecimal(s string) (Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return Decimal{}, fmt.Errorf("parse decimal %q: only finite values allowed", s)
	}
	return Decimal{d: d}, nil
}

// MustDecimal is like ParseDecimal but panics on error.
// Use only in tests or with literal inputs.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (a Decimal) get() *apd.Decimal {
	if a.d == nil {
		return apd.New(0, 0)
	}
	return a.d
}

// Add returns a + b.
func (a Decimal) Add(b Decimal) (Decimal, error) {
	return a.apply("+", b, decimalCtx.Add)
}

// Sub returns a - b.
func (a Decimal) Sub(b Decimal) (Decimal, error) {
	return a.apply("-", b, decimalCtx.Sub)
}

// Mul returns a * b.
func (a Decimal) Mul(b Decimal) (Decimal, error) {
	return a.apply("*", b, decimalCtx.Mul)
}

// Neg returns -a.
func (a Decimal) Neg() Decimal {
	res := new(apd.Decimal)
	res.Neg(a.get())
	return Decimal{d: res}
}

// apply runs op and fails with ErrDecimalRange instead of rounding.
func (a Decimal) apply(sym string, b Decimal, op func(d, x, y *apd.Decimal) (apd.Condition, error)) (Decimal, error) {
	res := new(apd.Decimal)
	cond, err := op(res, a.get(), b.get())
	if err != nil {
		return Decimal{}, fmt.Errorf("%w: %s %s %s: %v", ErrDecimalRange, a, sym, b, err)
	}
	if cond.Inexact() {
		return Decimal{}, fmt.Errorf("%w: %s %s %s exceeds %d digits", ErrDecimalRange, a, sym, b, decimalCtx.Precision)
	}
	return Decimal{d: res}, nil
}

// CheckRange reports whether a fits MaxDecimalIntegerDigits and
// MaxDecimalFractionDigits. Trailing zeros do not count.
func (a Decimal) CheckRange() error {
	var r apd.Decimal
	r.Reduce(a.get())
	if r.IsZero() {
		return nil
	}
	if frac := -int64(r.Exponent); frac > MaxDecimalFractionDigits {
		return fmt.Errorf("%w: %d fractional digits, at most %d allowed", ErrDecimalRange, frac, MaxDecimalFractionDigits)
	}
	if whole := r.NumDigits() + int64(r.Exponent); whole > MaxDecimalIntegerDigits {
		return fmt.Errorf("%w: %d integer digits, at most %d allowed", ErrDecimalRange, whole, MaxDecimalIntegerDigits)
	}
	return nil
}

// Cmp compares a and b numerically: -1, 0 or +1.
// Trailing zeros are insignificant: 1000 and 1000.00 compare equal.
func (a Decimal) Cmp(b Decimal) int {
	return a.get().Cmp(b.get())
}

// Sign returns -1, 0 or +1.
func (a Decimal) Sign() int {
	return a.get().Sign()
}

// IsZero reports whether a == 0.
func (a Decimal) IsZero() bool {
	return a.get().IsZero()
}

// String returns the plain (non-scientific) decimal representation,
// preserving the scale of the value ("1000.00" stays "1000.00").
func (a Decimal) String() string {
	return a.get().Text('f')
}

// Int64 returns a as an int64 if it is integral and fits.
func (a Decimal) Int64() (int64, bool) {
	n, err := a.get().Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}

// MarshalJSON writes the decimal as a plain JSON number.
func (a Decimal) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}
