package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidMoney is returned when a monetary value would be negative or malformed.
var ErrInvalidMoney = errors.New("domain: invalid money")

var hundred = decimal.NewFromInt(100)

// Money is a non-negative amount expressed in the smallest currency unit.
// The zero value is a valid zero amount.
type Money struct {
	amount decimal.Decimal
}

// Zero returns a zero amount.
func Zero() Money {
	return Money{}
}

// NewMoney constructs Money from a decimal value, rejecting negatives.
func NewMoney(amount decimal.Decimal) (Money, error) {
	if amount.IsNegative() {
		return Money{}, fmt.Errorf("%w: %s is negative", ErrInvalidMoney, amount.String())
	}
	return Money{amount: amount}, nil
}

// MoneyFromInt constructs Money from an integer amount of currency units.
func MoneyFromInt(amount int64) (Money, error) {
	return NewMoney(decimal.NewFromInt(amount))
}

// ParseMoney parses a decimal string such as "12000" or "12000.50".
func ParseMoney(raw string) (Money, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Money{}, nil
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidMoney, err)
	}
	return NewMoney(amount)
}

// Decimal exposes the underlying decimal value.
func (m Money) Decimal() decimal.Decimal {
	return m.amount
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return Money{amount: m.amount.Add(other.amount)}
}

// Sub returns m - other and fails when the result would be negative.
func (m Money) Sub(other Money) (Money, error) {
	return NewMoney(m.amount.Sub(other.amount))
}

// SubFloor returns m - other clamped at zero.
func (m Money) SubFloor(other Money) Money {
	result := m.amount.Sub(other.amount)
	if result.IsNegative() {
		return Money{}
	}
	return Money{amount: result}
}

// MulQty multiplies the amount by a non-negative quantity.
func (m Money) MulQty(qty int) Money {
	if qty <= 0 {
		return Money{}
	}
	return Money{amount: m.amount.Mul(decimal.NewFromInt(int64(qty)))}
}

// Percent returns rate percent of m, rounded half-up to the currency unit.
func (m Money) Percent(rate decimal.Decimal) Money {
	if rate.IsNegative() {
		return Money{}
	}
	return Money{amount: m.amount.Mul(rate).Div(hundred).Round(0)}
}

// Proportion returns m * numerator / denominator rounded half-up to the currency unit.
// A zero denominator yields zero.
func (m Money) Proportion(numerator, denominator Money) Money {
	if denominator.IsZero() {
		return Money{}
	}
	return Money{amount: m.amount.Mul(numerator.amount).Div(denominator.amount).Round(0)}
}

// Round rounds half-up to the currency unit.
func (m Money) Round() Money {
	return Money{amount: m.amount.Round(0)}
}

// Min returns the smaller of m and other.
func (m Money) Min(other Money) Money {
	if other.amount.LessThan(m.amount) {
		return other
	}
	return m
}

// Cmp compares m and other (-1, 0, +1).
func (m Money) Cmp(other Money) int {
	return m.amount.Cmp(other.amount)
}

// Equal reports whether both amounts are numerically equal.
func (m Money) Equal(other Money) bool {
	return m.amount.Equal(other.amount)
}

// GreaterThan reports whether m > other.
func (m Money) GreaterThan(other Money) bool {
	return m.amount.GreaterThan(other.amount)
}

// LessThan reports whether m < other.
func (m Money) LessThan(other Money) bool {
	return m.amount.LessThan(other.amount)
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

// Int64 returns the amount rounded to whole currency units.
func (m Money) Int64() int64 {
	return m.amount.Round(0).IntPart()
}

// String renders the amount without trailing zeros.
func (m Money) String() string {
	return m.amount.String()
}

// MarshalText encodes the amount as a decimal string.
func (m Money) MarshalText() ([]byte, error) {
	return []byte(m.amount.String()), nil
}

// UnmarshalText decodes a decimal string, rejecting negative amounts.
func (m *Money) UnmarshalText(text []byte) error {
	parsed, err := ParseMoney(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// SumMoney adds all amounts.
func SumMoney(values ...Money) Money {
	total := Money{}
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
