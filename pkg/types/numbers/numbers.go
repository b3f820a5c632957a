package numbers

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// PrecisionDecimals is the number of decimals used for fixed point percentages and prices.
// A value of 1e18 represents 100% (or a 1:1 price).
const PrecisionDecimals = 18

var precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(PrecisionDecimals), nil)

// Precision returns a fresh copy of 1e18
func Precision() *big.Int {
	return new(big.Int).Set(precision)
}

func Zero() *big.Int {
	return big.NewInt(0)
}

// Copy returns a copy of the given value. A nil value is copied as zero.
func Copy(a *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a)
}

func IsZero(a *big.Int) bool {
	return a == nil || a.Sign() == 0
}

func IsNegative(a *big.Int) bool {
	return a != nil && a.Sign() < 0
}

func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return Copy(a)
	}
	return Copy(b)
}

// MulDiv computes floor(a * b / denominator).
//
// Panics if denominator is zero; callers are expected to guard against it.
func MulDiv(a, b, denominator *big.Int) *big.Int {
	res := new(big.Int).Mul(a, b)
	return res.Quo(res, denominator)
}

// MulDivUp computes ceil(a * b / denominator) for non-negative inputs.
func MulDivUp(a, b, denominator *big.Int) *big.Int {
	res := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(res, denominator, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ApplyPercent returns floor(amount * percent / 1e18)
func ApplyPercent(amount, percent *big.Int) *big.Int {
	return MulDiv(amount, percent, precision)
}

// IsValidPercent returns true when 0 <= percent <= 1e18
func IsValidPercent(percent *big.Int) bool {
	return percent != nil && percent.Sign() >= 0 && percent.Cmp(precision) <= 0
}

// ParsePercent parses a decimal fraction ("0.01" == 1%) or a percentage ("1%")
// into a 1e18 fixed point value.
func ParsePercent(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	divisor := decimal.NewFromInt(1)
	if strings.HasSuffix(s, "%") {
		s = strings.TrimSuffix(s, "%")
		divisor = decimal.NewFromInt(100)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid percent '%s': %w", s, err)
	}
	scaled := d.Div(divisor).Shift(PrecisionDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("percent '%s' exceeds %d decimals of precision", s, PrecisionDecimals)
	}
	return scaled.BigInt(), nil
}

// ParseFixedPoint parses a decimal number into a 1e18 fixed point value, e.g. "0.0061" -> 6100000000000000
func ParseFixedPoint(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid number '%s': %w", s, err)
	}
	return d.Shift(PrecisionDecimals).Truncate(0).BigInt(), nil
}

// ParseAmount parses an integer amount expressed in the smallest unit of an asset.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount '%s'", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount '%s' must not be negative", s)
	}
	return v, nil
}

// ToDecimal converts a fixed point integer to a decimal with the given number of decimals.
func ToDecimal(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// FormatPercent renders a 1e18 fixed point percent as a human readable string, e.g. "10%".
func FormatPercent(p *big.Int) string {
	return ToDecimal(p, PrecisionDecimals).Shift(2).String() + "%"
}

// ToFloat64 is used for metrics where precision loss is acceptable.
func ToFloat64(v *big.Int, decimals int32) float64 {
	f, _ := ToDecimal(v, decimals).Float64()
	return f
}
