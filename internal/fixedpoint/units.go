package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrNegative is returned when a signed input is converted to an amount.
	ErrNegative = errors.New("fixedpoint: negative value")

	// ErrPrecision is returned when a decimal has more fractional digits than
	// the target scale can hold.
	ErrPrecision = errors.New("fixedpoint: value exceeds target precision")
)

// Parse reads a base-10 integer string of smallest units.
func Parse(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	return v, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ToDecimal interprets x as a fixed-point number with the given number of
// fractional digits. It is used only for display, never for accounting.
func ToDecimal(x *uint256.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals))
}

// FormatUnits renders x in whole-token units, e.g. 1500000 with 6 decimals
// becomes "1.5".
func FormatUnits(x *uint256.Int, decimals uint8) string {
	return ToDecimal(x, decimals).String()
}

// FromDecimal scales d by 10^decimals. The result must be exact: a value with
// more fractional digits than decimals is rejected rather than rounded.
func FromDecimal(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s at %d decimals", ErrPrecision, d, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// ParseUnits parses a human-readable token amount ("1.5") into smallest units.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parse units %q: %w", s, err)
	}
	return FromDecimal(d, decimals)
}

// ParseWAD parses a ratio such as "0.8" into WAD fixed point.
func ParseWAD(s string) (*uint256.Int, error) {
	return ParseUnits(s, WADDecimals)
}
