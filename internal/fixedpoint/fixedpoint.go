// Package fixedpoint implements the exact integer arithmetic every ledger
// computation routes through.
//
// Amounts, shares and prices are unsigned 256-bit integers (holiman/uint256).
// Products are formed at 512-bit width before division, so a·b/c never
// overflows unless the final quotient itself exceeds 256 bits. Rounding
// direction is always an explicit argument: there is no implicit rounding
// anywhere in the ledger.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrDivisionByZero is returned when a ratio is requested against a zero
	// denominator. Inside the ledger this means a pool total is zero while
	// shares exist, which is an invariant violation rather than a user error.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixedpoint: result overflows 256 bits")

	// ErrUnderflow is returned when a checked subtraction would go negative.
	ErrUnderflow = errors.New("fixedpoint: subtraction underflow")
)

// WADDecimals is the number of fractional digits of a WAD ratio.
const WADDecimals = 18

// Rounding selects the direction a division is rounded in.
type Rounding uint8

const (
	// Down rounds toward zero (floor for unsigned values).
	Down Rounding = iota
	// Up rounds away from zero (ceil for unsigned values).
	Up
)

func (r Rounding) String() string {
	switch r {
	case Down:
		return "down"
	case Up:
		return "up"
	default:
		return fmt.Sprintf("rounding(%d)", uint8(r))
	}
}

var (
	one = uint256.NewInt(1)

	// pow10 caches 10^0 .. 10^77, the full range representable in 256 bits.
	pow10 [78]uint256.Int
)

func init() {
	pow10[0].SetUint64(1)
	ten := uint256.NewInt(10)
	for i := 1; i < len(pow10); i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// WAD returns 10^18, the scale used for ratios (LLTV, fee, rates).
func WAD() *uint256.Int {
	return Pow10(WADDecimals)
}

// Pow10 returns a fresh copy of 10^n. It panics for n > 77, which cannot be
// represented in 256 bits.
func Pow10(n uint) *uint256.Int {
	if n >= uint(len(pow10)) {
		panic(fmt.Sprintf("fixedpoint: 10^%d does not fit in 256 bits", n))
	}
	return new(uint256.Int).Set(&pow10[n])
}

// MulDiv computes a·b/c rounded in the given direction.
func MulDiv(a, b, c *uint256.Int, r Rounding) (*uint256.Int, error) {
	if c.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, overflow := new(uint256.Int).MulDivOverflow(a, b, c)
	if overflow {
		return nil, ErrOverflow
	}
	if r == Up {
		rem := new(uint256.Int).MulMod(a, b, c)
		if !rem.IsZero() {
			if _, overflow := q.AddOverflow(q, one); overflow {
				return nil, ErrOverflow
			}
		}
	}
	return q, nil
}

// MulDivDown computes ⌊a·b/c⌋.
func MulDivDown(a, b, c *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, b, c, Down)
}

// MulDivUp computes ⌈a·b/c⌉.
func MulDivUp(a, b, c *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, b, c, Up)
}

// WMul computes a·b/WAD rounded in the given direction.
func WMul(a, b *uint256.Int, r Rounding) (*uint256.Int, error) {
	return MulDiv(a, b, WAD(), r)
}

// WDiv computes a·WAD/b rounded in the given direction.
func WDiv(a, b *uint256.Int, r Rounding) (*uint256.Int, error) {
	return MulDiv(a, WAD(), b, r)
}

// Add returns a+b, failing on overflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns a-b, failing when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	if a.Lt(b) {
		return nil, ErrUnderflow
	}
	return new(uint256.Int).Sub(a, b), nil
}

// ZeroFloorSub returns max(a-b, 0).
func ZeroFloorSub(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}
