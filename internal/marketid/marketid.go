// Package marketid derives and validates market keys.
//
// A market key is the blake3-256 hash of the market's immutable parameters,
// rendered as 64 lowercase hex characters. Two markets with identical
// parameters share a key, so a key can be recomputed client-side from the
// parameters alone.
package marketid

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/model"
)

// maxDecimals bounds token decimals so that 10^(36+Δ) stays representable.
const maxDecimals = 36

var idRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

var (
	ErrInvalidID     = errors.New("marketid: invalid market key")
	ErrInvalidParams = errors.New("marketid: invalid market parameters")
)

// Of returns the market key for params.
func Of(params model.MarketParams) model.MarketID {
	sum := blake3.Sum256(encode(params))
	return model.MarketID(hex.EncodeToString(sum[:]))
}

// Parse validates a market key string. Upper-case hex is accepted and
// normalized.
func Parse(s string) (model.MarketID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !idRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 64 hex characters)", ErrInvalidID, s)
	}
	return model.MarketID(s), nil
}

// Validate checks params before a market is created.
func Validate(p model.MarketParams) error {
	if strings.TrimSpace(p.LoanToken) == "" || strings.TrimSpace(p.CollateralToken) == "" {
		return fmt.Errorf("%w: loan and collateral tokens are required", ErrInvalidParams)
	}
	if !p.LLTV.Lt(fixedpoint.WAD()) {
		return fmt.Errorf("%w: lltv %s must be below 1e18", ErrInvalidParams, p.LLTV.Dec())
	}
	if p.LoanDecimals > maxDecimals || p.CollateralDecimals > maxDecimals {
		return fmt.Errorf("%w: token decimals above %d", ErrInvalidParams, maxDecimals)
	}
	switch p.RateModel.Kind {
	case model.RateModelFixed:
	case model.RateModelKinked:
		if p.RateModel.Kink.IsZero() || p.RateModel.Kink.Gt(fixedpoint.WAD()) {
			return fmt.Errorf("%w: kink must be in (0, 1e18]", ErrInvalidParams)
		}
	default:
		return fmt.Errorf("%w: unknown rate model %q", ErrInvalidParams, p.RateModel.Kind)
	}
	return nil
}

// encode produces the canonical byte layout hashed into the key. Strings are
// length-prefixed so that adjacent fields cannot be shifted into each other.
func encode(p model.MarketParams) []byte {
	buf := make([]byte, 0, 256)
	buf = appendString(buf, p.LoanToken)
	buf = appendString(buf, p.CollateralToken)
	buf = appendString(buf, p.Oracle)
	buf = appendString(buf, p.RateModel.Kind)
	buf = appendWord(buf, &p.RateModel.RatePerSecond)
	buf = appendWord(buf, &p.RateModel.BaseRate)
	buf = appendWord(buf, &p.RateModel.Slope1)
	buf = appendWord(buf, &p.RateModel.Slope2)
	buf = appendWord(buf, &p.RateModel.Kink)
	buf = appendWord(buf, &p.LLTV)
	return append(buf, p.LoanDecimals, p.CollateralDecimals)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendWord(buf []byte, v *uint256.Int) []byte {
	word := v.Bytes32()
	return append(buf, word[:]...)
}
