// Package oracle turns raw price readings into the canonical scaled price the
// ledger values collateral with, and converts amounts across the two tokens of
// a market.
//
// A canonical price carries 36 + loanDecimals - collateralDecimals fractional
// digits, so that collateral (smallest units) times price divided by 10^36
// yields loan-token smallest units directly.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/model"
)

// ScaleDecimals is the base precision of a canonical price.
const ScaleDecimals = 36

var (
	ErrInvalidPrice = errors.New("oracle: invalid price")
	ErrStalePrice   = errors.New("oracle: stale price")
	ErrNoPrice      = errors.New("oracle: no price published")
)

// PriceSource publishes raw readings for one market.
type PriceSource interface {
	Latest(ctx context.Context) (model.OracleReading, error)
}

// CanonicalPrice is a price normalized for one token pair.
type CanonicalPrice struct {
	Value              uint256.Int `json:"value"`
	LoanDecimals       uint8       `json:"loan_decimals"`
	CollateralDecimals uint8       `json:"collateral_decimals"`
}

// Decimals returns the number of fractional digits Value carries.
func (p CanonicalPrice) Decimals() int {
	return ScaleDecimals + int(p.LoanDecimals) - int(p.CollateralDecimals)
}

// Normalize rescales a raw feed price with feedDecimals fractional digits to
// the canonical precision of the (loan, collateral) pair. Precision beyond
// the canonical scale is rounded down.
func Normalize(raw *uint256.Int, feedDecimals, loanDecimals, collateralDecimals uint8) (CanonicalPrice, error) {
	if raw == nil || raw.IsZero() {
		return CanonicalPrice{}, fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}
	if int(collateralDecimals) > ScaleDecimals+int(loanDecimals) {
		return CanonicalPrice{}, fmt.Errorf("%w: collateral decimals %d exceed scale", ErrInvalidPrice, collateralDecimals)
	}
	target := uint(ScaleDecimals + int(loanDecimals) - int(collateralDecimals))
	if target > 77 || feedDecimals > 77 {
		return CanonicalPrice{}, fmt.Errorf("%w: decimals out of range", ErrInvalidPrice)
	}

	v, err := fixedpoint.MulDivDown(raw, fixedpoint.Pow10(target), fixedpoint.Pow10(uint(feedDecimals)))
	if err != nil {
		return CanonicalPrice{}, fmt.Errorf("oracle: normalize: %w", err)
	}
	if v.IsZero() {
		return CanonicalPrice{}, fmt.Errorf("%w: price %s rounds to zero", ErrInvalidPrice, raw.Dec())
	}
	return CanonicalPrice{
		Value:              *v,
		LoanDecimals:       loanDecimals,
		CollateralDecimals: collateralDecimals,
	}, nil
}

// CheckFresh fails with ErrStalePrice when the reading at ts is older than
// maxAge at now. A zero maxAge disables the check. Timestamps in the future
// count as age zero; a missing timestamp is always stale.
func CheckFresh(ts, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	if ts.IsZero() {
		return fmt.Errorf("%w: reading has no timestamp", ErrStalePrice)
	}
	age := now.Sub(ts)
	if age > maxAge {
		return fmt.Errorf("%w: age %s exceeds %s", ErrStalePrice, age.Truncate(time.Second), maxAge)
	}
	return nil
}

// NormalizeReading validates and normalizes r using the decimals the reading
// was quoted for.
func NormalizeReading(r model.OracleReading, now time.Time, maxAge time.Duration) (CanonicalPrice, error) {
	if r.Price.IsZero() {
		return CanonicalPrice{}, fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}
	if err := CheckFresh(r.Timestamp, now, maxAge); err != nil {
		return CanonicalPrice{}, err
	}
	return Normalize(&r.Price, r.FeedDecimals, r.QuoteDecimals, r.BaseDecimals)
}

// ForMarket is NormalizeReading plus a check that the reading was quoted for
// the market's token decimals.
func ForMarket(r model.OracleReading, params model.MarketParams, now time.Time, maxAge time.Duration) (CanonicalPrice, error) {
	if r.QuoteDecimals != params.LoanDecimals || r.BaseDecimals != params.CollateralDecimals {
		return CanonicalPrice{}, fmt.Errorf("%w: reading quoted for %d/%d decimals, market uses %d/%d",
			ErrInvalidPrice, r.QuoteDecimals, r.BaseDecimals, params.LoanDecimals, params.CollateralDecimals)
	}
	return NormalizeReading(r, now, maxAge)
}

// ToLoanAssets values collateral in loan-token units, rounded down.
func ToLoanAssets(collateral *uint256.Int, price CanonicalPrice) (*uint256.Int, error) {
	return fixedpoint.MulDivDown(collateral, &price.Value, fixedpoint.Pow10(ScaleDecimals))
}

// ToCollateralAmount converts loan-token units into collateral, rounded down.
func ToCollateralAmount(loanAssets *uint256.Int, price CanonicalPrice) (*uint256.Int, error) {
	return fixedpoint.MulDivDown(loanAssets, fixedpoint.Pow10(ScaleDecimals), &price.Value)
}
