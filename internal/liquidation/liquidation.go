// Package liquidation evaluates position health against an oracle price and
// executes bounded liquidations.
//
// A position is liquidatable only when its debt is strictly greater than
// collateralValue·LLTV. Each liquidation may repay at most CloseFactor of the
// debt and seize at most the collateral worth the repaid amount times
// Incentive, never more than the position holds.
package liquidation

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/ledger"
	"github.com/atmx/lending-ledger/internal/model"
	"github.com/atmx/lending-ledger/internal/oracle"
	"github.com/atmx/lending-ledger/internal/position"
)

var (
	ErrNotLiquidatable       = errors.New("liquidation: position is not liquidatable")
	ErrExceedsMaxLiquidation = errors.New("liquidation: requested amount exceeds maximum")
	ErrInvalidPolicy         = errors.New("liquidation: invalid policy")
)

// Policy bounds a single liquidation. Both fields are WAD.
type Policy struct {
	CloseFactor uint256.Int `json:"close_factor"` // in (0, 1]
	Incentive   uint256.Int `json:"incentive"`    // >= 1
}

// DefaultPolicy repays up to half the debt with a 5% bonus.
func DefaultPolicy() Policy {
	var p Policy
	p.CloseFactor.Set(fixedpoint.MustParse("500000000000000000"))
	p.Incentive.Set(fixedpoint.MustParse("1050000000000000000"))
	return p
}

// Validate rejects close factors outside (0, 1] and incentives below 1.
func (p Policy) Validate() error {
	wad := fixedpoint.WAD()
	if p.CloseFactor.IsZero() || p.CloseFactor.Gt(wad) {
		return fmt.Errorf("%w: close factor %s not in (0, 1e18]", ErrInvalidPolicy, p.CloseFactor.Dec())
	}
	if p.Incentive.Lt(wad) {
		return fmt.Errorf("%w: incentive %s below 1e18", ErrInvalidPolicy, p.Incentive.Dec())
	}
	return nil
}

// Engine evaluates and liquidates positions under one policy.
type Engine struct {
	policy Policy
}

// NewEngine validates policy and returns an engine bound to it.
func NewEngine(policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Engine{policy: policy}, nil
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy { return e.policy }

// Evaluate computes the risk view of p at price. It reads m as given and does
// not accrue.
func (e *Engine) Evaluate(p *model.Position, m *model.Market, price oracle.CanonicalPrice) (model.LiquidationQuote, error) {
	q := model.LiquidationQuote{Incentive: e.policy.Incentive}

	collateralValue, err := oracle.ToLoanAssets(&p.Collateral, price)
	if err != nil {
		return q, err
	}
	maxBorrow, err := fixedpoint.WMul(collateralValue, &m.Params.LLTV, fixedpoint.Down)
	if err != nil {
		return q, err
	}
	q.CollateralValue = *collateralValue
	q.MaxBorrowValue = *maxBorrow
	q.HealthFactor.Numerator = *maxBorrow

	debt, err := position.CurrentDebt(p, m)
	if err != nil {
		return q, err
	}
	if debt.IsZero() {
		return q, nil
	}
	q.Debt = *debt
	q.HealthFactor.Denominator = *debt
	q.Liquidatable = debt.Gt(maxBorrow)
	if !q.Liquidatable {
		return q, nil
	}

	maxRepay, err := fixedpoint.WMul(debt, &e.policy.CloseFactor, fixedpoint.Down)
	if err != nil {
		return q, err
	}
	maxSeize, err := e.seizeFor(maxRepay, &p.Collateral, price)
	if err != nil {
		return q, err
	}
	q.MaxRepay = *maxRepay
	q.MaxSeize = *maxSeize
	return q, nil
}

// seizeFor is the collateral a liquidator may take for repaying repay:
// repay·incentive converted at price, rounded down, capped at held.
func (e *Engine) seizeFor(repay, held *uint256.Int, price oracle.CanonicalPrice) (*uint256.Int, error) {
	value, err := fixedpoint.WMul(repay, &e.policy.Incentive, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	amount, err := oracle.ToCollateralAmount(value, price)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Min(amount, held), nil
}

// Result is the realized outcome of a liquidation.
type Result struct {
	Borrower     string                 `json:"borrower"`
	Repaid       uint256.Int            `json:"repaid"`
	RepaidShares uint256.Int            `json:"repaid_shares"`
	Seized       uint256.Int            `json:"seized"`
	BadDebt      uint256.Int            `json:"bad_debt"`
	Quote        model.LiquidationQuote `json:"quote"`
}

// Liquidate repays up to requestedRepay of borrower's debt and seizes
// requestedSeize of its collateral, atomically. Interest is accrued first and
// the position is re-evaluated on the accrued state. requestedSeize may not
// exceed what requestedRepay pays for. When the seizure empties the
// position's collateral any debt left over is written off.
func (e *Engine) Liquidate(l *ledger.Ledger, borrower string, requestedRepay, requestedSeize *uint256.Int, price oracle.CanonicalPrice) (Result, error) {
	if requestedRepay == nil || requestedRepay.IsZero() {
		return Result{}, fmt.Errorf("%w: repay amount must be positive", ledger.ErrInvalidAmount)
	}
	if requestedSeize == nil {
		requestedSeize = new(uint256.Int)
	}

	res := Result{Borrower: borrower}
	err := l.Apply(func(tx *ledger.Ledger) error {
		if _, err := tx.AccrueInterest(); err != nil {
			return err
		}
		m := tx.Market()
		p := tx.Position(borrower)
		q, err := e.Evaluate(&p, &m, price)
		if err != nil {
			return err
		}
		res.Quote = q
		if !q.Liquidatable {
			return ErrNotLiquidatable
		}
		if requestedRepay.Gt(&q.MaxRepay) {
			return fmt.Errorf("%w: repay %s above %s", ErrExceedsMaxLiquidation, requestedRepay.Dec(), q.MaxRepay.Dec())
		}
		allowed, err := e.seizeFor(requestedRepay, &p.Collateral, price)
		if err != nil {
			return err
		}
		if requestedSeize.Gt(allowed) {
			return fmt.Errorf("%w: seize %s above %s", ErrExceedsMaxLiquidation, requestedSeize.Dec(), allowed.Dec())
		}

		if !requestedSeize.IsZero() {
			if err := tx.SeizeCollateral(borrower, requestedSeize); err != nil {
				return err
			}
		}
		repaid, burned, err := repay(tx, &m, &p, requestedRepay)
		if err != nil {
			return err
		}
		res.Repaid, res.RepaidShares, res.Seized = *repaid, *burned, *requestedSeize

		bad, err := tx.RealizeBadDebt(borrower)
		if err != nil {
			return err
		}
		res.BadDebt = *bad
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// repay burns the borrow shares covered by assets. When assets cover the
// whole position the shares are burned outright, so rounding can never ask
// for more shares than the position holds.
func repay(tx *ledger.Ledger, m *model.Market, p *model.Position, assets *uint256.Int) (repaid, burned *uint256.Int, err error) {
	shares, err := ledger.ToShares(assets, &m.TotalBorrowAssets, &m.TotalBorrowShares, fixedpoint.Down)
	if err != nil {
		return nil, nil, err
	}
	if shares.Cmp(&p.BorrowShares) >= 0 {
		burned = new(uint256.Int).Set(&p.BorrowShares)
		repaid, err = tx.RepayShares(p.Account, burned)
		return repaid, burned, err
	}
	burned, err = tx.Repay(p.Account, assets)
	return assets, burned, err
}

// CompareHealth orders two health factors; an infinite factor is greater
// than any finite one.
func CompareHealth(a, b model.HealthFactor) int {
	switch {
	case a.Infinite() && b.Infinite():
		return 0
	case a.Infinite():
		return 1
	case b.Infinite():
		return -1
	}
	left := new(big.Int).Mul(a.Numerator.ToBig(), b.Denominator.ToBig())
	right := new(big.Int).Mul(b.Numerator.ToBig(), a.Denominator.ToBig())
	return left.Cmp(right)
}

// HealthDecimal renders h with 18 fractional digits for display. ok is false
// for an infinite factor.
func HealthDecimal(h model.HealthFactor) (d decimal.Decimal, ok bool) {
	if h.Infinite() {
		return decimal.Decimal{}, false
	}
	num := decimal.NewFromBigInt(h.Numerator.ToBig(), 0)
	den := decimal.NewFromBigInt(h.Denominator.ToBig(), 0)
	return num.DivRound(den, fixedpoint.WADDecimals), true
}
