// Package interest implements borrow rate models and the accrual step that
// grows a market's pools between two timestamps.
package interest

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/model"
)

// SecondsPerYear converts annual rates to per-second rates.
const SecondsPerYear = 31_536_000

var ErrUnknownModel = errors.New("interest: unknown rate model")

// RateModel yields the per-second borrow rate (WAD) for a utilization (WAD).
type RateModel interface {
	BorrowRatePerSecond(utilization *uint256.Int) (*uint256.Int, error)
}

// Fixed charges a constant per-second rate regardless of utilization.
type Fixed struct {
	RatePerSecond uint256.Int
}

func (f Fixed) BorrowRatePerSecond(*uint256.Int) (*uint256.Int, error) {
	return new(uint256.Int).Set(&f.RatePerSecond), nil
}

// Kinked is a two-slope utilization curve. All fields are annual WAD rates
// except Kink, which is a WAD utilization. Below the kink the annual rate is
// BaseRate + Slope1·u; above it Slope2 applies to the excess utilization.
type Kinked struct {
	BaseRate uint256.Int
	Slope1   uint256.Int
	Slope2   uint256.Int
	Kink     uint256.Int
}

// AnnualRate returns the annual borrow rate at utilization u, clamped to 100%.
func (k Kinked) AnnualRate(u *uint256.Int) (*uint256.Int, error) {
	wad := fixedpoint.WAD()
	util := fixedpoint.Min(u, wad)

	below := util
	if !k.Kink.IsZero() && util.Gt(&k.Kink) {
		below = &k.Kink
	}
	linear, err := fixedpoint.WMul(&k.Slope1, below, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	rate, err := fixedpoint.Add(&k.BaseRate, linear)
	if err != nil {
		return nil, err
	}
	if k.Kink.IsZero() || !util.Gt(&k.Kink) {
		return rate, nil
	}
	excess := new(uint256.Int).Sub(util, &k.Kink)
	steep, err := fixedpoint.WMul(&k.Slope2, excess, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(rate, steep)
}

func (k Kinked) BorrowRatePerSecond(u *uint256.Int) (*uint256.Int, error) {
	annual, err := k.AnnualRate(u)
	if err != nil {
		return nil, err
	}
	return annual.Div(annual, uint256.NewInt(SecondsPerYear)), nil
}

// FromConfig builds the rate model a market was created with.
func FromConfig(cfg model.RateModelConfig) (RateModel, error) {
	switch cfg.Kind {
	case model.RateModelFixed:
		return Fixed{RatePerSecond: cfg.RatePerSecond}, nil
	case model.RateModelKinked:
		return Kinked{BaseRate: cfg.BaseRate, Slope1: cfg.Slope1, Slope2: cfg.Slope2, Kink: cfg.Kink}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, cfg.Kind)
	}
}

// Utilization is totalBorrowAssets / totalSupplyAssets in WAD, or zero when
// nothing is supplied.
func Utilization(m *model.Market) (*uint256.Int, error) {
	if m.TotalSupplyAssets.IsZero() {
		return new(uint256.Int), nil
	}
	return fixedpoint.WDiv(&m.TotalBorrowAssets, &m.TotalSupplyAssets, fixedpoint.Down)
}

// SupplyRate is the per-second rate earned by suppliers: borrowRate·u·(1-fee).
func SupplyRate(borrowRate, utilization, fee *uint256.Int) (*uint256.Int, error) {
	gross, err := fixedpoint.WMul(borrowRate, utilization, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	keep, err := fixedpoint.Sub(fixedpoint.WAD(), fee)
	if err != nil {
		return nil, fmt.Errorf("interest: fee above 100%%: %w", err)
	}
	return fixedpoint.WMul(gross, keep, fixedpoint.Down)
}

// AnnualFromPerSecond scales a per-second rate to its simple annual rate.
func AnnualFromPerSecond(rate *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(SecondsPerYear))
	if overflow {
		return nil, fixedpoint.ErrOverflow
	}
	return z, nil
}

// Accrual is the outcome of growing a market from its LastUpdate to a later
// time. It is computed without touching the market; Apply commits it.
type Accrual struct {
	Elapsed   uint64      `json:"elapsed_seconds"`
	Rate      uint256.Int `json:"rate_per_second"`
	Interest  uint256.Int `json:"interest"`
	FeeShares uint256.Int `json:"fee_shares"`
	Until     time.Time   `json:"until"`
}

// Accrue computes interest owed on m between m.LastUpdate and now:
//
//	interest = totalBorrowAssets · rate · elapsed / WAD   (rounded down)
//
// The full interest is added to both pools; the fee portion is minted as
// supply shares for the fee recipient. Only whole seconds accrue, so Until
// advances by Elapsed seconds and a second call at the same now yields zero.
func Accrue(m *model.Market, rm RateModel, now time.Time) (Accrual, error) {
	a := Accrual{Until: m.LastUpdate}
	if !now.After(m.LastUpdate) {
		return a, nil
	}
	a.Elapsed = uint64(now.Sub(m.LastUpdate) / time.Second)
	a.Until = m.LastUpdate.Add(time.Duration(a.Elapsed) * time.Second)
	if a.Elapsed == 0 || m.TotalBorrowAssets.IsZero() {
		return a, nil
	}

	util, err := Utilization(m)
	if err != nil {
		return Accrual{}, err
	}
	rate, err := rm.BorrowRatePerSecond(util)
	if err != nil {
		return Accrual{}, fmt.Errorf("interest: borrow rate: %w", err)
	}
	a.Rate = *rate

	growth, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(a.Elapsed))
	if overflow {
		return Accrual{}, fixedpoint.ErrOverflow
	}
	delta, err := fixedpoint.MulDivDown(&m.TotalBorrowAssets, growth, fixedpoint.WAD())
	if err != nil {
		return Accrual{}, err
	}
	a.Interest = *delta

	if m.Fee.IsZero() || delta.IsZero() {
		return a, nil
	}
	feeAmount, err := fixedpoint.WMul(delta, &m.Fee, fixedpoint.Down)
	if err != nil {
		return Accrual{}, err
	}
	// Priced against the post-interest pool excluding the fee itself, so the
	// recipient's new shares are worth feeAmount.
	supplyAfter, err := fixedpoint.Add(&m.TotalSupplyAssets, delta)
	if err != nil {
		return Accrual{}, err
	}
	base := new(uint256.Int).Sub(supplyAfter, feeAmount)
	if m.TotalSupplyShares.IsZero() || base.IsZero() {
		a.FeeShares = *feeAmount
		return a, nil
	}
	feeShares, err := fixedpoint.MulDivDown(feeAmount, &m.TotalSupplyShares, base)
	if err != nil {
		return Accrual{}, err
	}
	a.FeeShares = *feeShares
	return a, nil
}

// Apply commits a onto m's totals and advances LastUpdate. Crediting
// FeeShares to the recipient's position is the caller's job.
func (a Accrual) Apply(m *model.Market) error {
	borrow, err := fixedpoint.Add(&m.TotalBorrowAssets, &a.Interest)
	if err != nil {
		return err
	}
	supply, err := fixedpoint.Add(&m.TotalSupplyAssets, &a.Interest)
	if err != nil {
		return err
	}
	shares, err := fixedpoint.Add(&m.TotalSupplyShares, &a.FeeShares)
	if err != nil {
		return err
	}
	m.TotalBorrowAssets = *borrow
	m.TotalSupplyAssets = *supply
	m.TotalSupplyShares = *shares
	if a.Until.After(m.LastUpdate) {
		m.LastUpdate = a.Until
	}
	return nil
}
