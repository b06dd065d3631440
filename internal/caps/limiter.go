// Package caps enforces market-wide exposure limits on top of the ledger's
// own liquidity checks.
//
// A market may cap its total supply, its total borrows, and the utilization
// (borrows over supply) that a borrow or withdrawal is allowed to leave
// behind. Utilization caps below 100% keep a liquidity buffer for suppliers
// exiting and for liquidations.
package caps

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/model"
)

var (
	// ErrSupplyCapExceeded is returned when a supply would push total supply
	// assets beyond the cap.
	ErrSupplyCapExceeded = errors.New("caps: supply cap exceeded")

	// ErrBorrowCapExceeded is returned when a borrow would push total borrow
	// assets beyond the cap.
	ErrBorrowCapExceeded = errors.New("caps: borrow cap exceeded")

	// ErrUtilizationCapExceeded is returned when a borrow or withdrawal would
	// leave utilization above the maximum.
	ErrUtilizationCapExceeded = errors.New("caps: utilization cap exceeded")
)

// Limiter holds the caps of one market. A zero cap means unlimited; a zero
// MaxUtilization means 100%.
type Limiter struct {
	// SupplyCap bounds TotalSupplyAssets, in loan-token units.
	SupplyCap uint256.Int

	// BorrowCap bounds TotalBorrowAssets, in loan-token units.
	BorrowCap uint256.Int

	// MaxUtilization bounds TotalBorrowAssets / TotalSupplyAssets (WAD).
	MaxUtilization uint256.Int
}

// NewLimiter creates a limiter. nil arguments mean unlimited.
func NewLimiter(supplyCap, borrowCap, maxUtilization *uint256.Int) *Limiter {
	l := &Limiter{}
	if supplyCap != nil {
		l.SupplyCap.Set(supplyCap)
	}
	if borrowCap != nil {
		l.BorrowCap.Set(borrowCap)
	}
	if maxUtilization != nil {
		l.MaxUtilization.Set(maxUtilization)
	}
	return l
}

// CheckSupply validates a supply of assets into m.
func (l *Limiter) CheckSupply(m *model.Market, assets *uint256.Int) error {
	if l == nil || l.SupplyCap.IsZero() {
		return nil
	}
	after, err := fixedpoint.Add(&m.TotalSupplyAssets, assets)
	if err != nil {
		return err
	}
	if after.Gt(&l.SupplyCap) {
		return ErrSupplyCapExceeded
	}
	return nil
}

// CheckBorrow validates a borrow of assets from m.
func (l *Limiter) CheckBorrow(m *model.Market, assets *uint256.Int) error {
	if l == nil {
		return nil
	}
	borrowed, err := fixedpoint.Add(&m.TotalBorrowAssets, assets)
	if err != nil {
		return err
	}
	if !l.BorrowCap.IsZero() && borrowed.Gt(&l.BorrowCap) {
		return ErrBorrowCapExceeded
	}
	return l.checkUtilization(borrowed, &m.TotalSupplyAssets)
}

// CheckWithdraw validates a withdrawal of assets from m's supply.
func (l *Limiter) CheckWithdraw(m *model.Market, assets *uint256.Int) error {
	if l == nil || m.TotalBorrowAssets.IsZero() {
		return nil
	}
	supplied := fixedpoint.ZeroFloorSub(&m.TotalSupplyAssets, assets)
	return l.checkUtilization(&m.TotalBorrowAssets, supplied)
}

// checkUtilization requires borrowed <= supplied·MaxUtilization, rounded
// down.
func (l *Limiter) checkUtilization(borrowed, supplied *uint256.Int) error {
	if l.MaxUtilization.IsZero() || !l.MaxUtilization.Lt(fixedpoint.WAD()) {
		return nil
	}
	if supplied.IsZero() {
		return ErrUtilizationCapExceeded
	}
	limit, err := fixedpoint.WMul(supplied, &l.MaxUtilization, fixedpoint.Down)
	if err != nil {
		return err
	}
	if borrowed.Gt(limit) {
		return ErrUtilizationCapExceeded
	}
	return nil
}
