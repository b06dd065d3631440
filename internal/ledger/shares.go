package ledger

import (
	"github.com/holiman/uint256"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
)

// ToShares converts assets into shares of a pool holding totalAssets for
// totalShares. An empty pool converts 1:1.
func ToShares(assets, totalAssets, totalShares *uint256.Int, r fixedpoint.Rounding) (*uint256.Int, error) {
	if totalShares.IsZero() {
		return new(uint256.Int).Set(assets), nil
	}
	return fixedpoint.MulDiv(assets, totalShares, totalAssets, r)
}

// ToAssets converts shares of a pool into assets. Shares against a pool with
// no shares outstanding is an invariant violation and fails with
// fixedpoint.ErrDivisionByZero.
func ToAssets(shares, totalAssets, totalShares *uint256.Int, r fixedpoint.Rounding) (*uint256.Int, error) {
	if shares.IsZero() {
		return new(uint256.Int), nil
	}
	return fixedpoint.MulDiv(shares, totalAssets, totalShares, r)
}
