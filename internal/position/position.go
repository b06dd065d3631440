// Package position derives asset-denominated balances of an account from its
// shares and the pool totals of its market.
package position

import (
	"github.com/holiman/uint256"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/ledger"
	"github.com/atmx/lending-ledger/internal/model"
)

// CurrentDebt is the assets owed for p's borrow shares, rounded up so debt is
// never understated.
func CurrentDebt(p *model.Position, m *model.Market) (*uint256.Int, error) {
	return ledger.ToAssets(&p.BorrowShares, &m.TotalBorrowAssets, &m.TotalBorrowShares, fixedpoint.Up)
}

// CurrentSupply is the assets redeemable for p's supply shares, rounded down.
func CurrentSupply(p *model.Position, m *model.Market) (*uint256.Int, error) {
	return ledger.ToAssets(&p.SupplyShares, &m.TotalSupplyAssets, &m.TotalSupplyShares, fixedpoint.Down)
}

// HasOpenPosition reports whether p carries debt or collateral.
func HasOpenPosition(p *model.Position) bool {
	return !p.BorrowShares.IsZero() || !p.Collateral.IsZero()
}

// Summary is a position together with its derived balances, all taken from
// the same market state.
type Summary struct {
	Position model.Position `json:"position"`
	Debt     uint256.Int    `json:"debt"`
	Supply   uint256.Int    `json:"supply"`
	Open     bool           `json:"open"`
}

// Summarize derives the balances of p against m.
func Summarize(p model.Position, m *model.Market) (Summary, error) {
	debt, err := CurrentDebt(&p, m)
	if err != nil {
		return Summary{}, err
	}
	supply, err := CurrentSupply(&p, m)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Position: p,
		Debt:     *debt,
		Supply:   *supply,
		Open:     HasOpenPosition(&p),
	}, nil
}
