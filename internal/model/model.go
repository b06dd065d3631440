// Package model defines the core domain types shared across the ledger.
// All amounts are unsigned 256-bit integers in smallest token units and all
// ratios are WAD (10^18) fixed point. Money never passes through float64.
package model

import (
	"time"

	"github.com/holiman/uint256"
)

// MarketID is the opaque market key: the hex blake3 hash of the market's
// immutable parameters (see package marketid).
type MarketID string

// Pool selects one of the two share pools of a market.
type Pool uint8

const (
	SupplyPool Pool = iota
	BorrowPool
)

func (p Pool) String() string {
	if p == BorrowPool {
		return "borrow"
	}
	return "supply"
}

// Rate model kinds.
const (
	RateModelFixed  = "fixed"
	RateModelKinked = "kinked"
)

// RateModelConfig describes the interest rate model a market is bound to.
// Fixed models use RatePerSecond; kinked models use annual WAD rates.
type RateModelConfig struct {
	Kind          string      `json:"kind"`
	RatePerSecond uint256.Int `json:"rate_per_second"`
	BaseRate      uint256.Int `json:"base_rate"`
	Slope1        uint256.Int `json:"slope1"`
	Slope2        uint256.Int `json:"slope2"`
	Kink          uint256.Int `json:"kink"`
}

// MarketParams are fixed at market creation and hashed into the MarketID.
type MarketParams struct {
	LoanToken          string          `json:"loan_token"`
	CollateralToken    string          `json:"collateral_token"`
	Oracle             string          `json:"oracle"`
	RateModel          RateModelConfig `json:"rate_model"`
	LLTV               uint256.Int     `json:"lltv"` // WAD, in [0, 1)
	LoanDecimals       uint8           `json:"loan_decimals"`
	CollateralDecimals uint8           `json:"collateral_decimals"`
}

// RiskParams is the mutable risk configuration of a market. Ratios are WAD;
// zero caps mean unlimited.
type RiskParams struct {
	CloseFactor    uint256.Int `json:"close_factor"`
	Incentive      uint256.Int `json:"incentive"`
	SupplyCap      uint256.Int `json:"supply_cap"`
	BorrowCap      uint256.Int `json:"borrow_cap"`
	MaxUtilization uint256.Int `json:"max_utilization"`
}

// Market is the accounting state of one lending market.
//
// Invariant: TotalBorrowAssets <= TotalSupplyAssets after every accrual.
type Market struct {
	ID                MarketID     `json:"id"`
	Params            MarketParams `json:"params"`
	Risk              RiskParams   `json:"risk"`
	TotalSupplyAssets uint256.Int  `json:"total_supply_assets"`
	TotalSupplyShares uint256.Int  `json:"total_supply_shares"`
	TotalBorrowAssets uint256.Int  `json:"total_borrow_assets"`
	TotalBorrowShares uint256.Int  `json:"total_borrow_shares"`
	Fee               uint256.Int  `json:"fee"` // WAD share of accrued interest
	FeeRecipient      string       `json:"fee_recipient"`
	LastUpdate        time.Time    `json:"last_update"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Initialized reports whether the market has been created. Operations
// against an uninitialized market fail with ledger.ErrMarketNotFound.
func (m *Market) Initialized() bool {
	return m != nil && !m.LastUpdate.IsZero()
}

// Totals returns the assets and shares of the selected pool.
func (m *Market) Totals(p Pool) (assets, shares *uint256.Int) {
	if p == BorrowPool {
		return &m.TotalBorrowAssets, &m.TotalBorrowShares
	}
	return &m.TotalSupplyAssets, &m.TotalSupplyShares
}

// Liquidity is the supply not currently lent out.
func (m *Market) Liquidity() *uint256.Int {
	if m.TotalSupplyAssets.Lt(&m.TotalBorrowAssets) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&m.TotalSupplyAssets, &m.TotalBorrowAssets)
}

// Position is one account's stake in one market. Collateral is held 1:1 per
// account in collateral-token units; it is never pooled.
type Position struct {
	MarketID     MarketID    `json:"market_id"`
	Account      string      `json:"account"`
	SupplyShares uint256.Int `json:"supply_shares"`
	BorrowShares uint256.Int `json:"borrow_shares"`
	Collateral   uint256.Int `json:"collateral"`
}

// Shares returns the position's shares in the selected pool.
func (p *Position) Shares(pool Pool) *uint256.Int {
	if pool == BorrowPool {
		return &p.BorrowShares
	}
	return &p.SupplyShares
}

// IsZero reports whether the position holds nothing at all.
func (p *Position) IsZero() bool {
	return p.SupplyShares.IsZero() && p.BorrowShares.IsZero() && p.Collateral.IsZero()
}

// OracleReading is a raw price as published by a price source. Price is the
// value of one whole collateral token in whole loan tokens, carrying
// FeedDecimals fractional digits. QuoteDecimals and BaseDecimals are the
// loan- and collateral-token decimals the feed is quoted for.
type OracleReading struct {
	Price         uint256.Int `json:"price"`
	FeedDecimals  uint8       `json:"feed_decimals"`
	QuoteDecimals uint8       `json:"quote_decimals"`
	BaseDecimals  uint8       `json:"base_decimals"`
	Timestamp     time.Time   `json:"timestamp"`
}

// HealthFactor is the exact ratio MaxBorrowValue / Debt. A position without
// debt has an infinite health factor.
type HealthFactor struct {
	Numerator   uint256.Int `json:"numerator"`
	Denominator uint256.Int `json:"denominator"`
}

// Infinite reports whether the position carries no debt.
func (h HealthFactor) Infinite() bool {
	return h.Denominator.IsZero()
}

// LiquidationQuote is the derived risk view of one position at one price.
// It is recomputed per call and never persisted.
type LiquidationQuote struct {
	Debt            uint256.Int  `json:"debt"`
	CollateralValue uint256.Int  `json:"collateral_value"`
	MaxBorrowValue  uint256.Int  `json:"max_borrow_value"`
	HealthFactor    HealthFactor `json:"health_factor"`
	Liquidatable    bool         `json:"liquidatable"`
	MaxRepay        uint256.Int  `json:"max_repay"`
	MaxSeize        uint256.Int  `json:"max_seize"`
	Incentive       uint256.Int  `json:"incentive"` // WAD, >= 1
}

// Op names a ledger operation.
type Op string

const (
	OpCreate             Op = "create"
	OpAccrue             Op = "accrue"
	OpSupply             Op = "supply"
	OpWithdraw           Op = "withdraw"
	OpBorrow             Op = "borrow"
	OpRepay              Op = "repay"
	OpSupplyCollateral   Op = "supply_collateral"
	OpWithdrawCollateral Op = "withdraw_collateral"
	OpLiquidate          Op = "liquidate"
)

// LedgerEntry is an immutable record of one applied ledger operation.
// Once created, entries are never modified or deleted.
type LedgerEntry struct {
	ID         string      `json:"id" db:"id"`
	MarketID   MarketID    `json:"market_id" db:"market_id"`
	Account    string      `json:"account" db:"account"`
	Op         Op          `json:"op" db:"op"`
	Assets     uint256.Int `json:"assets" db:"assets"`
	Shares     uint256.Int `json:"shares" db:"shares"`
	Collateral uint256.Int `json:"collateral" db:"collateral"` // seized or moved collateral
	Caller     string      `json:"caller,omitempty" db:"caller"`
	Timestamp  time.Time   `json:"timestamp" db:"timestamp"`
}
