// Package ledger tracks the supply and borrow pools of one market and the
// positions held in it.
//
// Every mutating operation first accrues interest up to the clock's current
// time, then validates all of its preconditions against the post-accrual
// state, and only then commits. A failed operation leaves the ledger exactly
// as it was, including the accrual.
//
// A Ledger is not safe for concurrent use. Callers serialize mutations per
// market and hand read-only evaluators a Clone.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/interest"
	"github.com/atmx/lending-ledger/internal/marketid"
	"github.com/atmx/lending-ledger/internal/model"
	"github.com/atmx/lending-ledger/internal/oracle"
)

var (
	ErrInvalidAmount          = errors.New("ledger: invalid amount")
	ErrInvalidAccount         = errors.New("ledger: invalid account")
	ErrMarketNotFound         = errors.New("ledger: market not found")
	ErrMarketExists           = errors.New("ledger: market already exists")
	ErrInsufficientLiquidity  = errors.New("ledger: insufficient liquidity")
	ErrInsufficientShares     = errors.New("ledger: insufficient shares")
	ErrInsufficientCollateral = errors.New("ledger: insufficient collateral")
)

// Ledger is the state of one market.
type Ledger struct {
	market    model.Market
	positions map[string]*model.Position
	rates     interest.RateModel
	clock     oracle.Clock
}

// Create initializes a market from params. fee is the WAD share of accrued
// interest minted to feeRecipient.
func Create(params model.MarketParams, fee *uint256.Int, feeRecipient string, clock oracle.Clock) (*Ledger, error) {
	if err := marketid.Validate(params); err != nil {
		return nil, err
	}
	if fee == nil {
		fee = new(uint256.Int)
	}
	if !fee.Lt(fixedpoint.WAD()) {
		return nil, fmt.Errorf("%w: fee %s must be below 1e18", marketid.ErrInvalidParams, fee.Dec())
	}
	feeRecipient = strings.TrimSpace(feeRecipient)
	if !fee.IsZero() && feeRecipient == "" {
		return nil, fmt.Errorf("%w: fee recipient required when fee is set", marketid.ErrInvalidParams)
	}
	rates, err := interest.FromConfig(params.RateModel)
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	return &Ledger{
		market: model.Market{
			ID:           marketid.Of(params),
			Params:       params,
			Fee:          *fee,
			FeeRecipient: feeRecipient,
			LastUpdate:   now,
			CreatedAt:    now,
		},
		positions: make(map[string]*model.Position),
		rates:     rates,
		clock:     clock,
	}, nil
}

// Restore rebuilds a ledger from a persisted snapshot. An uninitialized
// market yields a ledger on which every operation fails with
// ErrMarketNotFound.
func Restore(m model.Market, positions []model.Position, clock oracle.Clock) (*Ledger, error) {
	l := &Ledger{
		market:    m,
		positions: make(map[string]*model.Position, len(positions)),
		clock:     clock,
	}
	if m.Initialized() {
		rates, err := interest.FromConfig(m.Params.RateModel)
		if err != nil {
			return nil, err
		}
		l.rates = rates
	}
	for i := range positions {
		p := positions[i]
		p.MarketID = m.ID
		l.positions[p.Account] = &p
	}
	return l, nil
}

// WithRateModel replaces the rate model derived from the market params.
func (l *Ledger) WithRateModel(rm interest.RateModel) *Ledger {
	l.rates = rm
	return l
}

// SetRisk replaces the market's risk parameters. They are not part of the
// market key and carry no accounting effect inside the ledger.
func (l *Ledger) SetRisk(r model.RiskParams) {
	l.market.Risk = r
}

// ID returns the market key.
func (l *Ledger) ID() model.MarketID { return l.market.ID }

// Market returns a copy of the market state.
func (l *Ledger) Market() model.Market { return l.market }

// Position returns a copy of account's position. Unknown accounts yield an
// empty position.
func (l *Ledger) Position(account string) model.Position {
	if p, ok := l.positions[account]; ok {
		return *p
	}
	return model.Position{MarketID: l.market.ID, Account: account}
}

// Positions returns copies of all non-empty positions ordered by account.
func (l *Ledger) Positions() []model.Position {
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if !p.IsZero() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Clone returns an independent deep copy sharing the rate model and clock.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		market:    l.market,
		positions: make(map[string]*model.Position, len(l.positions)),
		rates:     l.rates,
		clock:     l.clock,
	}
	for k, p := range l.positions {
		cp := *p
		c.positions[k] = &cp
	}
	return c
}

// Apply runs fn against a copy of the ledger whose clock is frozen at the
// current time, and commits the copy only if fn succeeds. It composes several
// operations into one all-or-nothing unit.
func (l *Ledger) Apply(fn func(tx *Ledger) error) error {
	if err := l.ready(); err != nil {
		return err
	}
	tx := l.Clone()
	tx.clock = frozenClock(l.clock.Now())
	if err := fn(tx); err != nil {
		return err
	}
	l.market = tx.market
	l.positions = tx.positions
	return nil
}

type frozenClock time.Time

func (c frozenClock) Now() time.Time { return time.Time(c) }

// SharesToAssets converts shares of a pool at the current totals without
// accruing.
func (l *Ledger) SharesToAssets(shares *uint256.Int, pool model.Pool, r fixedpoint.Rounding) (*uint256.Int, error) {
	assets, total := l.market.Totals(pool)
	return ToAssets(shares, assets, total, r)
}

// AssetsToShares converts assets into shares of a pool at the current totals
// without accruing.
func (l *Ledger) AssetsToShares(assets *uint256.Int, pool model.Pool, r fixedpoint.Rounding) (*uint256.Int, error) {
	total, shares := l.market.Totals(pool)
	return ToShares(assets, total, shares, r)
}

// AccrueInterest brings the market up to the clock's current time.
func (l *Ledger) AccrueInterest() (interest.Accrual, error) {
	b, err := l.begin()
	if err != nil {
		return interest.Accrual{}, err
	}
	b.commit()
	return b.accrual, nil
}

// Supply deposits assets for account and returns the shares minted.
func (l *Ledger) Supply(account string, assets *uint256.Int) (*uint256.Int, error) {
	if err := l.validate(account, assets); err != nil {
		return nil, err
	}
	b, err := l.begin()
	if err != nil {
		return nil, err
	}
	m := &b.market
	shares, err := ToShares(assets, &m.TotalSupplyAssets, &m.TotalSupplyShares, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, fmt.Errorf("%w: %s assets mint no shares", ErrInvalidAmount, assets.Dec())
	}
	totalAssets, err := fixedpoint.Add(&m.TotalSupplyAssets, assets)
	if err != nil {
		return nil, err
	}
	totalShares, err := fixedpoint.Add(&m.TotalSupplyShares, shares)
	if err != nil {
		return nil, err
	}
	p := b.position(account)
	held, err := fixedpoint.Add(&p.SupplyShares, shares)
	if err != nil {
		return nil, err
	}

	m.TotalSupplyAssets, m.TotalSupplyShares, p.SupplyShares = *totalAssets, *totalShares, *held
	b.commit()
	return shares, nil
}

// Withdraw removes assets from account's supply and returns the shares
// burned. Shares are rounded up so a withdrawal never takes more than it pays
// for.
func (l *Ledger) Withdraw(account string, assets *uint256.Int) (*uint256.Int, error) {
	if err := l.validate(account, assets); err != nil {
		return nil, err
	}
	b, err := l.begin()
	if err != nil {
		return nil, err
	}
	m := &b.market
	if assets.Gt(m.Liquidity()) {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLiquidity, assets.Dec(), m.Liquidity().Dec())
	}
	shares, err := fixedpoint.MulDivUp(assets, &m.TotalSupplyShares, &m.TotalSupplyAssets)
	if err != nil {
		return nil, err
	}
	if err := b.burnSupply(account, shares, assets); err != nil {
		return nil, err
	}
	b.commit()
	return shares, nil
}

// WithdrawShares burns shares from account's supply and returns the assets
// paid out, rounded down.
func (l *Ledger) WithdrawShares(account string, shares *uint256.Int) (*uint256.Int, error) {
	if err := l.validate(account, shares); err != nil {
		return nil, err
	}
	b, err := l.begin()
	if err != nil {
		return nil, err
	}
	m := &b.market
	assets, err := ToAssets(shares, &m.TotalSupplyAssets, &m.TotalSupplyShares, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	if assets.Gt(m.Liquidity()) {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLiquidity, assets.Dec(), m.Liquidity().Dec())
	}
	if err := b.burnSupply(account, shares, assets); err != nil {
		return nil, err
	}
	b.commit()
	return assets, nil
}

// Borrow lends assets to account and returns the borrow shares minted,
// rounded up. Collateral sufficiency is checked by the caller.
func (l *Ledger) Borrow(account string, assets *uint256.Int) (*uint256.Int, error) {
	if err := l.validate(account, assets); err != nil {
		return nil, err
	}
	b, err := l.begin()
	if err != nil {
		return nil, err
	}
	m := &b.market
	if assets.Gt(m.Liquidity()) {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLiquidity, assets.Dec(), m.Liquidity().Dec())
	}
	shares, err := ToShares(assets, &m.TotalBorrowAssets, &m.TotalBorrowShares, fixedpoint.Up)
	if err != nil {
		return nil, err
	}
	totalShares, err := fixedpoint.Add(&m.TotalBorrowShares, shares)
	if err != nil {
		return nil, err
	}
	p := b.position(account)
	owed, err := fixedpoint.Add(&p.BorrowShares, shares)
	if err != nil {
		return nil, err
	}

	m.TotalBorrowAssets.Add(&m.TotalBorrowAssets, assets)
	m.TotalBorrowShares, p.BorrowShares = *totalShares, *owed
	b.commit()
	return shares, nil
}

// Repay pays down assets of account's debt and returns the shares burned,
// rounded down so a partial repayment is never over-credited.
func (l *Ledger) Repay(account string, assets *uint256.Int) (*uint256.Int, error) {
	if err := l.validate(account, assets); err != nil {
		return nil, err
	}
	b, err := l.begin()
	if err != nil {
		return nil, err
	}
	if err := b.owes(account); err != nil {
		return nil, err
	}
	m := &b.market
	shares, err := fixedpoint.MulDivDown(assets, &m.TotalBorrowShares, &m.TotalBorrowAssets)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, fmt.Errorf("%w: %s assets burn no shares", ErrInvalidAmount, assets.Dec())
	}
	if err := b.burnBorrow(account, shares, assets); err != nil {
		return nil, err
	}
	b.commit()
	return shares, nil
}

// RepayShares burns shares of account's debt and returns the assets owed for
// them, rounded up. Repaying all of a position's shares closes it exactly.
func (l *Ledger) RepayShares(account string, shares *uint256.Int) (*uint256.Int, error) {
	if err := l.validate(account, shares); err != nil {
		return nil, err
	}
	b, err := l.begin()
	if err != nil {
		return nil, err
	}
	if err := b.owes(account); err != nil {
		return nil, err
	}
	m := &b.market
	assets, err := ToAssets(shares, &m.TotalBorrowAssets, &m.TotalBorrowShares, fixedpoint.Up)
	if err != nil {
		return nil, err
	}
	if err := b.burnBorrow(account, shares, assets); err != nil {
		return nil, err
	}
	b.commit()
	return assets, nil
}

// SupplyCollateral credits collateral to account. Collateral earns nothing,
// so no accrual is needed.
func (l *Ledger) SupplyCollateral(account string, assets *uint256.Int) error {
	if err := l.validate(account, assets); err != nil {
		return err
	}
	p := l.Position(account)
	held, err := fixedpoint.Add(&p.Collateral, assets)
	if err != nil {
		return err
	}
	p.Collateral = *held
	l.positions[account] = &p
	return nil
}

// WithdrawCollateral returns collateral to account. Position health is the
// caller's concern.
func (l *Ledger) WithdrawCollateral(account string, assets *uint256.Int) error {
	if err := l.validate(account, assets); err != nil {
		return err
	}
	b, err := l.begin()
	if err != nil {
		return err
	}
	if err := b.takeCollateral(account, assets); err != nil {
		return err
	}
	b.commit()
	return nil
}

// SeizeCollateral removes collateral from account during a liquidation.
func (l *Ledger) SeizeCollateral(account string, assets *uint256.Int) error {
	if err := l.validate(account, assets); err != nil {
		return err
	}
	b, err := l.begin()
	if err != nil {
		return err
	}
	if err := b.takeCollateral(account, assets); err != nil {
		return err
	}
	b.commit()
	return nil
}

// RealizeBadDebt writes off the debt of an account that has no collateral
// left. The loss is taken from the supply pool and the account's borrow
// shares are burned. It returns the assets written off.
func (l *Ledger) RealizeBadDebt(account string) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	b, err := l.begin()
	if err != nil {
		return nil, err
	}
	p := b.position(account)
	if !p.Collateral.IsZero() || p.BorrowShares.IsZero() {
		return new(uint256.Int), nil
	}
	m := &b.market
	owed, err := ToAssets(&p.BorrowShares, &m.TotalBorrowAssets, &m.TotalBorrowShares, fixedpoint.Up)
	if err != nil {
		return nil, err
	}
	bad := fixedpoint.Min(owed, &m.TotalBorrowAssets)

	m.TotalBorrowAssets.Sub(&m.TotalBorrowAssets, bad)
	m.TotalSupplyAssets = *fixedpoint.ZeroFloorSub(&m.TotalSupplyAssets, bad)
	m.TotalBorrowShares = *fixedpoint.ZeroFloorSub(&m.TotalBorrowShares, &p.BorrowShares)
	p.BorrowShares.Clear()
	b.commit()
	return bad, nil
}

func (l *Ledger) ready() error {
	if l == nil || !l.market.Initialized() {
		return ErrMarketNotFound
	}
	return nil
}

func (l *Ledger) validate(account string, amount *uint256.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(account) == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return nil
}

// batch stages one operation: a post-accrual copy of the market plus copies
// of the positions it touches.
type batch struct {
	l       *Ledger
	market  model.Market
	touched map[string]*model.Position
	accrual interest.Accrual
}

func (l *Ledger) begin() (*batch, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	b := &batch{l: l, market: l.market, touched: make(map[string]*model.Position, 2)}
	if l.rates == nil {
		return nil, fmt.Errorf("%w: no rate model", interest.ErrUnknownModel)
	}
	a, err := interest.Accrue(&b.market, l.rates, l.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := a.Apply(&b.market); err != nil {
		return nil, err
	}
	if !a.FeeShares.IsZero() {
		p := b.position(b.market.FeeRecipient)
		held, err := fixedpoint.Add(&p.SupplyShares, &a.FeeShares)
		if err != nil {
			return nil, err
		}
		p.SupplyShares = *held
	}
	b.accrual = a
	return b, nil
}

func (b *batch) position(account string) *model.Position {
	if p, ok := b.touched[account]; ok {
		return p
	}
	p := b.l.Position(account)
	b.touched[account] = &p
	return &p
}

func (b *batch) burnSupply(account string, shares, assets *uint256.Int) error {
	p := b.position(account)
	if p.SupplyShares.Lt(shares) {
		return fmt.Errorf("%w: need %s supply shares, hold %s", ErrInsufficientShares, shares.Dec(), p.SupplyShares.Dec())
	}
	m := &b.market
	p.SupplyShares.Sub(&p.SupplyShares, shares)
	m.TotalSupplyShares = *fixedpoint.ZeroFloorSub(&m.TotalSupplyShares, shares)
	m.TotalSupplyAssets = *fixedpoint.ZeroFloorSub(&m.TotalSupplyAssets, assets)
	return nil
}

func (b *batch) owes(account string) error {
	if b.position(account).BorrowShares.IsZero() {
		return fmt.Errorf("%w: %s has no debt", ErrInsufficientShares, account)
	}
	return nil
}

func (b *batch) burnBorrow(account string, shares, assets *uint256.Int) error {
	p := b.position(account)
	if p.BorrowShares.Lt(shares) {
		return fmt.Errorf("%w: need %s borrow shares, hold %s", ErrInsufficientShares, shares.Dec(), p.BorrowShares.Dec())
	}
	m := &b.market
	p.BorrowShares.Sub(&p.BorrowShares, shares)
	m.TotalBorrowShares = *fixedpoint.ZeroFloorSub(&m.TotalBorrowShares, shares)
	m.TotalBorrowAssets = *fixedpoint.ZeroFloorSub(&m.TotalBorrowAssets, assets)
	return nil
}

func (b *batch) takeCollateral(account string, assets *uint256.Int) error {
	p := b.position(account)
	if p.Collateral.Lt(assets) {
		return fmt.Errorf("%w: requested %s, hold %s", ErrInsufficientCollateral, assets.Dec(), p.Collateral.Dec())
	}
	p.Collateral.Sub(&p.Collateral, assets)
	return nil
}

func (b *batch) commit() {
	b.l.market = b.market
	for account, p := range b.touched {
		b.l.positions[account] = p
	}
}
