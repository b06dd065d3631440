// Package lending wraps the ledger core in a service: a registry of markets
// with per-market locks, oracle feeds, persistence through store.Store,
// HTTP handlers and websocket broadcasts.
//
// Every mutation runs against a clone of the market's ledger under the
// market's write lock. The clone replaces the live ledger only after the
// resulting state and its ledger entry have been saved, so a failed
// operation or a failed write leaves nothing behind.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/lending-ledger/internal/caps"
	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/interest"
	"github.com/atmx/lending-ledger/internal/ledger"
	"github.com/atmx/lending-ledger/internal/liquidation"
	"github.com/atmx/lending-ledger/internal/marketid"
	"github.com/atmx/lending-ledger/internal/metrics"
	"github.com/atmx/lending-ledger/internal/model"
	"github.com/atmx/lending-ledger/internal/oracle"
	"github.com/atmx/lending-ledger/internal/position"
	"github.com/atmx/lending-ledger/internal/store"
)

// ErrUnhealthyPosition is returned when a borrow or collateral withdrawal
// would leave the position liquidatable.
var ErrUnhealthyPosition = errors.New("lending: position would be liquidatable")

// scanConcurrency bounds the goroutines evaluating positions in
// ScanLiquidatable.
const scanConcurrency = 8

// Options are the service-wide defaults. Markets created without explicit
// risk parameters inherit Policy and MaxUtilization.
type Options struct {
	Policy           liquidation.Policy
	MaxUtilization   uint256.Int
	MaxPriceAge      time.Duration
	RefreshAttempts  int
	RefreshPerSecond float64
	Clock            oracle.Clock
}

// DefaultOptions returns the defaults used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		Policy:           liquidation.DefaultPolicy(),
		MaxUtilization:   *fixedpoint.WAD(),
		MaxPriceAge:      time.Minute,
		RefreshAttempts:  3,
		RefreshPerSecond: 5,
		Clock:            oracle.SystemClock{},
	}
}

// market is the live state of one loaded market.
type market struct {
	mu      sync.RWMutex
	ledger  *ledger.Ledger
	feed    *oracle.Feed
	prices  *oracle.Refresher
	engine  *liquidation.Engine
	limiter *caps.Limiter
}

// Service applies ledger operations to the markets it manages.
type Service struct {
	store store.Store
	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
	opts  Options
	clock oracle.Clock

	mu      sync.RWMutex
	markets map[model.MarketID]*market
}

// NewService creates a lending service backed by st.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *WSHub, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = oracle.SystemClock{}
	}
	return &Service{
		store:   st,
		wsHub:   hub,
		opts:    opts,
		clock:   opts.Clock,
		markets: make(map[model.MarketID]*market),
	}
}

// CreateMarketRequest is the JSON body for market creation. Amounts and
// ratios are decimal strings; ratios are WAD.
type CreateMarketRequest struct {
	Params       model.MarketParams `json:"params"`
	Fee          uint256.Int        `json:"fee"`
	FeeRecipient string             `json:"fee_recipient"`
	Risk         *model.RiskParams  `json:"risk,omitempty"`
}

// OperationResult is returned by every ledger mutation: the entry recorded,
// the market totals after it and the affected position.
type OperationResult struct {
	Entry    model.LedgerEntry `json:"entry"`
	Market   model.Market      `json:"market"`
	Position position.Summary  `json:"position"`
}

// LiquidationResult extends OperationResult with the realized liquidation.
type LiquidationResult struct {
	OperationResult
	Liquidation liquidation.Result `json:"liquidation"`
}

// Quote is the risk view of one position at the current oracle price.
type Quote struct {
	Position     position.Summary       `json:"position"`
	Quote        model.LiquidationQuote `json:"quote"`
	HealthFactor string                 `json:"health_factor"` // "inf" without debt
	Price        uint256.Int            `json:"price"`
}

// --- Market registry ---

// CreateMarket initializes a market and persists it.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	l, err := ledger.Create(req.Params, &req.Fee, req.FeeRecipient, s.clock)
	if err != nil {
		return nil, err
	}
	l.SetRisk(s.risk(req.Risk))
	ms, err := s.newMarket(l)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := l.ID()
	if _, ok := s.markets[id]; ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrMarketExists, id)
	}
	m := l.Market()
	if err := s.store.CreateMarket(ctx, &m); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrMarketExists, id)
		}
		return nil, fmt.Errorf("create market %s: %w", id, err)
	}
	entry := s.newEntry(id, model.OpCreate, m.FeeRecipient)
	if err := s.store.SaveState(ctx, &m, nil, &entry); err != nil {
		return nil, fmt.Errorf("record market %s: %w", id, err)
	}
	s.markets[id] = ms
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"market", id,
		"loan_token", m.Params.LoanToken,
		"collateral_token", m.Params.CollateralToken,
		"lltv", m.Params.LLTV.Dec(),
		"rate_model", m.Params.RateModel.Kind,
	)
	s.broadcast(Event{Type: EventMarketCreated, MarketID: id, Timestamp: entry.Timestamp})
	return &m, nil
}

// risk fills unset fields of r from the service defaults.
func (s *Service) risk(r *model.RiskParams) model.RiskParams {
	var out model.RiskParams
	if r != nil {
		out = *r
	}
	if out.CloseFactor.IsZero() {
		out.CloseFactor = s.opts.Policy.CloseFactor
	}
	if out.Incentive.IsZero() {
		out.Incentive = s.opts.Policy.Incentive
	}
	if out.MaxUtilization.IsZero() {
		out.MaxUtilization = s.opts.MaxUtilization
	}
	return out
}

// newMarket wires the collaborators of a ledger from its risk parameters.
func (s *Service) newMarket(l *ledger.Ledger) (*market, error) {
	m := l.Market()
	engine, err := liquidation.NewEngine(liquidation.Policy{
		CloseFactor: m.Risk.CloseFactor,
		Incentive:   m.Risk.Incentive,
	})
	if err != nil {
		return nil, err
	}
	feed := oracle.NewFeed()
	return &market{
		ledger:  l,
		feed:    feed,
		prices:  oracle.NewRefresher(feed, s.clock, s.opts.MaxPriceAge, s.opts.RefreshAttempts, s.opts.RefreshPerSecond),
		engine:  engine,
		limiter: caps.NewLimiter(&m.Risk.SupplyCap, &m.Risk.BorrowCap, &m.Risk.MaxUtilization),
	}, nil
}

// market returns the loaded market for id, restoring it from the store on
// first use.
func (s *Service) market(ctx context.Context, raw string) (*market, error) {
	id, err := marketid.Parse(raw)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	ms, ok := s.markets[id]
	s.mu.RUnlock()
	if ok {
		return ms, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.markets[id]; ok {
		return ms, nil
	}

	m, err := s.store.GetMarket(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrMarketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", id, err)
	}
	positions, err := s.store.ListPositions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load positions of %s: %w", id, err)
	}
	l, err := ledger.Restore(*m, positions, s.clock)
	if err != nil {
		return nil, err
	}
	ms, err = s.newMarket(l)
	if err != nil {
		return nil, err
	}
	s.markets[id] = ms
	metrics.ActiveMarkets.Inc()
	slog.Info("market restored", "market", id, "positions", len(positions))
	return ms, nil
}

// Market returns the current state of a market without accruing.
func (s *Service) Market(ctx context.Context, id string) (*model.Market, error) {
	ms, err := s.market(ctx, id)
	if err != nil {
		return nil, err
	}
	ms.mu.RLock()
	m := ms.ledger.Market()
	ms.mu.RUnlock()
	return &m, nil
}

// ListMarkets returns every persisted market.
func (s *Service) ListMarkets(ctx context.Context) ([]model.Market, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// History returns the ledger entries of a market in order.
func (s *Service) History(ctx context.Context, id string) ([]model.LedgerEntry, error) {
	ms, err := s.market(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.GetLedgerEntriesByMarket(ctx, ms.id())
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

func (ms *market) id() model.MarketID {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.ledger.ID()
}

// --- Oracle ---

// PublishPrice pushes a raw reading into the market's feed after checking it
// against the market's token decimals. A zero timestamp means now.
func (s *Service) PublishPrice(ctx context.Context, id string, reading model.OracleReading) (oracle.CanonicalPrice, error) {
	ms, err := s.market(ctx, id)
	if err != nil {
		return oracle.CanonicalPrice{}, err
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = s.clock.Now()
	}

	ms.mu.RLock()
	m := ms.ledger.Market()
	ms.mu.RUnlock()

	price, err := oracle.ForMarket(reading, m.Params, s.clock.Now(), s.opts.MaxPriceAge)
	if err != nil {
		metrics.OracleRejections.WithLabelValues(reason(err)).Inc()
		slog.Warn("oracle reading rejected", "market", m.ID, "price", reading.Price.Dec(), "err", err)
		return oracle.CanonicalPrice{}, err
	}
	if err := ms.feed.Publish(reading); err != nil {
		return oracle.CanonicalPrice{}, err
	}

	slog.Info("price published", "market", m.ID, "price", price.Value.Dec(), "timestamp", reading.Timestamp)
	s.broadcast(Event{
		Type:      EventPricePublished,
		MarketID:  m.ID,
		Price:     price.Value.Dec(),
		Timestamp: reading.Timestamp,
	})
	return price, nil
}

// price reads a fresh canonical price for ms, re-fetching while the feed is
// stale.
func (s *Service) price(ctx context.Context, ms *market, params model.MarketParams) (oracle.CanonicalPrice, error) {
	reading, err := ms.prices.Fresh(ctx)
	if err != nil {
		metrics.OracleRejections.WithLabelValues(reason(err)).Inc()
		return oracle.CanonicalPrice{}, err
	}
	return oracle.ForMarket(reading, params, s.clock.Now(), s.opts.MaxPriceAge)
}

// --- Ledger operations ---

// Supply deposits assets for account.
func (s *Service) Supply(ctx context.Context, id, account string, assets *uint256.Int) (*OperationResult, error) {
	return s.mutate(ctx, id, model.OpSupply, func(ms *market, tx *ledger.Ledger, e *model.LedgerEntry) error {
		m := tx.Market()
		if err := ms.limiter.CheckSupply(&m, assets); err != nil {
			return err
		}
		shares, err := tx.Supply(account, assets)
		if err != nil {
			return err
		}
		e.Account, e.Assets, e.Shares = account, *assets, *shares
		return nil
	})
}

// Withdraw removes supply for account, either by assets or by shares.
// Exactly one of assets and shares must be set.
func (s *Service) Withdraw(ctx context.Context, id, account string, assets, shares *uint256.Int) (*OperationResult, error) {
	return s.mutate(ctx, id, model.OpWithdraw, func(ms *market, tx *ledger.Ledger, e *model.LedgerEntry) error {
		if err := exactlyOne(assets, shares); err != nil {
			return err
		}
		m := tx.Market()
		if shares != nil {
			paid, err := tx.SharesToAssets(shares, model.SupplyPool, fixedpoint.Down)
			if err != nil {
				return err
			}
			if err := ms.limiter.CheckWithdraw(&m, paid); err != nil {
				return err
			}
			paid, err = tx.WithdrawShares(account, shares)
			if err != nil {
				return err
			}
			e.Account, e.Assets, e.Shares = account, *paid, *shares
			return nil
		}
		if err := ms.limiter.CheckWithdraw(&m, assets); err != nil {
			return err
		}
		burned, err := tx.Withdraw(account, assets)
		if err != nil {
			return err
		}
		e.Account, e.Assets, e.Shares = account, *assets, *burned
		return nil
	})
}

// Borrow lends assets to account against its collateral. The position must
// remain healthy at the current price.
func (s *Service) Borrow(ctx context.Context, id, account string, assets *uint256.Int) (*OperationResult, error) {
	return s.mutateWithPrice(ctx, id, model.OpBorrow, func(ms *market, tx *ledger.Ledger, price oracle.CanonicalPrice, e *model.LedgerEntry) error {
		m := tx.Market()
		if err := ms.limiter.CheckBorrow(&m, assets); err != nil {
			return err
		}
		shares, err := tx.Borrow(account, assets)
		if err != nil {
			return err
		}
		if err := s.requireHealthy(ms, tx, account, price); err != nil {
			return err
		}
		e.Account, e.Assets, e.Shares = account, *assets, *shares
		return nil
	})
}

// Repay pays down account's debt, either by assets or by shares. Exactly one
// of assets and shares must be set.
func (s *Service) Repay(ctx context.Context, id, account string, assets, shares *uint256.Int) (*OperationResult, error) {
	return s.mutate(ctx, id, model.OpRepay, func(_ *market, tx *ledger.Ledger, e *model.LedgerEntry) error {
		if err := exactlyOne(assets, shares); err != nil {
			return err
		}
		if shares != nil {
			paid, err := tx.RepayShares(account, shares)
			if err != nil {
				return err
			}
			e.Account, e.Assets, e.Shares = account, *paid, *shares
			return nil
		}
		burned, err := tx.Repay(account, assets)
		if err != nil {
			return err
		}
		e.Account, e.Assets, e.Shares = account, *assets, *burned
		return nil
	})
}

// SupplyCollateral credits collateral to account.
func (s *Service) SupplyCollateral(ctx context.Context, id, account string, assets *uint256.Int) (*OperationResult, error) {
	return s.mutate(ctx, id, model.OpSupplyCollateral, func(_ *market, tx *ledger.Ledger, e *model.LedgerEntry) error {
		if err := tx.SupplyCollateral(account, assets); err != nil {
			return err
		}
		e.Account, e.Collateral = account, *assets
		return nil
	})
}

// WithdrawCollateral returns collateral to account. A position without debt
// needs no price; otherwise it must remain healthy at the current price.
func (s *Service) WithdrawCollateral(ctx context.Context, id, account string, assets *uint256.Int) (*OperationResult, error) {
	ms, err := s.market(ctx, id)
	if err != nil {
		return nil, err
	}
	ms.mu.RLock()
	p := ms.ledger.Position(account)
	params := ms.ledger.Market().Params
	ms.mu.RUnlock()

	var price oracle.CanonicalPrice
	priceErr := fmt.Errorf("%w: position took on debt, retry", oracle.ErrNoPrice)
	if !p.BorrowShares.IsZero() {
		if price, priceErr = s.price(ctx, ms, params); priceErr != nil {
			metrics.Rejections.WithLabelValues(string(model.OpWithdrawCollateral), reason(priceErr)).Inc()
			return nil, priceErr
		}
	}
	return s.mutate(ctx, id, model.OpWithdrawCollateral, func(ms *market, tx *ledger.Ledger, e *model.LedgerEntry) error {
		if err := withdrawCollateral(tx, account, assets, e); err != nil {
			return err
		}
		if p := tx.Position(account); p.BorrowShares.IsZero() {
			return nil
		}
		if priceErr != nil {
			return priceErr
		}
		return s.requireHealthy(ms, tx, account, price)
	})
}

func withdrawCollateral(tx *ledger.Ledger, account string, assets *uint256.Int, e *model.LedgerEntry) error {
	if err := tx.WithdrawCollateral(account, assets); err != nil {
		return err
	}
	e.Account, e.Collateral = account, *assets
	return nil
}

// Liquidate repays part of borrower's debt on behalf of liquidator and
// seizes the matching collateral.
func (s *Service) Liquidate(ctx context.Context, id, liquidator, borrower string, repay, seize *uint256.Int) (*LiquidationResult, error) {
	var realized liquidation.Result
	res, err := s.mutateWithPrice(ctx, id, model.OpLiquidate, func(ms *market, tx *ledger.Ledger, price oracle.CanonicalPrice, e *model.LedgerEntry) error {
		r, err := ms.engine.Liquidate(tx, borrower, repay, seize, price)
		if err != nil {
			return err
		}
		realized = r
		e.Account, e.Caller = borrower, liquidator
		e.Assets, e.Shares, e.Collateral = r.Repaid, r.RepaidShares, r.Seized
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Liquidations.WithLabelValues(string(res.Market.ID)).Inc()
	if !realized.BadDebt.IsZero() {
		metrics.BadDebt.WithLabelValues(string(res.Market.ID)).Add(amountFloat(&realized.BadDebt))
		slog.Warn("bad debt realized",
			"market", res.Market.ID,
			"borrower", borrower,
			"bad_debt", realized.BadDebt.Dec(),
		)
	}
	s.broadcast(Event{
		Type:              EventLiquidation,
		MarketID:          res.Market.ID,
		Op:                model.OpLiquidate,
		Account:           borrower,
		Assets:            realized.Repaid.Dec(),
		Shares:            realized.RepaidShares.Dec(),
		Collateral:        realized.Seized.Dec(),
		TotalSupplyAssets: res.Market.TotalSupplyAssets.Dec(),
		TotalBorrowAssets: res.Market.TotalBorrowAssets.Dec(),
		Timestamp:         res.Entry.Timestamp,
	})
	return &LiquidationResult{OperationResult: *res, Liquidation: realized}, nil
}

// Accrue brings a market's interest up to now and records the accrual.
func (s *Service) Accrue(ctx context.Context, id string) (*OperationResult, error) {
	return s.mutate(ctx, id, model.OpAccrue, func(_ *market, tx *ledger.Ledger, e *model.LedgerEntry) error {
		e.Account = tx.Market().FeeRecipient
		return nil
	})
}

// requireHealthy rejects the operation when account would be liquidatable
// on tx at price.
func (s *Service) requireHealthy(ms *market, tx *ledger.Ledger, account string, price oracle.CanonicalPrice) error {
	m := tx.Market()
	p := tx.Position(account)
	q, err := ms.engine.Evaluate(&p, &m, price)
	if err != nil {
		return err
	}
	if q.Liquidatable {
		return fmt.Errorf("%w: debt %s above max borrow %s", ErrUnhealthyPosition, q.Debt.Dec(), q.MaxBorrowValue.Dec())
	}
	return nil
}

type operation func(ms *market, tx *ledger.Ledger, e *model.LedgerEntry) error

type pricedOperation func(ms *market, tx *ledger.Ledger, price oracle.CanonicalPrice, e *model.LedgerEntry) error

// mutateWithPrice reads a fresh price before taking the market lock and
// hands it to fn.
func (s *Service) mutateWithPrice(ctx context.Context, id string, op model.Op, fn pricedOperation) (*OperationResult, error) {
	ms, err := s.market(ctx, id)
	if err != nil {
		return nil, err
	}
	ms.mu.RLock()
	params := ms.ledger.Market().Params
	ms.mu.RUnlock()

	price, err := s.price(ctx, ms, params)
	if err != nil {
		metrics.Rejections.WithLabelValues(string(op), reason(err)).Inc()
		return nil, err
	}
	return s.mutate(ctx, id, op, func(ms *market, tx *ledger.Ledger, e *model.LedgerEntry) error {
		return fn(ms, tx, price, e)
	})
}

// mutate runs fn on an accrued clone of the market's ledger, persists the
// result with its ledger entry and swaps the clone in.
func (s *Service) mutate(ctx context.Context, id string, op model.Op, fn operation) (*OperationResult, error) {
	start := time.Now()
	ms, err := s.market(ctx, id)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	tx := ms.ledger.Clone()
	entry := s.newEntry(tx.ID(), op, "")
	var accrued interest.Accrual
	if err := tx.Apply(func(inner *ledger.Ledger) error {
		a, err := inner.AccrueInterest()
		if err != nil {
			return err
		}
		accrued = a
		return fn(ms, inner, &entry)
	}); err != nil {
		metrics.Rejections.WithLabelValues(string(op), reason(err)).Inc()
		return nil, err
	}
	if op == model.OpAccrue {
		entry.Assets, entry.Shares = accrued.Interest, accrued.FeeShares
	}

	m := tx.Market()
	touched := []string{entry.Account}
	if m.FeeRecipient != "" && m.FeeRecipient != entry.Account {
		touched = append(touched, m.FeeRecipient)
	}
	positions := make([]model.Position, 0, len(touched))
	for _, account := range touched {
		if account != "" {
			positions = append(positions, tx.Position(account))
		}
	}
	if err := s.store.SaveState(ctx, &m, positions, &entry); err != nil {
		return nil, fmt.Errorf("save %s on %s: %w", op, m.ID, err)
	}
	ms.ledger = tx

	summary, err := position.Summarize(tx.Position(entry.Account), &m)
	if err != nil {
		return nil, err
	}

	metrics.OperationsTotal.WithLabelValues(string(op)).Inc()
	metrics.OperationLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if !accrued.Interest.IsZero() {
		metrics.AccruedInterest.WithLabelValues(string(m.ID)).Add(amountFloat(&accrued.Interest))
	}

	slog.Info("ledger operation",
		"entry", entry.ID,
		"market", m.ID,
		"account", entry.Account,
		"op", op,
		"assets", entry.Assets.Dec(),
		"shares", entry.Shares.Dec(),
		"collateral", entry.Collateral.Dec(),
		"total_supply_assets", m.TotalSupplyAssets.Dec(),
		"total_borrow_assets", m.TotalBorrowAssets.Dec(),
	)
	if op != model.OpLiquidate {
		s.broadcast(Event{
			Type:              EventOperation,
			MarketID:          m.ID,
			Op:                op,
			Account:           entry.Account,
			Assets:            entry.Assets.Dec(),
			Shares:            entry.Shares.Dec(),
			Collateral:        entry.Collateral.Dec(),
			TotalSupplyAssets: m.TotalSupplyAssets.Dec(),
			TotalBorrowAssets: m.TotalBorrowAssets.Dec(),
			Timestamp:         entry.Timestamp,
		})
	}

	return &OperationResult{Entry: entry, Market: m, Position: summary}, nil
}

func (s *Service) newEntry(id model.MarketID, op model.Op, account string) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        uuid.New().String(),
		MarketID:  id,
		Account:   account,
		Op:        op,
		Timestamp: s.clock.Now(),
	}
}

// --- Read-only views ---

// Position returns account's position in a market with balances accrued to
// now. Nothing is persisted.
func (s *Service) Position(ctx context.Context, id, account string) (*position.Summary, error) {
	ms, err := s.market(ctx, id)
	if err != nil {
		return nil, err
	}
	view, err := ms.snapshot()
	if err != nil {
		return nil, err
	}
	m := view.Market()
	summary, err := position.Summarize(view.Position(account), &m)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// Quote evaluates account's position at the current price with interest
// accrued to now.
func (s *Service) Quote(ctx context.Context, id, account string) (*Quote, error) {
	ms, err := s.market(ctx, id)
	if err != nil {
		return nil, err
	}
	view, err := ms.snapshot()
	if err != nil {
		return nil, err
	}
	m := view.Market()
	price, err := s.price(ctx, ms, m.Params)
	if err != nil {
		return nil, err
	}
	p := view.Position(account)
	q, err := ms.engine.Evaluate(&p, &m, price)
	if err != nil {
		return nil, err
	}
	summary, err := position.Summarize(p, &m)
	if err != nil {
		return nil, err
	}
	return &Quote{Position: summary, Quote: q, HealthFactor: healthString(q.HealthFactor), Price: price.Value}, nil
}

// PositionQuote pairs an account with its quote.
type PositionQuote struct {
	Account      string                 `json:"account"`
	Quote        model.LiquidationQuote `json:"quote"`
	HealthFactor string                 `json:"health_factor"`
}

// ScanLiquidatable evaluates every open position of a market concurrently
// against one consistent snapshot and returns the liquidatable ones ordered
// by account.
func (s *Service) ScanLiquidatable(ctx context.Context, id string) ([]PositionQuote, error) {
	ms, err := s.market(ctx, id)
	if err != nil {
		return nil, err
	}
	view, err := ms.snapshot()
	if err != nil {
		return nil, err
	}
	m := view.Market()
	price, err := s.price(ctx, ms, m.Params)
	if err != nil {
		return nil, err
	}

	positions := view.Positions()
	results := make([]*PositionQuote, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i := range positions {
		i := i
		p := &positions[i]
		if p.BorrowShares.IsZero() {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			q, err := ms.engine.Evaluate(p, &m, price)
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", p.Account, err)
			}
			if q.Liquidatable {
				results[i] = &PositionQuote{Account: p.Account, Quote: q, HealthFactor: healthString(q.HealthFactor)}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []PositionQuote{}
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// snapshot returns a clone of the market's ledger accrued to now.
func (ms *market) snapshot() (*ledger.Ledger, error) {
	ms.mu.RLock()
	view := ms.ledger.Clone()
	ms.mu.RUnlock()
	if _, err := view.AccrueInterest(); err != nil {
		return nil, err
	}
	return view, nil
}

// --- helpers ---

func (s *Service) broadcast(ev Event) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(ev)
	}
}

func exactlyOne(assets, shares *uint256.Int) error {
	if (assets == nil) == (shares == nil) {
		return fmt.Errorf("%w: exactly one of assets and shares is required", ledger.ErrInvalidAmount)
	}
	return nil
}

func healthString(h model.HealthFactor) string {
	d, ok := liquidation.HealthDecimal(h)
	if !ok {
		return "inf"
	}
	return d.String()
}

// amountFloat converts an amount for metrics only.
func amountFloat(x *uint256.Int) float64 {
	return fixedpoint.ToDecimal(x, 0).InexactFloat64()
}

// reason is a low-cardinality label for a rejection.
func reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAccount):
		return "invalid_request"
	case errors.Is(err, ledger.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, caps.ErrSupplyCapExceeded), errors.Is(err, caps.ErrBorrowCapExceeded),
		errors.Is(err, caps.ErrUtilizationCapExceeded):
		return "cap"
	case errors.Is(err, ErrUnhealthyPosition):
		return "unhealthy"
	case errors.Is(err, liquidation.ErrNotLiquidatable), errors.Is(err, liquidation.ErrExceedsMaxLiquidation):
		return "liquidation_bounds"
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrNoPrice):
		return "stale_price"
	case errors.Is(err, oracle.ErrInvalidPrice):
		return "invalid_price"
	default:
		return "other"
	}
}
