package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/model"
	"github.com/atmx/lending-ledger/internal/oracle"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// testParams grows debt by 10% every 100 seconds.
func testParams() model.MarketParams {
	p := model.MarketParams{
		LoanToken:          "USDC",
		CollateralToken:    "WETH",
		Oracle:             "feed",
		LoanDecimals:       18,
		CollateralDecimals: 18,
	}
	p.RateModel.Kind = model.RateModelFixed
	p.RateModel.RatePerSecond.SetUint64(1_000_000_000_000_000)
	p.LLTV.Set(fixedpoint.MustParse("700000000000000000"))
	return p
}

func newLedger(t *testing.T) (*Ledger, *oracle.FixedClock) {
	t.Helper()
	clock := oracle.NewFixedClock(t0)
	l, err := Create(testParams(), nil, "", clock)
	require.NoError(t, err)
	return l, clock
}

// restored builds a ledger directly from pool totals.
func restored(t *testing.T, supplyAssets, supplyShares, borrowAssets, borrowShares uint64, positions ...model.Position) *Ledger {
	t.Helper()
	m := model.Market{ID: "m", Params: testParams(), LastUpdate: t0, CreatedAt: t0}
	m.TotalSupplyAssets.SetUint64(supplyAssets)
	m.TotalSupplyShares.SetUint64(supplyShares)
	m.TotalBorrowAssets.SetUint64(borrowAssets)
	m.TotalBorrowShares.SetUint64(borrowShares)
	l, err := Restore(m, positions, oracle.NewFixedClock(t0))
	require.NoError(t, err)
	return l
}

func pos(l *Ledger, account string) *model.Position {
	p := l.Position(account)
	return &p
}

func supplier(account string, shares uint64) model.Position {
	p := model.Position{Account: account}
	p.SupplyShares.SetUint64(shares)
	return p
}

func borrower(account string, shares, collateral uint64) model.Position {
	p := model.Position{Account: account}
	p.BorrowShares.SetUint64(shares)
	p.Collateral.SetUint64(collateral)
	return p
}

func TestCreate(t *testing.T) {
	l, _ := newLedger(t)
	m := l.Market()
	require.True(t, m.Initialized())
	require.Equal(t, t0, m.LastUpdate)
	require.Len(t, string(m.ID), 64)

	fee := fixedpoint.MustParse("100000000000000000")
	_, err := Create(testParams(), fee, "", oracle.NewFixedClock(t0))
	require.Error(t, err)

	bad := testParams()
	bad.LLTV.Set(fixedpoint.WAD())
	_, err = Create(bad, nil, "", oracle.NewFixedClock(t0))
	require.Error(t, err)
}

func TestUninitializedMarket(t *testing.T) {
	l, err := Restore(model.Market{}, nil, oracle.NewFixedClock(t0))
	require.NoError(t, err)

	_, err = l.Supply("alice", u(1))
	require.ErrorIs(t, err, ErrMarketNotFound)
	_, err = l.AccrueInterest()
	require.ErrorIs(t, err, ErrMarketNotFound)
	require.ErrorIs(t, l.SupplyCollateral("alice", u(1)), ErrMarketNotFound)

	var missing *Ledger
	_, err = missing.Borrow("alice", u(1))
	require.ErrorIs(t, err, ErrMarketNotFound)
}

func TestInvalidRequests(t *testing.T) {
	l, _ := newLedger(t)

	ops := map[string]func() error{
		"supply":   func() error { _, err := l.Supply("alice", u(0)); return err },
		"withdraw": func() error { _, err := l.Withdraw("alice", new(uint256.Int)); return err },
		"borrow":   func() error { _, err := l.Borrow("alice", nil); return err },
		"repay":    func() error { _, err := l.Repay("alice", u(0)); return err },
		"shares":   func() error { _, err := l.WithdrawShares("alice", u(0)); return err },
		"collat":   func() error { return l.SupplyCollateral("alice", u(0)) },
	}
	for name, op := range ops {
		require.ErrorIs(t, op(), ErrInvalidAmount, name)
	}

	_, err := l.Supply(" ", u(10))
	require.ErrorIs(t, err, ErrInvalidAccount)
}

func TestShareRoundTrip(t *testing.T) {
	amounts := []*uint256.Int{
		u(1),
		u(333),
		u(1_000_000),
		fixedpoint.MustParse("123456789012345678901234567890"),
	}
	for _, assets := range amounts {
		l, _ := newLedger(t)
		shares, err := l.Supply("alice", assets)
		require.NoError(t, err)
		require.Equal(t, assets, shares, "first deposit is 1:1")

		back, err := l.SharesToAssets(shares, model.SupplyPool, fixedpoint.Down)
		require.NoError(t, err)
		require.Equal(t, assets, back)

		again, err := l.AssetsToShares(back, model.SupplyPool, fixedpoint.Up)
		require.NoError(t, err)
		require.Equal(t, shares, again)
	}
}

func TestConservation(t *testing.T) {
	l, _ := newLedger(t)
	var expected uint64

	steps := []struct {
		account string
		supply  bool
		amount  uint64
	}{
		{"alice", true, 1000},
		{"bob", true, 333},
		{"carol", true, 7},
		{"alice", false, 250},
		{"bob", true, 1},
		{"bob", false, 100},
		{"carol", false, 7},
	}
	for _, s := range steps {
		if s.supply {
			_, err := l.Supply(s.account, u(s.amount))
			require.NoError(t, err)
			expected += s.amount
		} else {
			_, err := l.Withdraw(s.account, u(s.amount))
			require.NoError(t, err)
			expected -= s.amount
		}
		m := l.Market()
		require.Equal(t, expected, m.TotalSupplyAssets.Uint64())
	}

	// Share totals match the sum over positions.
	var sum uint256.Int
	for _, p := range l.Positions() {
		sum.Add(&sum, &p.SupplyShares)
	}
	m := l.Market()
	require.Equal(t, &m.TotalSupplyShares, &sum)
}

func TestRoundingSafety(t *testing.T) {
	l := restored(t, 333, 100, 0, 0, supplier("seed", 100))

	shares, err := l.Supply("alice", u(100))
	require.NoError(t, err)
	require.Equal(t, uint64(30), shares.Uint64())

	burned, err := l.Withdraw("alice", u(30))
	require.NoError(t, err)
	require.True(t, burned.Cmp(u(30)) <= 0)

	p := l.Position("alice")
	require.Equal(t, 30-burned.Uint64(), p.SupplyShares.Uint64())
}

func TestWithdraw_Liquidity(t *testing.T) {
	l := restored(t, 1000, 1000, 900, 900, supplier("alice", 1000), borrower("bob", 900, 5000))

	_, err := l.Withdraw("alice", u(150))
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	_, err = l.Withdraw("alice", u(100))
	require.NoError(t, err)

	m := l.Market()
	require.Equal(t, uint64(900), m.TotalSupplyAssets.Uint64())
	require.True(t, m.Liquidity().IsZero())
}

func TestWithdraw_InsufficientShares(t *testing.T) {
	l := restored(t, 1000, 1000, 0, 0, supplier("alice", 10), supplier("bob", 990))
	_, err := l.Withdraw("alice", u(11))
	require.ErrorIs(t, err, ErrInsufficientShares)

	_, err = l.WithdrawShares("alice", u(11))
	require.ErrorIs(t, err, ErrInsufficientShares)

	assets, err := l.WithdrawShares("alice", u(10))
	require.NoError(t, err)
	require.Equal(t, uint64(10), assets.Uint64())
}

func TestBorrow_RoundsSharesUp(t *testing.T) {
	l := restored(t, 10_000, 10_000, 550, 500, borrower("bob", 500, 10_000))

	shares, err := l.Borrow("bob", u(11))
	require.NoError(t, err)
	require.Equal(t, uint64(10), shares.Uint64())

	shares, err = l.Borrow("carol", u(12))
	require.NoError(t, err)
	require.Equal(t, uint64(11), shares.Uint64()) // 10.9 -> 11

	_, err = l.Borrow("carol", u(100_000))
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestRepay(t *testing.T) {
	l := restored(t, 10_000, 10_000, 550, 500, borrower("bob", 500, 10_000))

	shares, err := l.Repay("bob", u(12))
	require.NoError(t, err)
	require.Equal(t, uint64(10), shares.Uint64()) // 10.9 -> 10

	_, err = l.Repay("bob", u(1_000))
	require.ErrorIs(t, err, ErrInsufficientShares)

	_, err = l.Repay("carol", u(10))
	require.ErrorIs(t, err, ErrInsufficientShares)

	_, err = l.Repay("bob", u(1))
	require.ErrorIs(t, err, ErrInvalidAmount)

	// Closing by shares leaves nothing behind.
	p := l.Position("bob")
	assets, err := l.RepayShares("bob", &p.BorrowShares)
	require.NoError(t, err)
	require.Equal(t, uint64(538), assets.Uint64())

	m := l.Market()
	require.True(t, m.TotalBorrowShares.IsZero())
	require.True(t, m.TotalBorrowAssets.IsZero())
	require.True(t, pos(l, "bob").BorrowShares.IsZero())
}

func TestCollateral(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.SupplyCollateral("bob", u(1000)))
	require.ErrorIs(t, l.WithdrawCollateral("bob", u(1001)), ErrInsufficientCollateral)
	require.NoError(t, l.WithdrawCollateral("bob", u(400)))
	require.NoError(t, l.SeizeCollateral("bob", u(100)))

	p := l.Position("bob")
	require.Equal(t, uint64(500), p.Collateral.Uint64())

	m := l.Market()
	require.True(t, m.TotalSupplyAssets.IsZero(), "collateral is never pooled")
}

func TestAccrualBeforeOperation(t *testing.T) {
	l, clock := newLedger(t)

	_, err := l.Supply("alice", u(1000))
	require.NoError(t, err)
	require.NoError(t, l.SupplyCollateral("bob", u(1000)))
	shares, err := l.Borrow("bob", u(500))
	require.NoError(t, err)
	require.Equal(t, uint64(500), shares.Uint64())

	clock.Advance(100 * time.Second)
	a, err := l.AccrueInterest()
	require.NoError(t, err)
	require.Equal(t, uint64(50), a.Interest.Uint64())

	m := l.Market()
	require.Equal(t, uint64(550), m.TotalBorrowAssets.Uint64())
	require.Equal(t, uint64(500), m.TotalBorrowShares.Uint64())
	require.Equal(t, uint64(1050), m.TotalSupplyAssets.Uint64())

	p := l.Position("bob")
	debt, err := l.SharesToAssets(&p.BorrowShares, model.BorrowPool, fixedpoint.Up)
	require.NoError(t, err)
	require.Equal(t, uint64(550), debt.Uint64())

	// Same timestamp: nothing more accrues.
	a, err = l.AccrueInterest()
	require.NoError(t, err)
	require.True(t, a.Interest.IsZero())
}

func TestFailedOperationDoesNotAccrue(t *testing.T) {
	l, clock := newLedger(t)
	_, err := l.Supply("alice", u(1000))
	require.NoError(t, err)
	require.NoError(t, l.SupplyCollateral("bob", u(1000)))
	_, err = l.Borrow("bob", u(500))
	require.NoError(t, err)

	before := l.Market()
	clock.Advance(time.Hour)
	_, err = l.Withdraw("alice", u(10_000))
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
	require.Equal(t, before, l.Market())
}

func TestFeeRecipientEarnsShares(t *testing.T) {
	clock := oracle.NewFixedClock(t0)
	l, err := Create(testParams(), fixedpoint.MustParse("100000000000000000"), "treasury", clock)
	require.NoError(t, err)

	_, err = l.Supply("alice", u(1000))
	require.NoError(t, err)
	_, err = l.Borrow("bob", u(500))
	require.NoError(t, err)

	clock.Advance(100 * time.Second)
	_, err = l.AccrueInterest()
	require.NoError(t, err)

	fees := l.Position("treasury")
	require.Equal(t, uint64(4), fees.SupplyShares.Uint64())
	m := l.Market()
	require.Equal(t, uint64(1004), m.TotalSupplyShares.Uint64())
	require.False(t, m.TotalBorrowAssets.Gt(&m.TotalSupplyAssets))
}

func TestApply(t *testing.T) {
	l := restored(t, 10_000, 10_000, 550, 500, borrower("bob", 500, 1000))
	before := l.Market()

	boom := errors.New("boom")
	err := l.Apply(func(tx *Ledger) error {
		if err := tx.SeizeCollateral("bob", u(400)); err != nil {
			return err
		}
		if _, err := tx.Repay("bob", u(110)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, before, l.Market())
	require.Equal(t, uint64(1000), pos(l, "bob").Collateral.Uint64())

	err = l.Apply(func(tx *Ledger) error {
		if err := tx.SeizeCollateral("bob", u(400)); err != nil {
			return err
		}
		_, err := tx.Repay("bob", u(110))
		return err
	})
	require.NoError(t, err)
	p := l.Position("bob")
	require.Equal(t, uint64(600), p.Collateral.Uint64())
	require.Equal(t, uint64(400), p.BorrowShares.Uint64())
}

func TestRealizeBadDebt(t *testing.T) {
	l := restored(t, 1000, 1000, 550, 500, supplier("alice", 1000), borrower("bob", 500, 0))

	bad, err := l.RealizeBadDebt("bob")
	require.NoError(t, err)
	require.Equal(t, uint64(550), bad.Uint64())

	m := l.Market()
	require.True(t, m.TotalBorrowAssets.IsZero())
	require.True(t, m.TotalBorrowShares.IsZero())
	require.Equal(t, uint64(450), m.TotalSupplyAssets.Uint64())
	require.True(t, pos(l, "bob").BorrowShares.IsZero())

	// Positions with collateral are left alone.
	l = restored(t, 1000, 1000, 550, 500, borrower("bob", 500, 1))
	bad, err = l.RealizeBadDebt("bob")
	require.NoError(t, err)
	require.True(t, bad.IsZero())
}

func TestCloneIsIndependent(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Supply("alice", u(1000))
	require.NoError(t, err)

	c := l.Clone()
	_, err = c.Supply("alice", u(1000))
	require.NoError(t, err)

	m := l.Market()
	require.Equal(t, uint64(1000), m.TotalSupplyAssets.Uint64())
	require.Equal(t, uint64(1000), pos(l, "alice").SupplyShares.Uint64())
}

func TestConversions_EmptyPool(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.SharesToAssets(u(1), model.BorrowPool, fixedpoint.Up)
	require.ErrorIs(t, err, fixedpoint.ErrDivisionByZero)

	assets, err := l.SharesToAssets(u(0), model.BorrowPool, fixedpoint.Up)
	require.NoError(t, err)
	require.True(t, assets.IsZero())
}
