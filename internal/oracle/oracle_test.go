package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func reading(price uint64, feed, quote, base uint8, ts time.Time) model.OracleReading {
	r := model.OracleReading{FeedDecimals: feed, QuoteDecimals: quote, BaseDecimals: base, Timestamp: ts}
	r.Price.SetUint64(price)
	return r
}

func TestNormalize_MixedDecimals(t *testing.T) {
	// ETH at 2000 USDC from an 8-decimal feed.
	p, err := Normalize(uint256.NewInt(2000_0000_0000), 8, 6, 18)
	require.NoError(t, err)
	require.Equal(t, 24, p.Decimals())
	require.Equal(t, "2000000000000000000000000000", p.Value.Dec())

	loan, err := ToLoanAssets(fixedpoint.MustParse("1000000000000000000"), p)
	require.NoError(t, err)
	require.Equal(t, uint64(2000_000_000), loan.Uint64())

	coll, err := ToCollateralAmount(uint256.NewInt(2000_000_000), p)
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", coll.Dec())
}

func TestNormalize_OneToOne(t *testing.T) {
	p, err := Normalize(uint256.NewInt(1), 0, 18, 18)
	require.NoError(t, err)
	require.Equal(t, fixedpoint.Pow10(36), &p.Value)

	loan, err := ToLoanAssets(uint256.NewInt(1000), p)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), loan.Uint64())
}

func TestNormalize_InvalidPrice(t *testing.T) {
	_, err := Normalize(new(uint256.Int), 8, 6, 18)
	require.ErrorIs(t, err, ErrInvalidPrice)

	_, err = Normalize(nil, 8, 6, 18)
	require.ErrorIs(t, err, ErrInvalidPrice)

	// 36+0-18 = 18 target digits; a 30-digit feed price of 1 vanishes.
	_, err = Normalize(uint256.NewInt(1), 30, 0, 18)
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestConversions_RoundDown(t *testing.T) {
	// 1 collateral unit = 1.5 loan units.
	p, err := Normalize(uint256.NewInt(15), 1, 18, 18)
	require.NoError(t, err)

	loan, err := ToLoanAssets(uint256.NewInt(3), p)
	require.NoError(t, err)
	require.Equal(t, uint64(4), loan.Uint64()) // 4.5 -> 4

	coll, err := ToCollateralAmount(uint256.NewInt(5), p)
	require.NoError(t, err)
	require.Equal(t, uint64(3), coll.Uint64()) // 3.33 -> 3
}

func TestCheckFresh(t *testing.T) {
	tests := []struct {
		name    string
		ts      time.Time
		maxAge  time.Duration
		wantErr bool
	}{
		{"within bound", t0.Add(-30 * time.Second), time.Minute, false},
		{"at bound", t0.Add(-time.Minute), time.Minute, false},
		{"past bound", t0.Add(-61 * time.Second), time.Minute, true},
		{"disabled", t0.Add(-24 * time.Hour), 0, false},
		{"future", t0.Add(time.Hour), time.Minute, false},
		{"missing timestamp", time.Time{}, time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFresh(tt.ts, t0, tt.maxAge)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrStalePrice)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestForMarket(t *testing.T) {
	params := model.MarketParams{LoanDecimals: 6, CollateralDecimals: 18}

	_, err := ForMarket(reading(2000, 0, 6, 18, t0), params, t0, time.Minute)
	require.NoError(t, err)

	_, err = ForMarket(reading(2000, 0, 18, 18, t0), params, t0, time.Minute)
	require.ErrorIs(t, err, ErrInvalidPrice)

	_, err = ForMarket(reading(2000, 0, 6, 18, t0.Add(-time.Hour)), params, t0, time.Minute)
	require.ErrorIs(t, err, ErrStalePrice)

	_, err = ForMarket(reading(0, 0, 6, 18, t0), params, t0, time.Minute)
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestFeed(t *testing.T) {
	f := NewFeed()
	_, err := f.Latest(context.Background())
	require.ErrorIs(t, err, ErrNoPrice)

	require.ErrorIs(t, f.Publish(reading(0, 0, 6, 18, t0)), ErrInvalidPrice)
	require.NoError(t, f.Publish(reading(42, 0, 6, 18, t0)))

	r, err := f.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), r.Price.Uint64())
}

// sequenceSource serves readings in order, repeating the last.
type sequenceSource struct {
	readings []model.OracleReading
	calls    int
}

func (s *sequenceSource) Latest(context.Context) (model.OracleReading, error) {
	i := s.calls
	if i >= len(s.readings) {
		i = len(s.readings) - 1
	}
	s.calls++
	return s.readings[i], nil
}

func TestRefresher_RetriesStale(t *testing.T) {
	clock := NewFixedClock(t0)
	src := &sequenceSource{readings: []model.OracleReading{
		reading(1, 0, 18, 18, t0.Add(-time.Hour)),
		reading(2, 0, 18, 18, t0),
	}}
	r := NewRefresher(src, clock, time.Minute, 3, 0)

	got, err := r.Fresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Price.Uint64())
	require.Equal(t, 2, src.calls)
}

func TestRefresher_GivesUp(t *testing.T) {
	clock := NewFixedClock(t0)
	src := &sequenceSource{readings: []model.OracleReading{reading(1, 0, 18, 18, t0.Add(-time.Hour))}}
	r := NewRefresher(src, clock, time.Minute, 3, 0)

	_, err := r.Fresh(context.Background())
	require.ErrorIs(t, err, ErrStalePrice)
	require.Equal(t, 3, src.calls)
}

func TestRefresher_FreshReadingNotPaced(t *testing.T) {
	clock := NewFixedClock(t0)
	feed := NewFeed()
	require.NoError(t, feed.Publish(reading(7, 0, 18, 18, t0)))
	// One fetch per second would make five calls take four seconds if the
	// first fetch were paced.
	r := NewRefresher(feed, clock, time.Minute, 3, 1)

	start := time.Now()
	for i := 0; i < 5; i++ {
		got, err := r.Fresh(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(7), got.Price.Uint64())
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRefresher_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRefresher(NewFeed(), NewFixedClock(t0), time.Minute, 3, 1)
	_, err := r.Fresh(ctx)
	require.Error(t, err)
}

func TestFixedClock(t *testing.T) {
	c := NewFixedClock(t0)
	require.Equal(t, t0.Add(time.Second), c.Advance(time.Second))
	c.Set(t0)
	require.Equal(t, t0, c.Now())
}
