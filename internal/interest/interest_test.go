package interest

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func wad(s string) uint256.Int {
	v, err := fixedpoint.ParseWAD(s)
	if err != nil {
		panic(err)
	}
	return *v
}

func market(supply, borrow uint64) *model.Market {
	m := &model.Market{LastUpdate: t0}
	m.TotalSupplyAssets.SetUint64(supply)
	m.TotalSupplyShares.SetUint64(supply)
	m.TotalBorrowAssets.SetUint64(borrow)
	m.TotalBorrowShares.SetUint64(borrow)
	return m
}

// fixedTenPercent grows borrows by 10% over 100 seconds.
func fixedTenPercent() Fixed {
	var f Fixed
	f.RatePerSecond.SetUint64(1_000_000_000_000_000)
	return f
}

func TestAccrue_Fixed(t *testing.T) {
	m := market(1000, 500)
	a, err := Accrue(m, fixedTenPercent(), t0.Add(100*time.Second))
	require.NoError(t, err)
	require.Equal(t, uint64(100), a.Elapsed)
	require.Equal(t, uint64(50), a.Interest.Uint64())
	require.True(t, a.FeeShares.IsZero())

	require.NoError(t, a.Apply(m))
	require.Equal(t, uint64(550), m.TotalBorrowAssets.Uint64())
	require.Equal(t, uint64(1050), m.TotalSupplyAssets.Uint64())
	require.Equal(t, uint64(500), m.TotalBorrowShares.Uint64())
	require.Equal(t, t0.Add(100*time.Second), m.LastUpdate)
}

func TestAccrue_Idempotent(t *testing.T) {
	m := market(1000, 500)
	now := t0.Add(100 * time.Second)

	first, err := Accrue(m, fixedTenPercent(), now)
	require.NoError(t, err)
	require.NoError(t, first.Apply(m))

	second, err := Accrue(m, fixedTenPercent(), now)
	require.NoError(t, err)
	require.Zero(t, second.Elapsed)
	require.True(t, second.Interest.IsZero())
	require.NoError(t, second.Apply(m))
	require.Equal(t, uint64(550), m.TotalBorrowAssets.Uint64())
}

func TestAccrue_KeepsFractionalSeconds(t *testing.T) {
	m := market(1000, 500)
	a, err := Accrue(m, fixedTenPercent(), t0.Add(1500*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, uint64(1), a.Elapsed)
	require.Equal(t, t0.Add(time.Second), a.Until)
}

func TestAccrue_ClockBehindLastUpdate(t *testing.T) {
	m := market(1000, 500)
	a, err := Accrue(m, fixedTenPercent(), t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, a.Elapsed)
	require.NoError(t, a.Apply(m))
	require.Equal(t, t0, m.LastUpdate)
}

func TestAccrue_NoBorrowsStillAdvances(t *testing.T) {
	m := market(1000, 0)
	a, err := Accrue(m, fixedTenPercent(), t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, a.Interest.IsZero())
	require.NoError(t, a.Apply(m))
	require.Equal(t, t0.Add(time.Minute), m.LastUpdate)
}

func TestAccrue_FeeShares(t *testing.T) {
	m := market(1000, 500)
	m.Fee = wad("0.1")

	a, err := Accrue(m, fixedTenPercent(), t0.Add(100*time.Second))
	require.NoError(t, err)
	require.Equal(t, uint64(50), a.Interest.Uint64())
	// fee 5 priced against 1050-5 assets for 1000 shares.
	require.Equal(t, uint64(4), a.FeeShares.Uint64())

	require.NoError(t, a.Apply(m))
	require.Equal(t, uint64(1004), m.TotalSupplyShares.Uint64())
	require.False(t, m.TotalBorrowAssets.Gt(&m.TotalSupplyAssets))
}

func TestKinked(t *testing.T) {
	k := Kinked{
		BaseRate: wad("0.02"),
		Slope1:   wad("0.1"),
		Slope2:   wad("1"),
		Kink:     wad("0.8"),
	}
	tests := []struct {
		util       string
		wantAnnual string
		wantSecond uint64
	}{
		{"0", "20000000000000000", 634195839},
		{"0.4", "60000000000000000", 1902587519},
		{"0.9", "200000000000000000", 6341958396},
		{"1.2", "300000000000000000", 9512937595},
	}
	for _, tt := range tests {
		t.Run(tt.util, func(t *testing.T) {
			u := wad(tt.util)
			annual, err := k.AnnualRate(&u)
			require.NoError(t, err)
			require.Equal(t, tt.wantAnnual, annual.Dec())

			perSecond, err := k.BorrowRatePerSecond(&u)
			require.NoError(t, err)
			require.Equal(t, tt.wantSecond, perSecond.Uint64())
		})
	}
}

func TestFromConfig(t *testing.T) {
	rm, err := FromConfig(model.RateModelConfig{Kind: model.RateModelFixed, RatePerSecond: *uint256.NewInt(7)})
	require.NoError(t, err)
	rate, err := rm.BorrowRatePerSecond(new(uint256.Int))
	require.NoError(t, err)
	require.Equal(t, uint64(7), rate.Uint64())

	rm, err = FromConfig(model.RateModelConfig{Kind: model.RateModelKinked, Kink: wad("0.8")})
	require.NoError(t, err)
	require.IsType(t, Kinked{}, rm)

	_, err = FromConfig(model.RateModelConfig{Kind: "adaptive"})
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestUtilizationAndSupplyRate(t *testing.T) {
	u, err := Utilization(market(1000, 500))
	require.NoError(t, err)
	require.Equal(t, "500000000000000000", u.Dec())

	u, err = Utilization(market(0, 0))
	require.NoError(t, err)
	require.True(t, u.IsZero())

	fee := wad("0.1")
	rate := uint256.NewInt(1_000_000_000)
	half := wad("0.5")
	supply, err := SupplyRate(rate, &half, &fee)
	require.NoError(t, err)
	require.Equal(t, uint64(450_000_000), supply.Uint64())

	annual, err := AnnualFromPerSecond(uint256.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, uint64(SecondsPerYear), annual.Uint64())
}
