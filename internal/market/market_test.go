package market

import (
	"context"
	"errors"
	"testing"

	"basketbatch/internal/batch"
	"basketbatch/internal/fixedpoint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Reserve: "3CRV",
		Basket:  "HYSI",
		Components: []Component{
			{YieldToken: "yvCurve-FRAX", PoolToken: "crvFRAX", Units: fixedpoint.MustParse("2"), VirtualPrice: fixedpoint.MustParse("1.02"), PricePerShare: fixedpoint.MustParse("1.05")},
			{YieldToken: "yvCurve-UST", PoolToken: "crvUST", Units: fixedpoint.MustParse("1"), VirtualPrice: fixedpoint.MustParse("1"), PricePerShare: fixedpoint.MustParse("1")},
		},
		Stables:    map[batch.Asset]fixedpoint.Amount{"DAI": fixedpoint.MustParse("0.98")},
		SwapFeeBps: 30,
	}
}

func newTestMarket(t *testing.T) *Market {
	t.Helper()
	m, err := New(testConfig())
	require.NoError(t, err)
	return m
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig()
	cfg.Components = append(cfg.Components, cfg.Components[0])
	_, err := New(cfg)
	assert.Error(t, err, "duplicate component")

	cfg = testConfig()
	cfg.Components[1].VirtualPrice = fixedpoint.Zero()
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Reserve = ""
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	m := newTestMarket(t)
	ctx := context.Background()

	out, err := m.Convert(ctx, fixedpoint.Units(102), "3CRV", "crvFRAX", fixedpoint.Zero())
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.MustParse("99.7"), out, "100 crvFRAX less 0.3%")

	out, err = m.Convert(ctx, fixedpoint.Units(100), "DAI", "3CRV", fixedpoint.Zero())
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.MustParse("97.706"), out)

	_, err = m.Convert(ctx, fixedpoint.Units(100), "crvUST", "3CRV", fixedpoint.Units(100))
	assert.ErrorIs(t, err, batch.ErrSlippageExceeded)

	_, err = m.Convert(ctx, fixedpoint.Units(1), "3CRV", "BTC", fixedpoint.Zero())
	assert.ErrorIs(t, err, ErrUnknownAsset)

	stats := m.Stats()
	assert.Equal(t, fixedpoint.Units(102), stats.Volume["3CRV"])
	assert.False(t, stats.FeesEarned.IsZero())
}

func TestIssueAndRedeem(t *testing.T) {
	m := newTestMarket(t)
	ctx := context.Background()

	units, err := m.RequiredComponentUnits(ctx, fixedpoint.Units(10))
	require.NoError(t, err)
	assert.Equal(t, []batch.ComponentUnits{
		{YieldToken: "yvCurve-FRAX", Units: fixedpoint.Units(20)},
		{YieldToken: "yvCurve-UST", Units: fixedpoint.Units(10)},
	}, units)

	minted, err := m.Issue(ctx, []batch.ComponentUnits{
		{YieldToken: "yvCurve-FRAX", Units: fixedpoint.Units(21)},
		{YieldToken: "yvCurve-UST", Units: fixedpoint.Units(10)},
	})
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(10), minted, "limited by the scarcest component")

	_, err = m.Redeem(ctx, fixedpoint.Units(11))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	back, err := m.Redeem(ctx, fixedpoint.Units(4))
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(8), back[0].Units)

	require.NoError(t, m.SeedBasketSupply(fixedpoint.Units(100)))
	_, err = m.Redeem(ctx, fixedpoint.Units(50))
	assert.NoError(t, err)
}

func TestYieldVaults(t *testing.T) {
	m := newTestMarket(t)
	ctx := context.Background()

	shares, err := m.Deposit(ctx, "yvCurve-FRAX", fixedpoint.MustParse("105"))
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(100), shares)

	require.NoError(t, m.SetPricePerShare("yvCurve-FRAX", fixedpoint.MustParse("1.1")))
	lp, err := m.Withdraw(ctx, "yvCurve-FRAX", shares)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(110), lp)

	_, err = m.Deposit(ctx, "yvCurve-NONE", fixedpoint.Units(1))
	assert.ErrorIs(t, err, ErrUnknownAsset)
}

func TestAtomicallyRollsBack(t *testing.T) {
	m := newTestMarket(t)
	ctx := context.Background()
	boom := errors.New("leg failed")

	err := m.Atomically(ctx, func(ctx context.Context) error {
		if _, err := m.Convert(ctx, fixedpoint.Units(50), "3CRV", "crvUST", fixedpoint.Zero()); err != nil {
			return err
		}
		if _, err := m.Issue(ctx, []batch.ComponentUnits{
			{YieldToken: "yvCurve-FRAX", Units: fixedpoint.Units(2)},
			{YieldToken: "yvCurve-UST", Units: fixedpoint.Units(1)},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stats := m.Stats()
	assert.True(t, stats.Issued.IsZero())
	assert.Empty(t, stats.Volume)
	assert.Equal(t, 1, stats.Rollbacks)

	require.NoError(t, m.Atomically(ctx, func(ctx context.Context) error {
		_, err := m.Convert(ctx, fixedpoint.Units(1), "3CRV", "crvUST", fixedpoint.Zero())
		return err
	}))
	assert.Equal(t, fixedpoint.Units(1), m.Stats().Volume["3CRV"])
}

func TestOutage(t *testing.T) {
	m := newTestMarket(t)
	m.SetOutage(errors.New("rpc timeout"))

	_, err := m.VirtualPrice(context.Background(), "crvUST")
	assert.ErrorIs(t, err, ErrOutage)
	_, err = m.RequiredComponentUnits(context.Background(), fixedpoint.One)
	assert.ErrorIs(t, err, ErrOutage)

	m.SetOutage(nil)
	vp, err := m.VirtualPrice(context.Background(), "crvUST")
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.One, vp)
}

func TestYieldSource(t *testing.T) {
	s := NewYieldSource()
	ctx := context.Background()
	require.NoError(t, s.Deposit(ctx, fixedpoint.Units(1000)))

	yield, err := s.Accrue(150)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(15), yield)

	v, err := s.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(1015), v)

	_, err = s.Withdraw(ctx, fixedpoint.Units(2000))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	s.SetOutage(errors.New("paused"))
	_, err = s.Value(ctx)
	assert.ErrorIs(t, err, ErrOutage)
}
