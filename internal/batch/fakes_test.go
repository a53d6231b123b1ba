package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"basketbatch/internal/fixedpoint"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

const (
	reserve Asset = "3crv"
	basket  Asset = "hysi"
)

type testClock struct{ t time.Time }

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeMarket implements every collaborator with fixed prices. Conversions
// take feeBps; vault shares are pool tokens at pricePerShare; issuance needs
// units[i] of each yield token per basket unit.
type fakeMarket struct {
	components []Component
	units      map[Asset]fixedpoint.Amount
	vp         map[Asset]fixedpoint.Amount
	pps        map[Asset]fixedpoint.Amount
	feeBps     uint32

	oracleErr   error
	convertErr  error
	issuanceOut []ComponentUnits

	calls      int
	atomicRuns int
	rollbacks  int
}

func newFakeMarket(n int) *fakeMarket {
	m := &fakeMarket{
		units: make(map[Asset]fixedpoint.Amount),
		vp:    make(map[Asset]fixedpoint.Amount),
		pps:   make(map[Asset]fixedpoint.Amount),
	}
	for i := 0; i < n; i++ {
		c := Component{YieldToken: Asset(fmt.Sprintf("y%d", i)), PoolToken: Asset(fmt.Sprintf("lp%d", i))}
		m.components = append(m.components, c)
		m.units[c.YieldToken] = fixedpoint.One
		m.vp[c.PoolToken] = fixedpoint.One
		m.pps[c.YieldToken] = fixedpoint.One
	}
	return m
}

func (m *fakeMarket) deps() Collaborators {
	return Collaborators{Oracle: m, Venue: m, Issuance: m, Vaults: m}
}

func (m *fakeMarket) VirtualPrice(_ context.Context, pool Asset) (fixedpoint.Amount, error) {
	m.calls++
	if m.oracleErr != nil {
		return fixedpoint.Amount{}, m.oracleErr
	}
	return m.vp[pool], nil
}

func (m *fakeMarket) PricePerShare(_ context.Context, yield Asset) (fixedpoint.Amount, error) {
	m.calls++
	if m.oracleErr != nil {
		return fixedpoint.Amount{}, m.oracleErr
	}
	return m.pps[yield], nil
}

func (m *fakeMarket) Convert(_ context.Context, in fixedpoint.Amount, assetIn, assetOut Asset, minOut fixedpoint.Amount) (fixedpoint.Amount, error) {
	m.calls++
	if m.convertErr != nil {
		return fixedpoint.Amount{}, m.convertErr
	}
	var (
		gross fixedpoint.Amount
		err   error
	)
	if assetIn == reserve {
		gross, err = fixedpoint.DivFixed(in, m.vp[assetOut], fixedpoint.Floor)
	} else {
		gross, err = fixedpoint.MulFixed(in, m.vp[assetIn], fixedpoint.Floor)
	}
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	fee, err := fixedpoint.Bps(gross, m.feeBps)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	out, err := gross.Sub(fee)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	if out.Lt(minOut) {
		return fixedpoint.Amount{}, fmt.Errorf("fake venue: %w", ErrSlippageExceeded)
	}
	return out, nil
}

func (m *fakeMarket) RequiredComponentUnits(_ context.Context, amount fixedpoint.Amount) ([]ComponentUnits, error) {
	m.calls++
	if m.issuanceOut != nil {
		return m.issuanceOut, nil
	}
	out := make([]ComponentUnits, 0, len(m.components))
	for _, c := range m.components {
		u, err := fixedpoint.MulFixed(m.units[c.YieldToken], amount, fixedpoint.Floor)
		if err != nil {
			return nil, err
		}
		out = append(out, ComponentUnits{YieldToken: c.YieldToken, Units: u})
	}
	return out, nil
}

func (m *fakeMarket) Issue(_ context.Context, balances []ComponentUnits) (fixedpoint.Amount, error) {
	m.calls++
	var minted fixedpoint.Amount
	for i, b := range balances {
		n, err := fixedpoint.DivFixed(b.Units, m.units[b.YieldToken], fixedpoint.Floor)
		if err != nil {
			return fixedpoint.Amount{}, err
		}
		if i == 0 || n.Lt(minted) {
			minted = n
		}
	}
	return minted, nil
}

func (m *fakeMarket) Redeem(ctx context.Context, amount fixedpoint.Amount) ([]ComponentUnits, error) {
	return m.RequiredComponentUnits(ctx, amount)
}

func (m *fakeMarket) Deposit(_ context.Context, yield Asset, pool fixedpoint.Amount) (fixedpoint.Amount, error) {
	m.calls++
	return fixedpoint.DivFixed(pool, m.pps[yield], fixedpoint.Floor)
}

func (m *fakeMarket) Withdraw(_ context.Context, yield Asset, shares fixedpoint.Amount) (fixedpoint.Amount, error) {
	m.calls++
	return fixedpoint.MulFixed(shares, m.pps[yield], fixedpoint.Floor)
}

// atomicMarket adds Atomically, counting rollbacks.
type atomicMarket struct{ *fakeMarket }

func (m atomicMarket) Atomically(ctx context.Context, fn func(context.Context) error) error {
	m.atomicRuns++
	if err := fn(ctx); err != nil {
		m.rollbacks++
		return err
	}
	return nil
}

var errOracleDown = errors.New("oracle unreachable")

type fixture struct {
	clock   *testClock
	market  *fakeMarket
	queue   *Queue
	proc    *Processor
	claimer *Claimer
}

func newFixture(components int, params Params) *fixture {
	clock := newTestClock()
	market := newFakeMarket(components)
	q := NewQueue(reserve, basket, clock.now)
	proc, err := NewProcessor(q, market.deps(), market.components, params)
	if err != nil {
		panic(err)
	}
	return &fixture{clock: clock, market: market, queue: q, proc: proc, claimer: NewClaimer(q)}
}
