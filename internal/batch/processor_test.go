package batch

import (
	"context"
	"testing"
	"time"

	"basketbatch/internal/fixedpoint"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctx() context.Context { return context.Background() }

func TestExecuteNotReady(t *testing.T) {
	f := newFixture(2, DefaultParams())
	_, err := f.queue.DepositForMint(alice, fixedpoint.Units(99))
	require.NoError(t, err)
	f.clock.advance(f.proc.Params().Cooldown - time.Second)

	before := f.queue.State()
	beforeProc := f.proc.State()
	_, err = f.proc.Execute(ctx(), Mint, ExecuteOptions{})
	require.ErrorIs(t, err, ErrBatchNotReady)

	assert.Empty(t, cmp.Diff(before, f.queue.State()))
	assert.Empty(t, cmp.Diff(beforeProc, f.proc.State()))
	assert.Zero(t, f.market.calls, "gate is checked before any external call")
}

func TestExecuteGate(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		deposit fixedpoint.Amount
		wait    time.Duration
		ready   bool
	}{
		{"mint below threshold, early", Mint, fixedpoint.Units(99), 0, false},
		{"mint at threshold", Mint, fixedpoint.Units(100), 0, true},
		{"mint after cooldown", Mint, fixedpoint.Units(1), 1500 * time.Second, true},
		{"redeem below threshold", Redeem, fixedpoint.MustParse("9.99"), 1499 * time.Second, false},
		{"redeem at threshold", Redeem, fixedpoint.Units(10), 0, true},
		{"empty after cooldown", Redeem, fixedpoint.Zero(), 1500 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(2, DefaultParams())
			if !tt.deposit.IsZero() {
				_, err := f.queue.Deposit(tt.kind, alice, tt.deposit)
				require.NoError(t, err)
			}
			f.clock.advance(tt.wait)

			err := f.proc.Ready(tt.kind)
			if tt.ready {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrBatchNotReady)
			}
		})
	}
}

func TestExecuteScenarioThreeDepositors(t *testing.T) {
	f := newFixture(1, DefaultParams())
	f.market.feeBps = 100 // 1% conversion cost

	accounts := []common.Address{alice, bob, carol}
	var id uint64
	for _, account := range accounts {
		var err error
		id, err = f.queue.DepositForMint(account, units(100))
		require.NoError(t, err)
	}

	f.clock.advance(f.proc.Params().Cooldown)
	res, err := f.proc.Execute(ctx(), Mint, ExecuteOptions{SlippageBps: 100})
	require.NoError(t, err)

	assert.Equal(t, id, res.Batch.ID)
	assert.True(t, res.Batch.Claimable)
	assert.Equal(t, units(297), res.Batch.ClaimableTotal)
	assert.Equal(t, units(300), res.Batch.FinalShares)
	assert.Equal(t, units(297), res.Batch.FinalClaimable)
	assert.Equal(t, f.clock.now(), res.Batch.ProcessedAt)
	assert.Equal(t, res.NextBatchID, f.queue.CurrentID(Mint))
	assert.NotEqual(t, id, res.NextBatchID)

	var total fixedpoint.Amount
	for _, account := range accounts {
		r, err := f.claimer.Claim(id, account)
		require.NoError(t, err)
		assert.Equal(t, units(99), r.Payout)
		assert.Equal(t, basket, r.OutputAsset)
		total, err = total.Add(r.Payout)
		require.NoError(t, err)
	}
	assert.Equal(t, units(297), total)

	b, err := f.queue.Batch(id)
	require.NoError(t, err)
	assert.True(t, b.ClaimableTotal.IsZero(), "residual")
	assert.True(t, b.UnclaimedShares.IsZero())
	assert.Equal(t, units(297), b.FinalClaimable, "snapshot survives claims")
}

func TestExecuteEmptyBatch(t *testing.T) {
	f := newFixture(2, DefaultParams())
	id := f.queue.CurrentID(Redeem)
	f.clock.advance(f.proc.Params().Cooldown)

	res, err := f.proc.Execute(ctx(), Redeem, ExecuteOptions{MinOutput: units(1)})
	require.NoError(t, err)

	assert.Zero(t, f.market.calls)
	assert.Equal(t, id, res.Batch.ID)
	assert.True(t, res.Batch.Claimable)
	assert.True(t, res.Batch.ClaimableTotal.IsZero())
	assert.Empty(t, res.Allocations)
	assert.NotEqual(t, id, f.queue.CurrentID(Redeem))
	assert.Equal(t, f.clock.now(), f.proc.State().LastRedeemAt)

	_, err = f.claimer.Claim(id, alice)
	assert.ErrorIs(t, err, ErrNothingToClaim)
}

func TestExecuteResetsCooldown(t *testing.T) {
	f := newFixture(1, DefaultParams())
	f.clock.advance(f.proc.Params().Cooldown)
	_, err := f.proc.Execute(ctx(), Mint, ExecuteOptions{})
	require.NoError(t, err)

	_, err = f.proc.Execute(ctx(), Mint, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrBatchNotReady)

	// The redeem direction keeps its own clock.
	assert.NoError(t, f.proc.Ready(Redeem))
}

func TestMintAllocationRemainderToLast(t *testing.T) {
	f := newFixture(3, DefaultParams())
	_, err := f.queue.DepositForMint(alice, units(101))
	require.NoError(t, err)

	allocs, err := f.proc.Preview(ctx(), Mint)
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	assert.Equal(t, units(33), allocs[0].TargetAmount)
	assert.Equal(t, units(33), allocs[1].TargetAmount)
	assert.Equal(t, units(35), allocs[2].TargetAmount)

	sum, err := fixedpoint.Sum(allocs[0].TargetAmount, allocs[1].TargetAmount, allocs[2].TargetAmount)
	require.NoError(t, err)
	assert.Equal(t, units(101), sum)
}

func TestMintAllocationWeightsByPrice(t *testing.T) {
	f := newFixture(2, DefaultParams())
	// y0 is worth 3x y1: pps 1.5 * vp 2.0 against 1.0 * 1.0.
	f.market.pps["y0"] = fixedpoint.MustParse("1.5")
	f.market.vp["lp0"] = fixedpoint.MustParse("2")
	_, err := f.queue.DepositForMint(alice, fixedpoint.Units(400))
	require.NoError(t, err)

	allocs, err := f.proc.Preview(ctx(), Mint)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(300), allocs[0].TargetAmount)
	assert.Equal(t, fixedpoint.Units(100), allocs[1].TargetAmount)
	assert.Equal(t, fixedpoint.MustParse("3"), allocs[0].Price)

	price, err := f.proc.BasketPrice(ctx())
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(4), price)

	f.clock.advance(f.proc.Params().Cooldown)
	res, err := f.proc.Execute(ctx(), Mint, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(100), res.Batch.ClaimableTotal, "400 reserve at 4 per basket")
}

func TestRedeemExecution(t *testing.T) {
	f := newFixture(2, DefaultParams())
	f.market.vp["lp1"] = fixedpoint.MustParse("1.1")
	_, err := f.queue.DepositForRedeem(alice, fixedpoint.Units(10))
	require.NoError(t, err)
	_, err = f.queue.DepositForRedeem(bob, fixedpoint.Units(30))
	require.NoError(t, err)

	minOut, err := f.proc.MinOutput(ctx(), Redeem, 0)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(84), minOut, "40 baskets at 2.1")

	res, err := f.proc.Execute(ctx(), Redeem, ExecuteOptions{MinOutput: minOut})
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(84), res.Batch.ClaimableTotal)
	assert.Equal(t, reserve, res.Batch.OutputAsset)
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, fixedpoint.Units(44), res.Allocations[1].TargetAmount)

	a, err := f.claimer.Claim(res.Batch.ID, alice)
	require.NoError(t, err)
	b, err := f.claimer.Claim(res.Batch.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(21), a.Payout)
	assert.Equal(t, fixedpoint.Units(63), b.Payout)
}

func TestExecuteFailuresLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		setup func(m *fakeMarket)
		opts  ExecuteOptions
		want  error
	}{
		{
			name:  "leg below tolerance",
			kind:  Mint,
			setup: func(m *fakeMarket) { m.feeBps = 200 },
			opts:  ExecuteOptions{SlippageBps: 100},
			want:  ErrSlippageExceeded,
		},
		{
			name: "batch below minimum",
			kind: Mint,
			opts: ExecuteOptions{MinOutput: fixedpoint.Units(1000)},
			want: ErrSlippageExceeded,
		},
		{
			name:  "oracle down",
			kind:  Mint,
			setup: func(m *fakeMarket) { m.oracleErr = errOracleDown },
			want:  ErrExternalQuoteFailure,
		},
		{
			name:  "zero price",
			kind:  Mint,
			setup: func(m *fakeMarket) { m.vp["lp1"] = fixedpoint.Zero() },
			want:  ErrExternalQuoteFailure,
		},
		{
			name: "mismatched components",
			kind: Mint,
			setup: func(m *fakeMarket) {
				m.issuanceOut = []ComponentUnits{{YieldToken: "y0", Units: fixedpoint.One}, {YieldToken: "y9", Units: fixedpoint.One}}
			},
			want: ErrExternalQuoteFailure,
		},
		{
			name: "zero basket value",
			kind: Mint,
			setup: func(m *fakeMarket) {
				m.issuanceOut = []ComponentUnits{{YieldToken: "y0"}, {YieldToken: "y1"}}
			},
			want: ErrExternalQuoteFailure,
		},
		{
			name:  "venue failure on redeem",
			kind:  Redeem,
			setup: func(m *fakeMarket) { m.convertErr = errOracleDown },
			want:  ErrExternalQuoteFailure,
		},
		{
			name:  "redeem leg below tolerance",
			kind:  Redeem,
			setup: func(m *fakeMarket) { m.feeBps = 1 },
			want:  ErrSlippageExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(2, DefaultParams())
			_, err := f.queue.Deposit(tt.kind, alice, fixedpoint.Units(200))
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(f.market)
			}
			before := f.queue.State()
			beforeProc := f.proc.State()

			_, err = f.proc.Execute(ctx(), tt.kind, tt.opts)
			require.ErrorIs(t, err, tt.want)
			if tt.want == ErrExternalQuoteFailure {
				assert.NotErrorIs(t, err, ErrSlippageExceeded)
			}
			assert.Empty(t, cmp.Diff(before, f.queue.State()))
			assert.Empty(t, cmp.Diff(beforeProc, f.proc.State()))
		})
	}
}

func TestExecuteRunsInsideAtomic(t *testing.T) {
	clock := newTestClock()
	market := newFakeMarket(2)
	atomic := atomicMarket{market}
	q := NewQueue(reserve, basket, clock.now)
	deps := market.deps()
	deps.Venue = atomic
	proc, err := NewProcessor(q, deps, market.components, DefaultParams())
	require.NoError(t, err)

	_, err = q.DepositForMint(alice, fixedpoint.Units(150))
	require.NoError(t, err)

	market.convertErr = errOracleDown
	_, err = proc.Execute(ctx(), Mint, ExecuteOptions{})
	require.ErrorIs(t, err, ErrExternalQuoteFailure)
	assert.Equal(t, 1, market.atomicRuns)
	assert.Equal(t, 1, market.rollbacks)

	market.convertErr = nil
	_, err = proc.Execute(ctx(), Mint, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, market.atomicRuns)
	assert.Equal(t, 1, market.rollbacks)
}

func TestExecuteRejectsBadSlippage(t *testing.T) {
	f := newFixture(1, DefaultParams())
	f.clock.advance(time.Hour)
	_, err := f.proc.Execute(ctx(), Mint, ExecuteOptions{SlippageBps: 10_001})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNewProcessorValidation(t *testing.T) {
	q := NewQueue(reserve, basket, newTestClock().now)
	m := newFakeMarket(1)

	_, err := NewProcessor(q, m.deps(), nil, DefaultParams())
	assert.Error(t, err)
	_, err = NewProcessor(q, m.deps(), []Component{{YieldToken: "y0", PoolToken: "lp0"}, {YieldToken: "y0", PoolToken: "lp1"}}, DefaultParams())
	assert.Error(t, err)
	_, err = NewProcessor(q, Collaborators{Oracle: m}, m.components, DefaultParams())
	assert.Error(t, err)
	_, err = NewProcessor(q, m.deps(), m.components, Params{Cooldown: -time.Second})
	assert.Error(t, err)
}

func TestCooldownsAndTimes(t *testing.T) {
	f := newFixture(1, DefaultParams())
	start := f.clock.now()

	cd := f.proc.Cooldowns()
	assert.Equal(t, start.Add(1500*time.Second), cd.Mint)
	assert.Equal(t, start.Add(1500*time.Second), cd.Redeem)

	f.clock.advance(375 * time.Second)
	times := f.proc.Times()
	assert.Equal(t, int64(1125), times.Mint.RemainingSeconds)
	assert.InDelta(t, 25.0, times.Mint.PercentElapsed, 1e-9)

	f.clock.advance(2 * time.Hour)
	times = f.proc.Times()
	assert.Zero(t, times.Redeem.RemainingSeconds)
	assert.Equal(t, 100.0, times.Redeem.PercentElapsed)
}

func TestSetParams(t *testing.T) {
	f := newFixture(1, DefaultParams())
	require.NoError(t, f.proc.SetParams(Params{Cooldown: 0, MintThreshold: fixedpoint.Units(1), RedeemThreshold: fixedpoint.Units(1)}))
	assert.NoError(t, f.proc.Ready(Mint), "zero cooldown is always ready")
	assert.Error(t, f.proc.SetParams(Params{Cooldown: -1}))
}
