package engine

import (
	"testing"

	"basketbatch/internal/batch"
	"basketbatch/internal/events"
	"basketbatch/internal/fixedpoint"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapIntoQueue(t *testing.T) {
	f := newFixture(t, newMem())
	e := f.engine

	res, err := e.ZapIntoQueue(ctx(), alice, map[batch.Asset]fixedpoint.Amount{
		"DAI":  fixedpoint.Units(60),
		"USDC": fixedpoint.Units(40),
		"USDT": fixedpoint.Zero(),
	}, fixedpoint.Units(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.BatchID)
	assert.Equal(t, fixedpoint.Units(100), res.Reserve)
	assert.Len(t, res.Inputs, 2, "zero amounts skipped")

	b, err := e.Batch(1)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(100), b.SuppliedTotal)

	journal, err := e.Events(ctx(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.KindDeposit, events.KindZappedIntoQueue}, kinds(journal))
	assert.Equal(t, "60000000000000000000", journal[1].Extra["DAI"])
}

func TestZapIntoQueueFailuresChangeNothing(t *testing.T) {
	tests := []struct {
		name    string
		amounts map[batch.Asset]fixedpoint.Amount
		min     fixedpoint.Amount
		wantErr error
	}{
		{
			name:    "below minimum",
			amounts: map[batch.Asset]fixedpoint.Amount{"DAI": fixedpoint.Units(10)},
			min:     fixedpoint.Units(11),
			wantErr: batch.ErrSlippageExceeded,
		},
		{
			name:    "unknown stable after a good swap",
			amounts: map[batch.Asset]fixedpoint.Amount{"DAI": fixedpoint.Units(10), "XYZ": fixedpoint.Units(1)},
			wantErr: batch.ErrExternalQuoteFailure,
		},
		{
			name:    "nothing to zap",
			amounts: map[batch.Asset]fixedpoint.Amount{"DAI": fixedpoint.Zero()},
			wantErr: batch.ErrInvalidAmount,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, newMem())
			before := f.engine.capture()

			_, err := f.engine.ZapIntoQueue(ctx(), alice, tc.amounts, tc.min)
			require.ErrorIs(t, err, tc.wantErr)

			if diff := cmp.Diff(before, f.engine.capture()); diff != "" {
				t.Errorf("state changed (-before +after):\n%s", diff)
			}
			assert.Empty(t, f.market.Stats().Volume, "swaps rolled back")
		})
	}
}

func TestZapOutOfQueue(t *testing.T) {
	f := newFixture(t, newMem())
	e := f.engine

	_, err := e.DepositForMint(ctx(), alice, fixedpoint.Units(50))
	require.NoError(t, err)

	_, err = e.ZapOutOfQueue(ctx(), 2, fixedpoint.Units(1), "DAI", fixedpoint.Zero(), alice)
	require.ErrorIs(t, err, ErrWrongBatchKind)

	before := e.capture()
	_, err = e.ZapOutOfQueue(ctx(), 1, fixedpoint.Units(20), "DAI", fixedpoint.Units(21), alice)
	require.ErrorIs(t, err, batch.ErrSlippageExceeded)
	if diff := cmp.Diff(before, e.capture()); diff != "" {
		t.Errorf("failed swap left the withdrawal applied (-before +after):\n%s", diff)
	}

	res, err := e.ZapOutOfQueue(ctx(), 1, fixedpoint.Units(20), "DAI", fixedpoint.Units(20), alice)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(20), res.Received)

	b, err := e.Batch(1)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(30), b.SuppliedTotal)

	journal, err := e.Events(ctx(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.KindWithdrawnFromBatch, events.KindZappedOutOfQueue}, kinds(journal))
}

func TestClaimAndSwapToStable(t *testing.T) {
	f := newFixture(t, newMem())
	e := f.engine

	// Mint 100 basket units for alice, then redeem 20 of them.
	_, err := e.DepositForMint(ctx(), alice, fixedpoint.Units(200))
	require.NoError(t, err)
	_, err = e.Execute(ctx(), batch.Mint, batch.ExecuteOptions{})
	require.NoError(t, err)
	_, err = e.DepositForRedeem(ctx(), alice, fixedpoint.Units(20))
	require.NoError(t, err)
	redeemed, err := e.Execute(ctx(), batch.Redeem, batch.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(40), redeemed.Batch.ClaimableTotal)

	_, err = e.ClaimAndSwapToStable(ctx(), 1, "DAI", fixedpoint.Zero(), alice)
	require.ErrorIs(t, err, ErrWrongBatchKind)

	_, err = e.ClaimAndSwapToStable(ctx(), 2, "XYZ", fixedpoint.Zero(), alice)
	require.ErrorIs(t, err, batch.ErrExternalQuoteFailure)
	payout, err := e.ClaimableAmount(2, alice)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(40), payout, "claim undone with the failed swap")

	res, err := e.ClaimAndSwapToStable(ctx(), 2, "USDC", fixedpoint.Units(40), alice)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(40), res.Reserve)
	assert.Equal(t, fixedpoint.Units(40), res.Received)

	_, err = e.ClaimableAmount(2, alice)
	assert.ErrorIs(t, err, batch.ErrNothingToClaim)
}
