package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"basketbatch/internal/batch"
	"basketbatch/internal/events"
	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/logging"

	"github.com/ethereum/go-ethereum/common"
)

// Zaps let stablecoin holders use the batches directly: stables are swapped
// to reserve on the way in and reserve back to a stable on the way out. Each
// zap is one engine operation, so a failed swap leaves no queue change.

// ZapInResult describes a zap into the mint queue.
type ZapInResult struct {
	BatchID uint64                            `json:"batch_id"`
	Inputs  map[batch.Asset]fixedpoint.Amount `json:"inputs"`
	Reserve fixedpoint.Amount                 `json:"reserve"`
}

// ZapIntoQueue swaps each stable amount to reserve and deposits the total
// into the open mint batch. The swaps together must yield at least
// minReserve.
func (e *Engine) ZapIntoQueue(ctx context.Context, account common.Address, amounts map[batch.Asset]fixedpoint.Amount, minReserve fixedpoint.Amount) (ZapInResult, error) {
	var res ZapInResult
	err := e.mutate(ctx, "zap_into_queue", func(ctx context.Context, tx *txn) error {
		res = ZapInResult{Inputs: make(map[batch.Asset]fixedpoint.Amount, len(amounts))}
		for _, stable := range slices.Sorted(maps.Keys(amounts)) {
			amount := amounts[stable]
			if amount.IsZero() {
				continue
			}
			out, err := e.swap(ctx, amount, stable, e.reserve, fixedpoint.Zero())
			if err != nil {
				return err
			}
			if res.Reserve, err = res.Reserve.Add(out); err != nil {
				return err
			}
			res.Inputs[stable] = amount
		}
		if res.Reserve.IsZero() {
			return fmt.Errorf("%w: nothing to zap", batch.ErrInvalidAmount)
		}
		if res.Reserve.Lt(minReserve) {
			return fmt.Errorf("%w: zap yielded %s %s, minimum %s",
				batch.ErrSlippageExceeded, res.Reserve.Format(), e.reserve, minReserve.Format())
		}

		var err error
		if res.BatchID, err = e.queue.DepositForMint(account, res.Reserve); err != nil {
			return err
		}
		tx.emit(events.KindDeposit, depositEvent(batch.Mint, res.BatchID, account, res.Reserve))
		tx.emit(events.KindZappedIntoQueue, func(ev *events.Event) {
			ev.Batch = res.BatchID
			ev.Account = account
			ev.Amount = res.Reserve
			ev.Extra = make(map[string]string, len(res.Inputs))
			for stable, amount := range res.Inputs {
				ev.Extra[string(stable)] = amount.String()
			}
		})
		return nil
	})
	if err != nil {
		return ZapInResult{}, err
	}
	logging.Batch("%s zapped %s %s into mint batch %d", account.Hex(), res.Reserve.Format(), e.reserve, res.BatchID)
	return res, nil
}

// ZapOutResult describes a zap out of the queue or out of a claim.
type ZapOutResult struct {
	BatchID  uint64            `json:"batch_id"`
	Reserve  fixedpoint.Amount `json:"reserve"`
	Stable   batch.Asset       `json:"stable"`
	Received fixedpoint.Amount `json:"received"`
}

// ZapOutOfQueue withdraws amount of the account's deposit from an open mint
// batch and swaps it to stable, requiring at least minOut.
func (e *Engine) ZapOutOfQueue(ctx context.Context, batchID uint64, amount fixedpoint.Amount, stable batch.Asset, minOut fixedpoint.Amount, account common.Address) (ZapOutResult, error) {
	res := ZapOutResult{BatchID: batchID, Reserve: amount, Stable: stable}
	err := e.mutate(ctx, "zap_out_of_queue", func(ctx context.Context, tx *txn) error {
		if err := e.requireKind(batchID, batch.Mint); err != nil {
			return err
		}
		b, err := e.queue.WithdrawFromBatch(batchID, amount, account)
		if err != nil {
			return err
		}
		if res.Received, err = e.swap(ctx, amount, e.reserve, stable, minOut); err != nil {
			return err
		}
		tx.emit(events.KindWithdrawnFromBatch, withdrawEvent(b, account, amount))
		tx.emit(events.KindZappedOutOfQueue, zapOutEvent(res, account))
		return nil
	})
	if err != nil {
		return ZapOutResult{}, err
	}
	return res, nil
}

// ClaimAndSwapToStable claims the account's payout from a settled redeem
// batch and swaps it to stable, requiring at least minOut.
func (e *Engine) ClaimAndSwapToStable(ctx context.Context, batchID uint64, stable batch.Asset, minOut fixedpoint.Amount, account common.Address) (ZapOutResult, error) {
	res := ZapOutResult{BatchID: batchID, Stable: stable}
	err := e.mutate(ctx, "claim_and_swap", func(ctx context.Context, tx *txn) error {
		if err := e.requireKind(batchID, batch.Redeem); err != nil {
			return err
		}
		claim, err := e.claims.Claim(batchID, account)
		if err != nil {
			return err
		}
		res.Reserve = claim.Payout
		if res.Received, err = e.swap(ctx, claim.Payout, e.reserve, stable, minOut); err != nil {
			return err
		}
		tx.emit(events.KindClaimed, claimEvent(claim))
		tx.emit(events.KindClaimedIntoStable, zapOutEvent(res, account))
		return nil
	})
	if err != nil {
		return ZapOutResult{}, err
	}
	return res, nil
}

func zapOutEvent(res ZapOutResult, account common.Address) func(*events.Event) {
	return func(ev *events.Event) {
		ev.Batch = res.BatchID
		ev.Account = account
		ev.Amount = res.Received
		ev.Shares = res.Reserve
		ev.Extra = map[string]string{"stable": string(res.Stable)}
	}
}

func (e *Engine) requireKind(batchID uint64, kind batch.Kind) error {
	b, err := e.queue.Batch(batchID)
	if err != nil {
		return err
	}
	if b.Kind != kind {
		return fmt.Errorf("%w: batch %d is a %s batch, need %s", ErrWrongBatchKind, batchID, b.Kind, kind)
	}
	return nil
}

// swap converts through the venue. Venue errors other than slippage are
// reported as quote failures.
func (e *Engine) swap(ctx context.Context, amount fixedpoint.Amount, in, out batch.Asset, minOut fixedpoint.Amount) (fixedpoint.Amount, error) {
	got, err := e.venue.Convert(ctx, amount, in, out, minOut)
	switch {
	case err == nil:
		return got, nil
	case errors.Is(err, batch.ErrSlippageExceeded), errors.Is(err, batch.ErrExternalQuoteFailure):
		return fixedpoint.Zero(), err
	default:
		return fixedpoint.Zero(), fmt.Errorf("%w: swap %s to %s: %w", batch.ErrExternalQuoteFailure, in, out, err)
	}
}
