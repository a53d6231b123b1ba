package engine

import (
	"context"
	"slices"
	"time"

	"basketbatch/internal/batch"
	"basketbatch/internal/events"
	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/vault"

	"github.com/ethereum/go-ethereum/common"
)

// Batch returns the batch with the given ID.
func (e *Engine) Batch(id uint64) (batch.Batch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.queue.Batch(id)
}

// CurrentBatch returns the open batch of kind.
func (e *Engine) CurrentBatch(kind batch.Kind) batch.Batch {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.queue.Current(kind)
}

// AccountBatches returns the IDs of every batch the account has deposited
// into, oldest first.
func (e *Engine) AccountBatches(account common.Address) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Collect(e.queue.AccountBatches(account))
}

// BatchView is one account's stake in one batch.
type BatchView struct {
	Batch     batch.Batch       `json:"batch"`
	Supplied  fixedpoint.Amount `json:"supplied"`
	Claimable fixedpoint.Amount `json:"claimable"`
}

// AccountBatchViews lists the account's live positions with what each would
// pay if claimed now. Batches the account no longer holds shares in are
// skipped.
func (e *Engine) AccountBatchViews(account common.Address) ([]BatchView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var views []BatchView
	for id := range e.queue.AccountBatches(account) {
		shares := e.queue.Position(account, id)
		if shares.IsZero() {
			continue
		}
		b, err := e.queue.Batch(id)
		if err != nil {
			return nil, err
		}
		view := BatchView{Batch: b, Supplied: shares}
		if b.Claimable {
			if view.Claimable, err = e.claims.ClaimableAmount(id, account); err != nil {
				return nil, err
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// ClaimableAmount previews a claim without changing state.
func (e *Engine) ClaimableAmount(batchID uint64, account common.Address) (fixedpoint.Amount, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.claims.ClaimableAmount(batchID, account)
}

// BatchCooldowns returns when each direction's cooldown ends.
func (e *Engine) BatchCooldowns() batch.Cooldowns {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proc.Cooldowns()
}

// BatchTimes returns each direction's cooldown progress.
func (e *Engine) BatchTimes() batch.Times {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proc.Times()
}

// Ready reports whether the open batch of kind may execute now.
func (e *Engine) Ready(kind batch.Kind) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proc.Ready(kind)
}

// BatchParams returns the current gate parameters.
func (e *Engine) BatchParams() batch.Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proc.Params()
}

// Components returns the basket composition.
func (e *Engine) Components() []batch.Component {
	return e.proc.Components()
}

// Preview quotes how the open batch of kind would be allocated.
func (e *Engine) Preview(ctx context.Context, kind batch.Kind) ([]batch.ComponentAllocation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proc.Preview(ctx, kind)
}

// BasketPrice returns the oracle value of one basket token in reserve.
func (e *Engine) BasketPrice(ctx context.Context) (fixedpoint.Amount, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proc.BasketPrice(ctx)
}

// MinOutput returns the oracle-implied output of the open batch of kind less
// slippageBps.
func (e *Engine) MinOutput(ctx context.Context, kind batch.Kind, slippageBps uint32) (fixedpoint.Amount, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proc.MinOutput(ctx, kind, slippageBps)
}

// VaultView summarizes the share vault.
type VaultView struct {
	TotalShares         fixedpoint.Amount `json:"total_shares"`
	TotalValue          fixedpoint.Amount `json:"total_value"`
	PoolTokenValue      fixedpoint.Amount `json:"pool_token_value"`
	SharePrice          fixedpoint.Amount `json:"share_price"`
	LastReportValue     fixedpoint.Amount `json:"last_report_value"`
	PreviousReportValue fixedpoint.Amount `json:"previous_report_value"`
	LastReportTimestamp time.Time         `json:"last_report_timestamp"`
	DeployedAt          time.Time         `json:"deployed_at"`
	Rates               vault.FeeRates    `json:"rates"`
	SlippageEstimateBps uint32            `json:"slippage_estimate_bps"`
	FeeRecipient        common.Address    `json:"fee_recipient"`
	Governor            common.Address    `json:"governor"`
}

// VaultState reads the vault and its yield source. SharePrice is the value
// of one whole share, zero while no shares exist.
func (e *Engine) VaultState(ctx context.Context) (VaultView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := e.vault.State()
	view := VaultView{
		TotalShares:         st.TotalShares,
		LastReportValue:     st.LastReportValue,
		PreviousReportValue: st.PreviousReportValue,
		LastReportTimestamp: st.LastReportTimestamp,
		DeployedAt:          st.DeployedAt,
		Rates:               st.Rates,
		SlippageEstimateBps: st.SlippageEstimateBps,
		FeeRecipient:        st.FeeRecipient,
		Governor:            st.Governor,
	}
	var err error
	if view.TotalValue, err = e.vault.TotalValue(ctx); err != nil {
		return VaultView{}, err
	}
	if view.PoolTokenValue, err = e.vault.PoolTokenValue(ctx); err != nil {
		return VaultView{}, err
	}
	if !st.TotalShares.IsZero() {
		if view.SharePrice, err = e.vault.ValueFor(ctx, fixedpoint.One); err != nil {
			return VaultView{}, err
		}
	}
	return view, nil
}

// VaultBalance returns the account's vault shares and their current value.
func (e *Engine) VaultBalance(ctx context.Context, account common.Address) (shares, value fixedpoint.Amount, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	shares = e.vault.BalanceOf(account)
	if shares.IsZero() {
		return shares, fixedpoint.Zero(), nil
	}
	value, err = e.vault.ValueFor(ctx, shares)
	return shares, value, err
}

// Events reads the journal.
func (e *Engine) Events(ctx context.Context, afterSeq uint64, limit int) ([]events.Event, error) {
	return e.store.Events(ctx, afterSeq, limit)
}

// Seq returns the sequence number of the last committed event.
func (e *Engine) Seq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}
