// Package engine serializes the batch queue, processor, claims and share
// vault behind one lock, journals every state change and fans the resulting
// events out to live subscribers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"basketbatch/internal/batch"
	"basketbatch/internal/events"
	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/logging"
	"basketbatch/internal/store"
	"basketbatch/internal/vault"

	"github.com/ethereum/go-ethereum/common"
)

// Options wires an Engine.
type Options struct {
	Reserve       batch.Asset
	Basket        batch.Asset
	Components    []batch.Component
	Collaborators batch.Collaborators
	Params        batch.Params

	YieldSource vault.YieldSource
	Vault       vault.Config

	// Store defaults to a MemoryStore, Bus to a bus with default buffers.
	Store store.Store
	Bus   *events.Bus
	Now   func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	mu sync.RWMutex

	queue  *batch.Queue
	proc   *batch.Processor
	claims *batch.Claimer
	vault  *vault.Vault

	venue   batch.ConversionVenue
	atomic  batch.Atomic
	reserve batch.Asset

	store store.Store
	bus   *events.Bus
	now   func() time.Time
	seq   uint64
}

// snapshot is the persisted engine state.
type snapshot struct {
	Seq       uint64               `json:"seq"`
	Queue     batch.QueueState     `json:"queue"`
	Processor batch.ProcessorState `json:"processor"`
	Vault     vault.State          `json:"vault"`
}

// New builds an engine and restores the store's latest snapshot if present.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Reserve == "" || opts.Basket == "" {
		return nil, errors.New("engine: reserve and basket assets are required")
	}
	if opts.YieldSource == nil {
		return nil, errors.New("engine: missing yield source")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Vault.Now == nil {
		opts.Vault.Now = now
	}

	q := batch.NewQueue(opts.Reserve, opts.Basket, now)
	proc, err := batch.NewProcessor(q, opts.Collaborators, opts.Components, opts.Params)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	v, err := vault.New(opts.YieldSource, opts.Vault)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		queue:   q,
		proc:    proc,
		claims:  batch.NewClaimer(q),
		vault:   v,
		venue:   opts.Collaborators.Venue,
		atomic:  opts.Collaborators.Atomicity(),
		reserve: opts.Reserve,
		store:   opts.Store,
		bus:     opts.Bus,
		now:     now,
	}
	if e.store == nil {
		e.store = store.NewMemoryStore()
	}
	if e.bus == nil {
		e.bus = events.NewBus(0)
	}

	if err := e.load(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) load(ctx context.Context) error {
	snap, ok, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("engine: %w: %w", ErrPersistence, err)
	}
	if !ok {
		logging.Boot("engine starting fresh")
		return nil
	}
	var st snapshot
	if err := json.Unmarshal(snap.Data, &st); err != nil {
		return fmt.Errorf("engine: corrupt snapshot: %w", err)
	}
	if err := e.restore(st); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.seq = st.Seq

	// Commit writes events and snapshot together, so nothing should follow.
	if tail, err := e.store.Events(ctx, e.seq, 1); err == nil && len(tail) > 0 {
		logging.Get(logging.CategoryEngine).Warn("journal has events past snapshot seq %d", e.seq)
	}
	logging.Boot("engine restored at seq %d (mint batch %d, redeem batch %d)",
		e.seq, e.queue.CurrentID(batch.Mint), e.queue.CurrentID(batch.Redeem))
	return nil
}

// Close closes the bus and the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bus.Close()
	return e.store.Close()
}

// Bus returns the live event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// =============================================================================
// STATE CAPTURE
// =============================================================================

func (e *Engine) capture() snapshot {
	return snapshot{
		Seq:       e.seq,
		Queue:     e.queue.State(),
		Processor: e.proc.State(),
		Vault:     e.vault.State(),
	}
}

func (e *Engine) restore(st snapshot) error {
	if err := e.queue.Restore(st.Queue); err != nil {
		return err
	}
	if err := e.proc.Restore(st.Processor); err != nil {
		return err
	}
	return e.vault.Restore(st.Vault)
}

// txn collects the events of one operation.
type txn struct {
	at     time.Time
	events []events.Event
}

func (t *txn) emit(kind events.Kind, fill func(*events.Event)) {
	ev := events.New(kind, t.at)
	if fill != nil {
		fill(&ev)
	}
	t.events = append(t.events, ev)
}

// mutate runs fn under the write lock. On success the events fn emitted are
// numbered, journaled together with a fresh snapshot and published. On any
// failure, including persistence, the pre-operation state is restored. When
// a collaborator supports it the whole operation runs inside Atomically so
// external effects roll back too.
func (e *Engine) mutate(ctx context.Context, op string, fn func(ctx context.Context, tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.capture()
	var committed []events.Event

	run := func(ctx context.Context) error {
		tx := &txn{at: e.now().UTC()}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		seq := e.seq
		for i := range tx.events {
			seq++
			tx.events[i].Seq = seq
		}
		after := e.capture()
		after.Seq = seq
		data, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("%w: encode snapshot: %w", ErrPersistence, err)
		}
		snap := store.Snapshot{Seq: seq, Data: data, SavedAt: tx.at}
		if err := e.store.Commit(ctx, tx.events, snap); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		e.seq = seq
		committed = tx.events
		return nil
	}

	var err error
	if e.atomic != nil {
		err = e.atomic.Atomically(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		if rerr := e.restore(before); rerr != nil {
			logging.Get(logging.CategoryEngine).Error("%s: rollback failed: %v", op, rerr)
		}
		e.seq = before.Seq
		logging.EngineDebug("%s failed: %v", op, err)
		return err
	}

	e.bus.Publish(committed...)
	logging.EngineDebug("%s committed %d events, seq %d", op, len(committed), e.seq)
	return nil
}

// =============================================================================
// BATCH OPERATIONS
// =============================================================================

// DepositForMint queues reserve into the open mint batch.
func (e *Engine) DepositForMint(ctx context.Context, account common.Address, amount fixedpoint.Amount) (uint64, error) {
	return e.deposit(ctx, batch.Mint, account, amount)
}

// DepositForRedeem queues basket tokens into the open redeem batch.
func (e *Engine) DepositForRedeem(ctx context.Context, account common.Address, amount fixedpoint.Amount) (uint64, error) {
	return e.deposit(ctx, batch.Redeem, account, amount)
}

func (e *Engine) deposit(ctx context.Context, kind batch.Kind, account common.Address, amount fixedpoint.Amount) (uint64, error) {
	var id uint64
	err := e.mutate(ctx, "deposit", func(_ context.Context, tx *txn) error {
		var err error
		if id, err = e.queue.Deposit(kind, account, amount); err != nil {
			return err
		}
		tx.emit(events.KindDeposit, depositEvent(kind, id, account, amount))
		return nil
	})
	return id, err
}

func depositEvent(kind batch.Kind, id uint64, account common.Address, amount fixedpoint.Amount) func(*events.Event) {
	return func(ev *events.Event) {
		ev.Batch = id
		ev.Account = account
		ev.Amount = amount
		ev.Shares = amount
		ev.Extra = map[string]string{"batch_type": kind.String()}
	}
}

// WithdrawFromBatch returns amount of the account's deposit from an open
// batch.
func (e *Engine) WithdrawFromBatch(ctx context.Context, batchID uint64, amount fixedpoint.Amount, account common.Address) (batch.Batch, error) {
	var b batch.Batch
	err := e.mutate(ctx, "withdraw_from_batch", func(_ context.Context, tx *txn) error {
		var err error
		if b, err = e.queue.WithdrawFromBatch(batchID, amount, account); err != nil {
			return err
		}
		tx.emit(events.KindWithdrawnFromBatch, withdrawEvent(b, account, amount))
		return nil
	})
	return b, err
}

func withdrawEvent(b batch.Batch, account common.Address, amount fixedpoint.Amount) func(*events.Event) {
	return func(ev *events.Event) {
		ev.Batch = b.ID
		ev.Account = account
		ev.Amount = amount
		ev.Shares = amount
		ev.Extra = map[string]string{"batch_type": b.Kind.String()}
	}
}

// Execute settles the open batch of kind.
func (e *Engine) Execute(ctx context.Context, kind batch.Kind, opts batch.ExecuteOptions) (batch.Result, error) {
	var res batch.Result
	err := e.mutate(ctx, "execute_"+kind.String(), func(ctx context.Context, tx *txn) error {
		var err error
		if res, err = e.proc.Execute(ctx, kind, opts); err != nil {
			return err
		}
		evKind := events.KindBatchMinted
		if kind == batch.Redeem {
			evKind = events.KindBatchRedeemed
		}
		tx.emit(evKind, func(ev *events.Event) {
			ev.Batch = res.Batch.ID
			ev.Amount = res.Batch.SuppliedTotal
			ev.Shares = res.Batch.ClaimableTotal
			ev.Extra = map[string]string{
				"output":        res.Batch.ClaimableTotal.String(),
				"next_batch_id": fmt.Sprint(res.NextBatchID),
			}
		})
		return nil
	})
	return res, err
}

// Claim pays out the account's share of a settled batch.
func (e *Engine) Claim(ctx context.Context, batchID uint64, account common.Address) (batch.ClaimResult, error) {
	var res batch.ClaimResult
	err := e.mutate(ctx, "claim", func(_ context.Context, tx *txn) error {
		var err error
		if res, err = e.claims.Claim(batchID, account); err != nil {
			return err
		}
		tx.emit(events.KindClaimed, claimEvent(res))
		return nil
	})
	return res, err
}

func claimEvent(res batch.ClaimResult) func(*events.Event) {
	return func(ev *events.Event) {
		ev.Batch = res.BatchID
		ev.Account = res.Account
		ev.Amount = res.Payout
		ev.Shares = res.Shares
		ev.Extra = map[string]string{"batch_type": res.Kind.String()}
	}
}

// =============================================================================
// VAULT OPERATIONS
// =============================================================================

// VaultDeposit deposits amount into the share vault for account.
func (e *Engine) VaultDeposit(ctx context.Context, account common.Address, amount fixedpoint.Amount) (vault.DepositResult, error) {
	var res vault.DepositResult
	err := e.mutate(ctx, "vault_deposit", func(ctx context.Context, tx *txn) error {
		var err error
		if res, err = e.vault.Deposit(ctx, account, amount); err != nil {
			return err
		}
		e.emitFees(tx, res.Report)
		tx.emit(events.KindVaultDeposit, func(ev *events.Event) {
			ev.Account = account
			ev.Amount = amount
			ev.Shares = res.Shares
		})
		return nil
	})
	return res, err
}

// VaultWithdraw redeems shares from the share vault for account.
func (e *Engine) VaultWithdraw(ctx context.Context, account common.Address, shares fixedpoint.Amount) (vault.WithdrawResult, error) {
	var res vault.WithdrawResult
	err := e.mutate(ctx, "vault_withdraw", func(ctx context.Context, tx *txn) error {
		var err error
		if res, err = e.vault.Withdraw(ctx, account, shares); err != nil {
			return err
		}
		e.emitFees(tx, res.Report)
		if !res.Fee.IsZero() {
			tx.emit(events.KindVaultWithdrawalFee, func(ev *events.Event) {
				ev.Account = res.FeeRecipient
				ev.Amount = res.Fee
				ev.Shares = res.FeeShares
			})
		}
		tx.emit(events.KindVaultWithdrawal, func(ev *events.Event) {
			ev.Account = account
			ev.Amount = res.Net
			ev.Shares = shares
			ev.Extra = map[string]string{"gross": res.Gross.String(), "received": res.Received.String()}
		})
		return nil
	})
	return res, err
}

// VaultReport accrues vault fees.
func (e *Engine) VaultReport(ctx context.Context) (vault.ReportResult, error) {
	var res vault.ReportResult
	err := e.mutate(ctx, "vault_report", func(ctx context.Context, tx *txn) error {
		var err error
		if res, err = e.vault.TakeFees(ctx); err != nil {
			return err
		}
		if !res.Changed {
			return nil
		}
		e.emitFees(tx, res)
		tx.emit(events.KindVaultReport, func(ev *events.Event) {
			ev.Amount = res.Value
			ev.Extra = map[string]string{"elapsed": res.Elapsed.String()}
		})
		return nil
	})
	return res, err
}

func (e *Engine) emitFees(tx *txn, r vault.ReportResult) {
	if r.FeeShares.IsZero() {
		return
	}
	tx.emit(events.KindVaultFees, func(ev *events.Event) {
		ev.Account = r.FeeRecipient
		ev.Amount = r.Fee
		ev.Shares = r.FeeShares
		ev.Extra = map[string]string{
			"management_fee":  r.ManagementFee.String(),
			"performance_fee": r.PerformanceFee.String(),
		}
	})
}

// =============================================================================
// GOVERNANCE
// =============================================================================

// SetFeeRates replaces the vault fee rates. Only the governor may call it.
func (e *Engine) SetFeeRates(ctx context.Context, caller common.Address, rates vault.FeeRates) error {
	return e.mutate(ctx, "set_fee_rates", func(_ context.Context, tx *txn) error {
		if err := e.vault.SetFeeRates(caller, rates); err != nil {
			return err
		}
		tx.emit(events.KindFeeRatesChanged, func(ev *events.Event) {
			ev.Account = caller
			ev.Extra = map[string]string{
				"management_bps":  fmt.Sprint(rates.ManagementBps),
				"performance_bps": fmt.Sprint(rates.PerformanceBps),
				"withdrawal_bps":  fmt.Sprint(rates.WithdrawalBps),
			}
		})
		return nil
	})
}

// SetFeeRecipient changes who receives vault fee shares.
func (e *Engine) SetFeeRecipient(ctx context.Context, caller, recipient common.Address) error {
	return e.mutate(ctx, "set_fee_recipient", func(context.Context, *txn) error {
		return e.vault.SetFeeRecipient(caller, recipient)
	})
}

// SetBatchParams replaces the cooldown and thresholds. The vault governor
// governs batches too.
func (e *Engine) SetBatchParams(ctx context.Context, caller common.Address, params batch.Params) error {
	return e.mutate(ctx, "set_batch_params", func(_ context.Context, tx *txn) error {
		if caller != e.vault.Governor() {
			return fmt.Errorf("%w: %s is not the governor", vault.ErrUnauthorized, caller.Hex())
		}
		if err := e.proc.SetParams(params); err != nil {
			return fmt.Errorf("%w: %w", batch.ErrInvalidAmount, err)
		}
		tx.emit(events.KindBatchParamsChanged, func(ev *events.Event) {
			ev.Account = caller
			ev.Extra = map[string]string{
				"cooldown":         params.Cooldown.String(),
				"mint_threshold":   params.MintThreshold.String(),
				"redeem_threshold": params.RedeemThreshold.String(),
			}
		})
		return nil
	})
}
