package batch

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"time"

	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/logging"

	"github.com/ethereum/go-ethereum/common"
)

// Queue owns every Batch and Position record. It is not safe for concurrent
// use; callers serialize access (see engine.Engine).
type Queue struct {
	reserve Asset
	basket  Asset
	now     func() time.Time

	batches        map[uint64]*Batch
	positions      map[positionKey]fixedpoint.Amount
	accountBatches map[common.Address][]uint64

	lastID  uint64
	current [2]uint64
}

// NewQueue opens the first mint and redeem batches. reserve is the mint input
// (and redeem output) asset, basket the basket token.
func NewQueue(reserve, basket Asset, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		reserve:        reserve,
		basket:         basket,
		now:            now,
		batches:        make(map[uint64]*Batch),
		positions:      make(map[positionKey]fixedpoint.Amount),
		accountBatches: make(map[common.Address][]uint64),
	}
	for _, kind := range Kinds {
		q.open(kind)
	}
	return q
}

func (q *Queue) assets(kind Kind) (in, out Asset) {
	if kind == Mint {
		return q.reserve, q.basket
	}
	return q.basket, q.reserve
}

func (q *Queue) open(kind Kind) *Batch {
	q.lastID++
	in, out := q.assets(kind)
	b := &Batch{
		Kind:        kind,
		ID:          q.lastID,
		InputAsset:  in,
		OutputAsset: out,
		OpenedAt:    q.now().UTC(),
	}
	q.batches[b.ID] = b
	q.current[kind] = b.ID
	return b
}

// CurrentID returns the ID of the open batch of kind.
func (q *Queue) CurrentID(kind Kind) uint64 {
	return q.current[kind]
}

// Current returns a copy of the open batch of kind.
func (q *Queue) Current(kind Kind) Batch {
	return *q.batches[q.current[kind]]
}

// Batch returns a copy of the batch with the given ID.
func (q *Queue) Batch(id uint64) (Batch, error) {
	b, ok := q.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("%w: %d", ErrUnknownBatch, id)
	}
	return *b, nil
}

// Position returns the account's shares in a batch (zero if none).
func (q *Queue) Position(account common.Address, batchID uint64) fixedpoint.Amount {
	return q.positions[positionKey{account, batchID}]
}

// DepositForMint queues reserve currency into the open mint batch.
func (q *Queue) DepositForMint(account common.Address, amount fixedpoint.Amount) (uint64, error) {
	return q.Deposit(Mint, account, amount)
}

// DepositForRedeem queues basket tokens into the open redeem batch.
func (q *Queue) DepositForRedeem(account common.Address, amount fixedpoint.Amount) (uint64, error) {
	return q.Deposit(Redeem, account, amount)
}

// Deposit adds amount to the open batch of kind and to the account's position
// in it, and returns the batch ID.
func (q *Queue) Deposit(kind Kind, account common.Address, amount fixedpoint.Amount) (uint64, error) {
	if !kind.valid() {
		return 0, fmt.Errorf("deposit: invalid batch kind %d", int(kind))
	}
	if amount.IsZero() {
		return 0, fmt.Errorf("deposit: %w: zero amount", ErrInvalidAmount)
	}
	b := q.batches[q.current[kind]]
	key := positionKey{account, b.ID}

	supplied, err := b.SuppliedTotal.Add(amount)
	if err != nil {
		return 0, fmt.Errorf("deposit: %w", err)
	}
	unclaimed, err := b.UnclaimedShares.Add(amount)
	if err != nil {
		return 0, fmt.Errorf("deposit: %w", err)
	}
	position, err := q.positions[key].Add(amount)
	if err != nil {
		return 0, fmt.Errorf("deposit: %w", err)
	}

	b.SuppliedTotal = supplied
	b.UnclaimedShares = unclaimed
	q.positions[key] = position
	if !slices.Contains(q.accountBatches[account], b.ID) {
		q.accountBatches[account] = append(q.accountBatches[account], b.ID)
	}

	logging.BatchDebug("deposit %s into %s batch %d by %s (supplied %s)",
		amount.Format(), kind, b.ID, account.Hex(), supplied.Format())
	return b.ID, nil
}

// WithdrawFromBatch returns amount of the account's deposit from a batch that
// has not been settled. Withdrawing the whole position removes it, and the
// batch from the account's list, so deposit followed by withdraw of the same
// amount leaves no trace.
func (q *Queue) WithdrawFromBatch(batchID uint64, amount fixedpoint.Amount, account common.Address) (Batch, error) {
	if amount.IsZero() {
		return Batch{}, fmt.Errorf("withdraw: %w: zero amount", ErrInvalidAmount)
	}
	b, ok := q.batches[batchID]
	if !ok {
		return Batch{}, fmt.Errorf("withdraw: %w: %d", ErrUnknownBatch, batchID)
	}
	if b.Claimable {
		return Batch{}, fmt.Errorf("withdraw: %w: batch %d", ErrBatchAlreadyProcessed, batchID)
	}
	key := positionKey{account, batchID}
	held := q.positions[key]
	if amount.Gt(held) {
		return Batch{}, fmt.Errorf("withdraw: %w: %s requested, %s held", ErrInsufficientPosition, amount.Format(), held.Format())
	}

	supplied, err := b.SuppliedTotal.Sub(amount)
	if err != nil {
		return Batch{}, fmt.Errorf("withdraw: %w", err)
	}
	unclaimed, err := b.UnclaimedShares.Sub(amount)
	if err != nil {
		return Batch{}, fmt.Errorf("withdraw: %w", err)
	}
	remaining, err := held.Sub(amount)
	if err != nil {
		return Batch{}, fmt.Errorf("withdraw: %w", err)
	}

	b.SuppliedTotal = supplied
	b.UnclaimedShares = unclaimed
	if remaining.IsZero() {
		delete(q.positions, key)
		q.forget(account, batchID)
	} else {
		q.positions[key] = remaining
	}

	logging.BatchDebug("withdraw %s from %s batch %d by %s", amount.Format(), b.Kind, batchID, account.Hex())
	return *b, nil
}

func (q *Queue) forget(account common.Address, batchID uint64) {
	ids := slices.DeleteFunc(q.accountBatches[account], func(id uint64) bool { return id == batchID })
	if len(ids) == 0 {
		delete(q.accountBatches, account)
		return
	}
	q.accountBatches[account] = ids
}

// AccountBatches yields the IDs of every batch the account holds a position
// in, in order of first deposit. Withdrawing a whole position drops the batch
// from the list, so a later deposit into it counts as a first deposit and the
// batch moves to the end. The sequence reads the index when ranged over and
// may be ranged over any number of times.
func (q *Queue) AccountBatches(account common.Address) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for _, id := range q.accountBatches[account] {
			if !yield(id) {
				return
			}
		}
	}
}

// Positions yields every position held in a batch, ordered by account.
func (q *Queue) Positions(batchID uint64) iter.Seq[Position] {
	return func(yield func(Position) bool) {
		var held []Position
		for key, shares := range q.positions {
			if key.batchID == batchID {
				held = append(held, Position{Account: key.account, BatchID: batchID, Shares: shares})
			}
		}
		sort.Slice(held, func(i, j int) bool {
			return held[i].Account.Cmp(held[j].Account) < 0
		})
		for _, p := range held {
			if !yield(p) {
				return
			}
		}
	}
}

// finalize settles the open batch of kind with output and opens its
// successor. It returns the settled batch.
func (q *Queue) finalize(kind Kind, output fixedpoint.Amount, at time.Time) Batch {
	b := q.batches[q.current[kind]]
	b.ClaimableTotal = output
	b.Claimable = true
	b.ProcessedAt = at.UTC()
	b.FinalShares = b.UnclaimedShares
	b.FinalClaimable = output
	next := q.open(kind)
	logging.Batch("%s batch %d settled: supplied %s, output %s; batch %d open",
		kind, b.ID, b.SuppliedTotal.Format(), output.Format(), next.ID)
	return *b
}

// burn removes a claimed position and the exact shares and payout it took.
func (q *Queue) burn(account common.Address, batchID uint64, shares, payout fixedpoint.Amount) (Batch, error) {
	b := q.batches[batchID]
	unclaimed, err := b.UnclaimedShares.Sub(shares)
	if err != nil {
		return Batch{}, err
	}
	claimable, err := b.ClaimableTotal.Sub(payout)
	if err != nil {
		return Batch{}, err
	}
	b.UnclaimedShares = unclaimed
	b.ClaimableTotal = claimable
	delete(q.positions, positionKey{account, batchID})
	return *b, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// QueueState is the serializable form of a Queue.
type QueueState struct {
	Batches        []Batch                     `json:"batches"`
	Positions      []Position                  `json:"positions"`
	AccountBatches map[common.Address][]uint64 `json:"account_batches"`
	LastID         uint64                      `json:"last_id"`
	CurrentMint    uint64                      `json:"current_mint"`
	CurrentRedeem  uint64                      `json:"current_redeem"`
}

// State returns a deep copy of the queue, batches ordered by ID and
// positions by (batch, account).
func (q *Queue) State() QueueState {
	st := QueueState{
		AccountBatches: make(map[common.Address][]uint64, len(q.accountBatches)),
		LastID:         q.lastID,
		CurrentMint:    q.current[Mint],
		CurrentRedeem:  q.current[Redeem],
	}
	for _, b := range q.batches {
		st.Batches = append(st.Batches, *b)
	}
	sort.Slice(st.Batches, func(i, j int) bool { return st.Batches[i].ID < st.Batches[j].ID })
	for key, shares := range q.positions {
		st.Positions = append(st.Positions, Position{Account: key.account, BatchID: key.batchID, Shares: shares})
	}
	sort.Slice(st.Positions, func(i, j int) bool {
		if st.Positions[i].BatchID != st.Positions[j].BatchID {
			return st.Positions[i].BatchID < st.Positions[j].BatchID
		}
		return st.Positions[i].Account.Cmp(st.Positions[j].Account) < 0
	})
	for account, ids := range q.accountBatches {
		st.AccountBatches[account] = slices.Clone(ids)
	}
	return st
}

// Restore replaces the queue contents with st.
func (q *Queue) Restore(st QueueState) error {
	batches := make(map[uint64]*Batch, len(st.Batches))
	for i := range st.Batches {
		b := st.Batches[i]
		batches[b.ID] = &b
	}
	for _, id := range []uint64{st.CurrentMint, st.CurrentRedeem} {
		b, ok := batches[id]
		if !ok || b.Claimable {
			return fmt.Errorf("restore: current batch %d missing or settled", id)
		}
	}
	positions := make(map[positionKey]fixedpoint.Amount, len(st.Positions))
	for _, p := range st.Positions {
		if _, ok := batches[p.BatchID]; !ok {
			return fmt.Errorf("restore: position references %w %d", ErrUnknownBatch, p.BatchID)
		}
		positions[positionKey{p.Account, p.BatchID}] = p.Shares
	}
	accountBatches := make(map[common.Address][]uint64, len(st.AccountBatches))
	for account, ids := range st.AccountBatches {
		accountBatches[account] = slices.Clone(ids)
	}

	q.batches = batches
	q.positions = positions
	q.accountBatches = accountBatches
	q.lastID = st.LastID
	q.current = [2]uint64{Mint: st.CurrentMint, Redeem: st.CurrentRedeem}
	return nil
}
