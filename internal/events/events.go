// Package events defines the engine's event records and an in-process
// fan-out bus for live subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"basketbatch/internal/fixedpoint"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

const (
	KindDeposit            Kind = "deposit"
	KindWithdrawnFromBatch Kind = "withdrawn_from_batch"
	KindBatchMinted        Kind = "batch_minted"
	KindBatchRedeemed      Kind = "batch_redeemed"
	KindClaimed            Kind = "claimed"
	KindVaultDeposit       Kind = "vault_deposit"
	KindVaultWithdrawal    Kind = "vault_withdrawal"
	KindVaultWithdrawalFee Kind = "vault_withdrawal_fee"
	KindVaultFees          Kind = "vault_fees"
	KindVaultReport        Kind = "vault_report"
	KindZappedIntoQueue    Kind = "zapped_into_queue"
	KindZappedOutOfQueue   Kind = "zapped_out_of_queue"
	KindClaimedIntoStable  Kind = "claimed_into_stable"
	KindFeeRatesChanged    Kind = "fee_rates_changed"
	KindBatchParamsChanged Kind = "batch_params_changed"
)

// Event is one journaled state change. Seq is assigned by the engine when
// the operation commits and is strictly increasing.
type Event struct {
	ID      uuid.UUID         `json:"id"`
	Seq     uint64            `json:"seq"`
	Kind    Kind              `json:"kind"`
	At      time.Time         `json:"at"`
	Batch   uint64            `json:"batch,omitempty"`
	Account common.Address    `json:"account"`
	Amount  fixedpoint.Amount `json:"amount"`
	Shares  fixedpoint.Amount `json:"shares"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// New returns an event of kind with a fresh ID.
func New(kind Kind, at time.Time) Event {
	return Event{ID: uuid.New(), Kind: kind, At: at.UTC()}
}

// =============================================================================
// BUS
// =============================================================================

// DefaultBuffer is the per-subscriber queue length used when NewBus is given
// a non-positive size.
const DefaultBuffer = 256

// Bus fans published events out to subscribers. Publish never blocks: a
// subscriber whose queue is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

// NewBus returns a bus with buffer slots per subscriber.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan Event

	id  uint64
	ch  chan Event
	bus *Bus
}

// Subscribe registers a new subscriber. Subscribing to a closed bus returns
// a subscription whose channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// Publish delivers events, in order, to every subscriber with room.
func (b *Bus) Publish(events ...Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range events {
		for _, s := range b.subs {
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for full queues.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription; later subscriptions start closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
	b.closed = true
}
