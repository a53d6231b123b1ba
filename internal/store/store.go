// Package store persists the engine's event journal and its latest state
// snapshot. SQLiteStore is the default local backend, PGStore targets a
// shared Postgres database and MemoryStore serves tests and dry runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"basketbatch/internal/events"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("store closed")

// Snapshot is a serialized engine state as of journal sequence Seq.
type Snapshot struct {
	Seq     uint64          `json:"seq"`
	Data    json.RawMessage `json:"data"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store is the persistence contract of the engine.
type Store interface {
	// AppendEvents adds events to the journal. Sequence numbers must be
	// unique.
	AppendEvents(ctx context.Context, evs []events.Event) error
	// Events returns up to limit events with Seq > afterSeq in Seq order.
	Events(ctx context.Context, afterSeq uint64, limit int) ([]events.Event, error)
	// SaveSnapshot replaces the stored snapshot.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LoadSnapshot returns the stored snapshot; ok is false if none exists.
	LoadSnapshot(ctx context.Context) (snap Snapshot, ok bool, err error)
	// Commit appends events and replaces the snapshot in one transaction.
	Commit(ctx context.Context, evs []events.Event, snap Snapshot) error
	Close() error
}

// DefaultEventLimit caps Events when limit is not positive.
const DefaultEventLimit = 100

func eventLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventLimit
	}
	return limit
}

// eventRow is the column form of an event shared by the SQL backends.
type eventRow struct {
	seq     int64
	id      string
	kind    string
	at      int64
	batch   int64
	account string
	amount  string
	shares  string
	extra   string
}

func toRow(e events.Event) (eventRow, error) {
	extra := ""
	if len(e.Extra) > 0 {
		data, err := json.Marshal(e.Extra)
		if err != nil {
			return eventRow{}, fmt.Errorf("failed to encode extra: %w", err)
		}
		extra = string(data)
	}
	return eventRow{
		seq:     int64(e.Seq),
		id:      e.ID.String(),
		kind:    string(e.Kind),
		at:      e.At.UnixNano(),
		batch:   int64(e.Batch),
		account: e.Account.Hex(),
		amount:  e.Amount.String(),
		shares:  e.Shares.String(),
		extra:   extra,
	}, nil
}

func (r eventRow) event() (events.Event, error) {
	id, err := uuid.Parse(r.id)
	if err != nil {
		return events.Event{}, fmt.Errorf("event %d: bad id: %w", r.seq, err)
	}
	e := events.Event{
		ID:      id,
		Seq:     uint64(r.seq),
		Kind:    events.Kind(r.kind),
		At:      time.Unix(0, r.at).UTC(),
		Batch:   uint64(r.batch),
		Account: common.HexToAddress(r.account),
	}
	if err := e.Amount.Scan(r.amount); err != nil {
		return events.Event{}, fmt.Errorf("event %d: %w", r.seq, err)
	}
	if err := e.Shares.Scan(r.shares); err != nil {
		return events.Event{}, fmt.Errorf("event %d: %w", r.seq, err)
	}
	if r.extra != "" {
		if err := json.Unmarshal([]byte(r.extra), &e.Extra); err != nil {
			return events.Event{}, fmt.Errorf("event %d: bad extra: %w", r.seq, err)
		}
	}
	return e, nil
}
