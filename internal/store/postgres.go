package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"basketbatch/internal/events"
	"basketbatch/internal/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryTimeout bounds every Postgres round trip.
const queryTimeout = 4 * time.Second

const pgSchema = `
CREATE TABLE IF NOT EXISTS basket_events (
    seq      BIGINT PRIMARY KEY,
    id       UUID NOT NULL UNIQUE,
    kind     TEXT NOT NULL,
    at       BIGINT NOT NULL,
    batch    BIGINT NOT NULL DEFAULT 0,
    account  TEXT NOT NULL,
    amount   TEXT NOT NULL,
    shares   TEXT NOT NULL,
    extra    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS basket_snapshots (
    id       SMALLINT PRIMARY KEY CHECK (id = 1),
    seq      BIGINT NOT NULL,
    data     JSONB NOT NULL,
    saved_at TIMESTAMPTZ NOT NULL
);
`

// PGStore keeps the journal and snapshot in Postgres.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore wraps an existing pool and ensures the schema exists.
func NewPGStore(ctx context.Context, db *pgxpool.Pool) (*PGStore, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if _, err := db.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PGStore{db: db}, nil
}

// OpenPGStore connects to dsn and returns a store owning the pool.
func OpenPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	s, err := NewPGStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	logging.Store("postgres store connected")
	return s, nil
}

// Close releases the pool.
func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

const insertEventSQL = `
    INSERT INTO basket_events (seq, id, kind, at, batch, account, amount, shares, extra)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`

const upsertSnapshotSQL = `
    INSERT INTO basket_snapshots (id, seq, data, saved_at)
    VALUES (1, $1, $2, $3)
    ON CONFLICT (id) DO UPDATE SET
        seq      = EXCLUDED.seq,
        data     = EXCLUDED.data,
        saved_at = EXCLUDED.saved_at
`

func queueEvents(b *pgx.Batch, evs []events.Event) error {
	for _, e := range evs {
		r, err := toRow(e)
		if err != nil {
			return err
		}
		b.Queue(insertEventSQL, r.seq, r.id, r.kind, r.at, r.batch, r.account, r.amount, r.shares, r.extra)
	}
	return nil
}

// AppendEvents inserts evs in a single batch.
func (s *PGStore) AppendEvents(ctx context.Context, evs []events.Event) error {
	return s.Commit(ctx, evs, Snapshot{})
}

// SaveSnapshot upserts the snapshot row.
func (s *PGStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if _, err := s.db.Exec(ctx, upsertSnapshotSQL, int64(snap.Seq), string(snap.Data), snap.SavedAt); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Commit writes evs and the snapshot (when it carries data) in one
// transaction.
func (s *PGStore) Commit(ctx context.Context, evs []events.Event, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	b := &pgx.Batch{}
	if err := queueEvents(b, evs); err != nil {
		return err
	}
	if len(snap.Data) > 0 {
		b.Queue(upsertSnapshotSQL, int64(snap.Seq), string(snap.Data), snap.SavedAt)
	}
	if b.Len() == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		return nil
	})
}

// Events returns up to limit events after afterSeq.
func (s *PGStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]events.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.Query(ctx, `
        SELECT seq, id::text, kind, at, batch, account, amount, shares, extra
        FROM basket_events
        WHERE seq > $1
        ORDER BY seq
        LIMIT $2
    `, int64(afterSeq), eventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var r eventRow
		if err := rows.Scan(&r.seq, &r.id, &r.kind, &r.at, &r.batch, &r.account, &r.amount, &r.shares, &r.extra); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadSnapshot returns the snapshot row, if any.
func (s *PGStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		snap Snapshot
		seq  int64
		data string
	)
	err := s.db.QueryRow(ctx, `
        SELECT seq, data::text, saved_at FROM basket_snapshots WHERE id = 1
    `).Scan(&seq, &data, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snap.Seq = uint64(seq)
	snap.Data = []byte(data)
	snap.SavedAt = snap.SavedAt.UTC()
	return snap, true, nil
}
