package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"basketbatch/internal/events"
	"basketbatch/internal/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the journal and snapshot in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("sqlite store opened at %s", path)
	return store, nil
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	eventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		at INTEGER NOT NULL,
		batch INTEGER NOT NULL DEFAULT 0,
		account TEXT NOT NULL,
		amount TEXT NOT NULL,
		shares TEXT NOT NULL,
		extra TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_account ON events(account);
	`

	// Single-row table: the latest engine snapshot.
	snapshotTable := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		seq INTEGER NOT NULL,
		data TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);
	`

	pragmas := `PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`

	for _, stmt := range []string{pragmas, eventsTable, snapshotTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEvents(ctx context.Context, db execer, evs []events.Event) error {
	for _, e := range evs {
		r, err := toRow(e)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx,
			`INSERT INTO events (seq, id, kind, at, batch, account, amount, shares, extra)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.seq, r.id, r.kind, r.at, r.batch, r.account, r.amount, r.shares, r.extra,
		)
		if err != nil {
			return fmt.Errorf("failed to append event %d: %w", e.Seq, err)
		}
	}
	return nil
}

func saveSnapshot(ctx context.Context, db execer, snap Snapshot) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO snapshots (id, seq, data, saved_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, data = excluded.data, saved_at = excluded.saved_at`,
		int64(snap.Seq), string(snap.Data), snap.SavedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// AppendEvents adds events to the journal in one transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, evs []events.Event) error {
	return s.Commit(ctx, evs, Snapshot{})
}

// SaveSnapshot replaces the stored snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSnapshot(ctx, s.db, snap)
}

// Commit appends evs and, if snap carries data, replaces the snapshot, all in
// one transaction.
func (s *SQLiteStore) Commit(ctx context.Context, evs []events.Event, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendEvents(ctx, tx, evs); err != nil {
		return err
	}
	if len(snap.Data) > 0 {
		if err := saveSnapshot(ctx, tx, snap); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logging.StoreDebug("committed %d events (snapshot seq %d)", len(evs), snap.Seq)
	return nil
}

// Events returns up to limit events after afterSeq.
func (s *SQLiteStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, kind, at, batch, account, amount, shares, extra
		 FROM events WHERE seq > ? ORDER BY seq LIMIT ?`,
		int64(afterSeq), eventLimit(limit),
	)
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

// LoadSnapshot returns the stored snapshot, if any.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		seq     int64
		data    string
		savedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT seq, data, saved_at FROM snapshots WHERE id = 1`).Scan(&seq, &data, &savedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return Snapshot{Seq: uint64(seq), Data: []byte(data), SavedAt: time.Unix(0, savedAt).UTC()}, true, nil
}
