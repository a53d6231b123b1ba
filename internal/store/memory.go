package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"basketbatch/internal/events"
)

// MemoryStore is a Store that lives only as long as the process.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []events.Event
	seqs     map[uint64]struct{}
	snapshot *Snapshot
	closed   bool

	// FailCommit, when set, is returned by the next Commit instead of
	// writing anything.
	FailCommit error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seqs: make(map[uint64]struct{})}
}

func (s *MemoryStore) AppendEvents(ctx context.Context, evs []events.Event) error {
	return s.Commit(ctx, evs, Snapshot{})
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	return s.Commit(ctx, nil, snap)
}

func (s *MemoryStore) Commit(ctx context.Context, evs []events.Event, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.FailCommit; err != nil {
		s.FailCommit = nil
		return err
	}
	seen := make(map[uint64]struct{}, len(evs))
	for _, e := range evs {
		_, dup := s.seqs[e.Seq]
		_, dupBatch := seen[e.Seq]
		if dup || dupBatch {
			return fmt.Errorf("failed to append event %d: duplicate seq", e.Seq)
		}
		seen[e.Seq] = struct{}{}
	}
	for _, e := range evs {
		s.seqs[e.Seq] = struct{}{}
		s.events = append(s.events, e)
	}
	slices.SortFunc(s.events, func(a, b events.Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	if len(snap.Data) > 0 {
		cp := snap
		cp.Data = slices.Clone(snap.Data)
		s.snapshot = &cp
	}
	return nil
}

func (s *MemoryStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	limit = eventLimit(limit)
	var out []events.Event
	for _, e := range s.events {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Snapshot{}, false, ErrClosed
	}
	if s.snapshot == nil {
		return Snapshot{}, false, nil
	}
	cp := *s.snapshot
	cp.Data = slices.Clone(cp.Data)
	return cp, true, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
