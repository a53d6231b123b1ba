//go:build integration

package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with: BASKET_PG_DSN=postgres://... go test -tags integration ./internal/store
func TestPGStoreIntegration(t *testing.T) {
	dsn := os.Getenv("BASKET_PG_DSN")
	if dsn == "" {
		t.Skip("BASKET_PG_DSN not set")
	}
	ctx := context.Background()

	s, err := OpenPGStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec(ctx, `TRUNCATE basket_events; DELETE FROM basket_snapshots`)
	require.NoError(t, err)

	want := sampleEvents(1, 4)
	require.NoError(t, s.Commit(ctx, want, Snapshot{Seq: 4, Data: json.RawMessage(`{"v":1}`), SavedAt: time.Now()}))

	got, err := s.Events(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, want[1].ID, got[0].ID)
	assert.Equal(t, want[1].Amount, got[0].Amount)

	assert.Error(t, s.AppendEvents(ctx, want[:1]), "duplicate seq")

	snap, ok, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), snap.Seq)
	assert.JSONEq(t, `{"v":1}`, string(snap.Data))
}
