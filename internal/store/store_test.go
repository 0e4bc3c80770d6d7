package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "history", "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"local":  NewLocal(0),
		"sqlite": newTestDB(t),
	}
}

func TestAddAndRecent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

			require.NoError(t, s.Add(ctx, Record{Timestamp: at, Kind: "dm", Sender: "alice", Recipient: "bob", Content: "hi", Status: StatusSent}))
			require.NoError(t, s.Add(ctx, Record{Timestamp: at.Add(time.Second), Kind: "channel", Channel: "general", Sender: "bob", Content: "yo", Status: StatusReceived}))

			recs, err := s.Recent(ctx, 10)
			require.NoError(t, err)
			require.Len(t, recs, 2)

			assert.Equal(t, "hi", recs[0].Content)
			assert.Equal(t, "bob", recs[0].Recipient)
			assert.True(t, at.Equal(recs[0].Timestamp))
			assert.Equal(t, "general", recs[1].Channel)
			assert.Equal(t, StatusReceived, recs[1].Status)
			assert.Less(t, recs[0].ID, recs[1].ID)
		})
	}
}

func TestRecentLimitKeepsNewest(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, s.Add(ctx, Record{Kind: "public", Sender: "alice", Content: fmt.Sprint(i), Status: StatusSent}))
			}

			recs, err := s.Recent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "3", recs[0].Content)
			assert.Equal(t, "4", recs[1].Content)

			all, err := s.Recent(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestLocalBound(t *testing.T) {
	s := NewLocal(3)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Add(ctx, Record{Content: fmt.Sprint(i)}))
	}

	recs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "7", recs[0].Content)
	assert.Equal(t, int64(10), recs[2].ID)
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Add(context.Background(), Record{Kind: "dm", Sender: "a", Content: "kept", Status: StatusSent}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "kept", recs[0].Content)
}

func TestSQLitePragmas(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	defer s.Close()

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}
