package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_RecordAndList(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ok := domain.WorkerResult{
		WorkerID:      "w1",
		Branch:        "feat/login",
		Status:        ipcprotocol.StatusComplete,
		Success:       true,
		Response:      "added the form",
		ToolCallCount: 7,
		TokensUsed:    1234,
		Duration:      90 * time.Second,
		PRURL:         "https://github.com/acme/app/pull/1",
		Commits:       2,
		FilesChanged:  []string{"login.go", "login_test.go"},
		CompletedAt:   done,
	}
	failed := domain.WorkerResult{
		WorkerID:     "w2",
		Branch:       "feat/docs",
		Status:       ipcprotocol.StatusFailed,
		Error:        "worker w2 crashed after 2 restarts",
		Reason:       ipcprotocol.ReasonProcessCrash,
		RestartCount: 2,
		CompletedAt:  done.Add(time.Minute),
	}
	for _, r := range []domain.WorkerResult{ok, failed} {
		require.NoError(t, store.Record(ctx, r))
	}

	entries, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "w2", entries[0].WorkerID, "entries are newest first")

	got := entries[1]
	assert.Equal(t, store.Session(), got.Session)
	assert.True(t, got.Success)
	assert.Equal(t, ipcprotocol.StatusComplete, got.Status)
	assert.Equal(t, 90*time.Second, got.Duration)
	assert.Equal(t, []string{"login.go", "login_test.go"}, got.FilesChanged)
	assert.Equal(t, ok.PRURL, got.PRURL)
	assert.Equal(t, int64(1234), got.TokensUsed)
	assert.Equal(t, 2, got.Commits)
	assert.True(t, got.CompletedAt.Equal(done), "CompletedAt = %s, want %s", got.CompletedAt, done)

	assert.Equal(t, ipcprotocol.ReasonProcessCrash, entries[0].Reason)
	assert.Equal(t, 2, entries[0].RestartCount)
	assert.Nil(t, entries[0].FilesChanged)
}

func TestStore_ListFilters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "a", "c"} {
		r := domain.WorkerResult{
			WorkerID:    id,
			Branch:      "feat/" + id,
			Status:      ipcprotocol.StatusComplete,
			Success:     id != "b",
			CompletedAt: base.Add(time.Duration(i) * 10 * time.Minute),
		}
		require.NoError(t, store.Record(ctx, r))
	}

	tests := []struct {
		name string
		opts ListOptions
		want int
	}{
		{"all", ListOptions{}, 4},
		{"worker", ListOptions{WorkerID: "a"}, 2},
		{"failed", ListOptions{FailedOnly: true}, 1},
		{"limit", ListOptions{Limit: 3}, 3},
		{"since", ListOptions{Since: base.Add(15 * time.Minute)}, 2},
		{"session", ListOptions{Session: store.Session()}, 4},
		{"other session", ListOptions{Session: "nope"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.List(ctx, tt.opts)
			require.NoError(t, err)
			assert.Len(t, entries, tt.want)
		})
	}
}

func TestStore_SessionsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	ctx := context.Background()

	first, err := New(path)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, domain.WorkerResult{WorkerID: "w1", Branch: "b", Status: ipcprotocol.StatusComplete, CompletedAt: time.Now()}))
	first.Close()

	second, err := New(path)
	require.NoError(t, err)
	defer second.Close()
	assert.NotEqual(t, first.Session(), second.Session(), "sessions should differ per Store")

	entries, err := second.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first.Session(), entries[0].Session)
}
