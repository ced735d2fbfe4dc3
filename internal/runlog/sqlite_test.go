package runlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_StartCompleteRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	id, err := s.Start(ctx, "bag-adressen", "/tmp/ckpt.json")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	last, err := s.Last(ctx, "bag-adressen")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, StatusRunning, last.Status)
	assert.Equal(t, "/tmp/ckpt.json", last.CheckpointPath)
	assert.Nil(t, last.CompletedAt)

	require.NoError(t, s.Complete(ctx, id, Result{ItemsSucceeded: 950, ItemsFailed: 50}))

	last, err = s.Last(ctx, "bag-adressen")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, last.Status)
	assert.Equal(t, 950, last.ItemsSucceeded)
	assert.Equal(t, 50, last.ItemsFailed)
	assert.NotNil(t, last.CompletedAt)
}

func TestSQLite_Fail(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	id, err := s.Start(ctx, "woz", "")
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, "upstream unreachable"))

	last, err := s.Last(ctx, "woz")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, last.Status)
	assert.Equal(t, "upstream unreachable", last.Error)
}

func TestSQLite_LastUnknownDataset(t *testing.T) {
	s := newTestSQLite(t)

	last, err := s.Last(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestSQLite_List(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for _, ds := range []string{"a", "b", "c"} {
		_, err := s.Start(ctx, ds, "")
		require.NoError(t, err)
	}

	entries, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, err = s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
