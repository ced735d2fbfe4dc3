package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlgeodata/harvest-cli/internal/config"
	"github.com/nlgeodata/harvest-cli/internal/model"
	"github.com/nlgeodata/harvest-cli/internal/runlog"
)

func TestInitRunlogDrivers(t *testing.T) {
	ctx := context.Background()

	st, err := initRunlog(ctx, config.RunlogConfig{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = initRunlog(ctx, config.RunlogConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "runs.db"),
	})
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NoError(t, st.Close())

	_, err = initRunlog(ctx, config.RunlogConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestFormatCheckpoint(t *testing.T) {
	saved := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	state := &model.CheckpointState{
		CompletedKeys: map[string]bool{"1011AB:1": true, "1011AB:2": true},
		TotalSuccess:  1,
		TotalFailed:   1,
		UpdatedAt:     saved,
	}

	var b strings.Builder
	formatCheckpoint(&b, "data/checkpoint.json", true, state, 100)
	out := b.String()
	assert.Contains(t, out, "data/checkpoint.json")
	assert.Contains(t, out, "2")
	assert.Contains(t, out, "at most 100 items")
	assert.NotContains(t, out, "starts fresh")

	// An existing checkpoint with zero completed items is still a resume
	// point; only a missing file means a fresh start.
	b.Reset()
	formatCheckpoint(&b, "data/checkpoint.json", true, model.NewCheckpointState(), 100)
	assert.NotContains(t, b.String(), "starts fresh")
	assert.Contains(t, b.String(), "Completed items:")

	b.Reset()
	formatCheckpoint(&b, "data/checkpoint.json", false, model.NewCheckpointState(), 100)
	assert.Contains(t, b.String(), "starts fresh")
}

func TestFormatRunsList(t *testing.T) {
	started := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Minute)
	entries := []runlog.Entry{
		{
			ID:             "3f1c9a2b-0000-0000-0000-000000000000",
			Dataset:        "bag-adressen",
			Status:         runlog.StatusComplete,
			StartedAt:      started,
			CompletedAt:    &completed,
			ItemsSucceeded: 950,
			ItemsFailed:    50,
		},
		{
			ID:        "ab12cd34-0000-0000-0000-000000000000",
			Dataset:   "woz-waarden",
			Status:    runlog.StatusRunning,
			StartedAt: started,
		},
	}

	var b strings.Builder
	formatRunsList(&b, entries)
	out := b.String()

	assert.Contains(t, out, "3f1c9a2b")
	assert.NotContains(t, out, "3f1c9a2b-0000")
	assert.Contains(t, out, "bag-adressen")
	assert.Contains(t, out, "1h30m0s")
	assert.Contains(t, out, "950")
	assert.Contains(t, out, "running")
}

func TestFormatRun(t *testing.T) {
	started := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	var b strings.Builder
	formatRun(&b, runlog.Entry{
		ID:        "ab12cd34-9999-0000-0000-000000000000",
		Dataset:   "bag-adressen",
		Status:    runlog.StatusFailed,
		StartedAt: started,
		Error:     "fatal error on 1011AB:1",
	})
	out := b.String()

	assert.Contains(t, out, "ab12cd34")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "fatal error on 1011AB:1")
	assert.NotContains(t, out, "Finished")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("123456789abc"))
	assert.Equal(t, "short", truncateID("short"))
}
