// Package runlog records one row per harvest run so operators can see what
// ran, when, and with what totals — independent of the checkpoint file,
// which only exists while a run is incomplete.
package runlog

import (
	"context"
	"time"
)

// Status of a recorded run.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Entry is one recorded harvest run.
type Entry struct {
	ID             string     `json:"id"`
	Dataset        string     `json:"dataset"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ItemsSucceeded int        `json:"items_succeeded"`
	ItemsFailed    int        `json:"items_failed"`
	CheckpointPath string     `json:"checkpoint_path,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Result holds the totals passed to Complete.
type Result struct {
	ItemsSucceeded int
	ItemsFailed    int
}

// Store persists run entries. Implementations: SQLite (default, local file)
// and Postgres (shared infrastructure).
type Store interface {
	// Start records the beginning of a run and returns its ID.
	Start(ctx context.Context, dataset, checkpointPath string) (string, error)

	// Complete marks a run as successfully finished.
	Complete(ctx context.Context, id string, result Result) error

	// Fail marks a run as failed with an error message.
	Fail(ctx context.Context, id string, errMsg string) error

	// Last returns the most recent entry for a dataset, or nil if none.
	Last(ctx context.Context, dataset string) (*Entry, error)

	// List returns entries ordered by most recent first, up to limit
	// (0 = no limit).
	List(ctx context.Context, limit int) ([]Entry, error)

	// Close releases the underlying connection.
	Close() error
}
