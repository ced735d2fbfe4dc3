// Package checkpoint persists harvest progress so a killed run can resume
// from its last flush instead of starting over.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nlgeodata/harvest-cli/internal/model"
)

// Manager reads and writes the checkpoint file for one run. The file is read
// wholesale at start and rewritten wholesale at every flush boundary.
type Manager struct {
	path string
	log  *zap.Logger
}

// NewManager creates a Manager for the given checkpoint path.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		log:  zap.L().With(zap.String("component", "checkpoint")),
	}
}

// Path returns the checkpoint file location.
func (m *Manager) Path() string { return m.path }

// Load returns the persisted state, or an empty state when the file is
// missing or unreadable. A fresh start is never an error: a corrupt
// checkpoint costs a re-fetch, not the run.
func (m *Manager) Load() (*model.CheckpointState, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.log.Info("no checkpoint found, starting from scratch", zap.String("path", m.path))
			return model.NewCheckpointState(), nil
		}
		m.log.Warn("checkpoint unreadable, starting from scratch",
			zap.String("path", m.path), zap.Error(err))
		return model.NewCheckpointState(), nil
	}

	var state model.CheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		m.log.Warn("checkpoint corrupt, starting from scratch",
			zap.String("path", m.path), zap.Error(err))
		return model.NewCheckpointState(), nil
	}
	if state.CompletedKeys == nil {
		state.CompletedKeys = make(map[string]bool)
	}

	m.log.Info("checkpoint loaded",
		zap.Int("completed", len(state.CompletedKeys)),
		zap.Time("updated_at", state.UpdatedAt),
	)
	return &state, nil
}

// Save persists the full state. It writes to a temp file in the same
// directory and renames it into place so a crash mid-write never leaves a
// half-written checkpoint as the current file.
func (m *Manager) Save(state *model.CheckpointState) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal state")
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "checkpoint: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: close temp file")
	}

	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "checkpoint: rename into %s", m.path)
	}
	return nil
}

// Remove deletes the checkpoint file once the work list has been exhausted.
// A missing file is not an error.
func (m *Manager) Remove() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "checkpoint: remove %s", m.path)
	}
	return nil
}
