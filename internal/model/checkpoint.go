package model

import "time"

// CheckpointState is the durable progress record for one harvest run. It is
// owned exclusively by the engine for the duration of a run, mutated only at
// flush boundaries, and persisted wholesale.
type CheckpointState struct {
	CompletedKeys map[string]bool `json:"completed_keys"`
	LastIndex     int             `json:"last_index"`
	TotalSuccess  int             `json:"total_success"`
	TotalFailed   int             `json:"total_failed"`
	TotalNotFound int             `json:"total_not_found"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewCheckpointState returns an empty state, the starting point of a first run.
func NewCheckpointState() *CheckpointState {
	return &CheckpointState{CompletedKeys: make(map[string]bool)}
}

// IsCompleted reports whether the given work-item key has already been
// processed in a previous flush.
func (s *CheckpointState) IsCompleted(key string) bool {
	return s.CompletedKeys[key]
}

// MarkCompleted records a key as done.
func (s *CheckpointState) MarkCompleted(key string) {
	if s.CompletedKeys == nil {
		s.CompletedKeys = make(map[string]bool)
	}
	s.CompletedKeys[key] = true
}

// Clone returns a deep copy. The engine hands copies to the checkpoint
// manager so a save never races a later mutation.
func (s *CheckpointState) Clone() *CheckpointState {
	out := *s
	out.CompletedKeys = make(map[string]bool, len(s.CompletedKeys))
	for k, v := range s.CompletedKeys {
		out.CompletedKeys[k] = v
	}
	return &out
}
