package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/pepper/internal/fsutil"
)

// Status represents the overall state of a pipeline run
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusNeedsInput Status = "needs_input"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

const promptPreviewMax = 200

// RunState is the persisted record of one pipeline run
type RunState struct {
	RunID        string     `json:"run_id"`
	Key          string     `json:"key"`
	Prompt       string     `json:"prompt"`
	Status       Status     `json:"status"`
	CurrentPhase string     `json:"current_phase,omitempty"`
	Phases       []string   `json:"phases,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Resumed      bool       `json:"resumed,omitempty"`
	CostUSD      float64    `json:"cost_usd,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// NewRunID returns an ID of the form run-<timestamp>-<8 hex chars>
func NewRunID() string {
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

// NewRunState creates a new run state. Only a prefix of the prompt is kept.
func NewRunState(runID, key, prompt string) *RunState {
	if r := []rune(prompt); len(r) > promptPreviewMax {
		prompt = string(r[:promptPreviewMax])
	}
	return &RunState{
		RunID:     runID,
		Key:       key,
		Prompt:    prompt,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// SaveRunState writes run state to disk atomically
func SaveRunState(state *RunState, path string) error {
	return fsutil.AtomicWriteJSON(path, state)
}

// LoadRunState reads run state from disk
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}

	return &state, nil
}

// GetRunStatePath returns the standard path for a run's state
func GetRunStatePath(workspaceRoot, runID string) string {
	return filepath.Join(workspaceRoot, "state", "runs", runID+".json")
}

// ListRunStates loads every run under workspaceRoot, newest first.
// Unreadable files are skipped.
func ListRunStates(workspaceRoot string) ([]*RunState, error) {
	dir := filepath.Join(workspaceRoot, "state", "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var states []*RunState
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		state, err := LoadRunState(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})
	return states, nil
}

// SetPhase records entry into a pipeline phase
func (s *RunState) SetPhase(phase string) {
	s.CurrentPhase = phase
	s.Phases = append(s.Phases, phase)
}

// AddCost accumulates reported agent cost
func (s *RunState) AddCost(usd float64) {
	s.CostUSD += usd
}

// MarkCompleted marks the run as completed
func (s *RunState) MarkCompleted(sessionID string) {
	s.Status = StatusCompleted
	s.SessionID = sessionID
	s.finish()
}

// MarkNeedsInput marks the run as paused on a question
func (s *RunState) MarkNeedsInput(sessionID string) {
	s.Status = StatusNeedsInput
	s.SessionID = sessionID
	s.finish()
}

// MarkFailed marks the run as failed. msg must already be redacted.
func (s *RunState) MarkFailed(msg string) {
	s.Status = StatusFailed
	s.Error = msg
	s.finish()
}

// MarkStopped marks the run as cancelled by the user
func (s *RunState) MarkStopped() {
	s.Status = StatusStopped
	s.finish()
}

func (s *RunState) finish() {
	now := time.Now().UTC()
	s.CompletedAt = &now
}
