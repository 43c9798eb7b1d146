package runstate

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestNewRunState(t *testing.T) {
	state := NewRunState("run-20251019-abc123", "tg:conv:1", "build a site")

	if state.RunID != "run-20251019-abc123" {
		t.Errorf("RunID = %s, want run-20251019-abc123", state.RunID)
	}

	if state.Key != "tg:conv:1" {
		t.Errorf("Key = %s, want tg:conv:1", state.Key)
	}

	if state.Status != StatusRunning {
		t.Errorf("Status = %s, want %s", state.Status, StatusRunning)
	}

	if state.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}
}

func TestNewRunStateTruncatesPrompt(t *testing.T) {
	state := NewRunState("run-1", "k", strings.Repeat("é", 500))

	if n := len([]rune(state.Prompt)); n != promptPreviewMax {
		t.Errorf("prompt length = %d, want %d", n, promptPreviewMax)
	}
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	if !regexp.MustCompile(`^run-\d{8}-\d{6}-[0-9a-f]{8}$`).MatchString(id) {
		t.Errorf("NewRunID() = %s, unexpected format", id)
	}
	if NewRunID() == id {
		t.Error("NewRunID() returned the same ID twice")
	}
}

func TestSaveAndLoadRunState(t *testing.T) {
	tmpDir := t.TempDir()
	statePath := GetRunStatePath(tmpDir, "run-001")

	original := NewRunState("run-001", "web:chat:abc", "summarise my inbox")
	original.SetPhase("A")
	original.SetPhase("B")
	original.AddCost(0.02)
	original.AddCost(0.01)

	if err := SaveRunState(original, statePath); err != nil {
		t.Fatalf("SaveRunState() error = %v", err)
	}

	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		t.Fatal("state file not created")
	}

	loaded, err := LoadRunState(statePath)
	if err != nil {
		t.Fatalf("LoadRunState() error = %v", err)
	}

	if loaded.CurrentPhase != "B" {
		t.Errorf("CurrentPhase = %s, want B", loaded.CurrentPhase)
	}

	if len(loaded.Phases) != 2 {
		t.Errorf("Phases count = %d, want 2", len(loaded.Phases))
	}

	if loaded.CostUSD < 0.0299 || loaded.CostUSD > 0.0301 {
		t.Errorf("CostUSD = %f, want 0.03", loaded.CostUSD)
	}
}

func TestLoadRunStateMissing(t *testing.T) {
	if _, err := LoadRunState(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTerminalTransitions(t *testing.T) {
	tests := []struct {
		name   string
		mark   func(*RunState)
		status Status
	}{
		{"completed", func(s *RunState) { s.MarkCompleted("sess-1") }, StatusCompleted},
		{"needs input", func(s *RunState) { s.MarkNeedsInput("sess-1") }, StatusNeedsInput},
		{"failed", func(s *RunState) { s.MarkFailed("failed to start agent") }, StatusFailed},
		{"stopped", func(s *RunState) { s.MarkStopped() }, StatusStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &RunState{
				RunID:     "run-001",
				Status:    StatusRunning,
				StartedAt: time.Now().UTC().Add(-1 * time.Hour),
			}

			tt.mark(state)

			if state.Status != tt.status {
				t.Errorf("Status = %s, want %s", state.Status, tt.status)
			}
			if state.CompletedAt == nil {
				t.Fatal("CompletedAt is nil")
			}
			if !state.CompletedAt.After(state.StartedAt) {
				t.Error("CompletedAt should be after StartedAt")
			}
		})
	}
}

func TestListRunStatesNewestFirst(t *testing.T) {
	root := t.TempDir()

	older := NewRunState("run-old", "k", "p")
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	newer := NewRunState("run-new", "k", "p")

	for _, s := range []*RunState{older, newer} {
		if err := SaveRunState(s, GetRunStatePath(root, s.RunID)); err != nil {
			t.Fatalf("SaveRunState() error = %v", err)
		}
	}
	// Junk is ignored.
	if err := os.WriteFile(filepath.Join(root, "state", "runs", "junk.json"), []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}

	states, err := ListRunStates(root)
	if err != nil {
		t.Fatalf("ListRunStates() error = %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	if states[0].RunID != "run-new" {
		t.Errorf("first = %s, want run-new", states[0].RunID)
	}
}

func TestListRunStatesNoDirectory(t *testing.T) {
	states, err := ListRunStates(t.TempDir())
	if err != nil {
		t.Fatalf("ListRunStates() error = %v", err)
	}
	if len(states) != 0 {
		t.Errorf("got %d states, want 0", len(states))
	}
}

func TestGetRunStatePath(t *testing.T) {
	got := GetRunStatePath("/workspace", "run-1")
	if got != filepath.Join("/workspace", "state", "runs", "run-1.json") {
		t.Errorf("GetRunStatePath() = %s", got)
	}
}
