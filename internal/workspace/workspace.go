package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/iambrandonn/pepper/internal/knowledge"
)

// Top-level workspace directories
const (
	StateDir   = "state"   // clarifications.json, conversations.json, runs/<run-id>.json
	EventsDir  = "events"  // <run-id>.ndjson progress logs
	OutputsDir = "outputs" // agent working directory
	MemoryDir  = "memory"  // one subdirectory per memory category
)

// GetRequiredDirectories returns the list of directories that must exist in a pepper workspace
func GetRequiredDirectories() []string {
	dirs := []string{StateDir, EventsDir, OutputsDir, MemoryDir}
	for _, c := range knowledge.Categories {
		if d, ok := c.Dir(); ok {
			dirs = append(dirs, filepath.Join(MemoryDir, d))
		}
	}
	return dirs
}

// Initialize creates all required workspace directories with proper permissions (0700)
// This function is idempotent - safe to call multiple times
func Initialize(workspaceRoot string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)

		// MkdirAll is idempotent - won't error if directory exists
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}

	return nil
}

// IsInitialized checks if a workspace has all required directories
func IsInitialized(workspaceRoot string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}

		if !info.IsDir() {
			return false, nil
		}
	}

	return true, nil
}

// MemoryRoot is where the knowledge store keeps memories
func MemoryRoot(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, MemoryDir)
}

// OutputsRoot is the agent's working directory
func OutputsRoot(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, OutputsDir)
}
