package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, ".", cfg.WorkspaceRoot)

	// Agent defaults
	assert.Equal(t, "claude", cfg.Agent.Cmd)
	assert.Equal(t, []string{"--print", "--permission-mode", "acceptEdits"}, cfg.Agent.Args)
	assert.Equal(t, 8000, cfg.Agent.SystemPromptInlineMax)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.ResultGrace())

	// Pipeline defaults
	assert.Equal(t, 3, cfg.Pipeline.MaxFeedbackLoops)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.MessageTimeout())
	assert.Equal(t, time.Minute, cfg.Pipeline.InstallTimeout())
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.LearnTimeout())
	assert.Equal(t, ClassifierAgent, cfg.Pipeline.Classifier)
	assert.Equal(t, "haiku", cfg.Pipeline.ClassifierModel)
	assert.True(t, cfg.Pipeline.LearningEnabled)

	assert.Equal(t, 24*time.Hour, cfg.Clarification.TTL())
	assert.Equal(t, 10, cfg.Messaging.RateLimitPerMinute)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Addr)
}

func TestGenerateDefaultMatchesGoldenFile(t *testing.T) {
	goldenPath := filepath.Join("..", "..", "testdata", "golden_config.json")
	goldenBytes, err := os.ReadFile(goldenPath)
	require.NoError(t, err, "Failed to read golden config file")

	generatedJSON, err := json.MarshalIndent(GenerateDefault(), "", "  ")
	require.NoError(t, err)

	assert.JSONEq(t, string(goldenBytes), string(generatedJSON),
		"Generated config should match golden file")
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GenerateDefault()
	assert.NoError(t, cfg.Validate(), "Default config should be valid")
}

func TestValidate_MissingVersion(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Version = ""
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestValidate_EmptyAgentCmd(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Agent.Cmd = "  "
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "agent.cmd")
	assert.Contains(t, err.Error(), "Hint:")
}

func TestValidate_InvalidFeedbackLoops(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Pipeline.MaxFeedbackLoops = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_feedback_loops")
}

func TestValidate_NegativeDuration(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Clarification.TTLS = -1
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "clarification.ttl_s")
}

func TestValidate_UnknownClassifier(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Pipeline.Classifier = "oracle"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")

	cfg.Pipeline.Classifier = ClassifierKeyword
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_ValidFile(t *testing.T) {
	goldenPath := filepath.Join("..", "..", "testdata", "golden_config.json")
	cfg, err := LoadFromFile(goldenPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, "claude", cfg.Agent.Cmd)
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pepper.yaml")
	content := `version: "1.0"
workspace_root: work
agent:
  cmd: /usr/local/bin/claude
  args: ["--print"]
  models:
    fast: claude-haiku-4-5
  env_allow: [ANTHROPIC_API_KEY]
pipeline:
  max_feedback_loops: 2
  classifier: keyword
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "work", cfg.WorkspaceRoot)
	assert.Equal(t, "/usr/local/bin/claude", cfg.Agent.Cmd)
	assert.Equal(t, []string{"--print"}, cfg.Agent.Args)
	assert.Equal(t, "claude-haiku-4-5", cfg.Agent.Models["fast"])
	assert.Equal(t, []string{"ANTHROPIC_API_KEY"}, cfg.Agent.EnvAllow)
	assert.Equal(t, 2, cfg.Pipeline.MaxFeedbackLoops)
	assert.Equal(t, ClassifierKeyword, cfg.Pipeline.Classifier)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	invalidFile := filepath.Join(tmpDir, "invalid.json")
	require.NoError(t, os.WriteFile(invalidFile, []byte("{invalid json"), 0600))

	cfg, err := LoadFromFile(invalidFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestSaveToFile(t *testing.T) {
	for _, name := range []string{"pepper.json", "pepper.yml"} {
		t.Run(name, func(t *testing.T) {
			cfg := GenerateDefault()
			cfg.Agent.Models = map[string]string{"opus": "claude-opus-4-1"}
			configPath := filepath.Join(t.TempDir(), name)

			require.NoError(t, cfg.SaveToFile(configPath))

			loaded, err := LoadFromFile(configPath)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)

			// Verify file permissions (should be 0600)
			info, err := os.Stat(configPath)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestFindInTree(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0700))

	found, err := FindInTree(nested)
	require.NoError(t, err)
	assert.Empty(t, found)

	yamlPath := filepath.Join(root, "pepper.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("version: \"1.0\"\n"), 0600))
	found, err = FindInTree(nested)
	require.NoError(t, err)
	assert.Equal(t, yamlPath, found)

	// JSON wins when both exist in the same directory.
	jsonPath := filepath.Join(root, "pepper.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte("{}"), 0600))
	found, err = FindInTree(nested)
	require.NoError(t, err)
	assert.Equal(t, jsonPath, found)
}

func TestWorkspacePath(t *testing.T) {
	cfg := GenerateDefault()
	assert.Equal(t, "/srv/pepper", cfg.WorkspacePath("/srv/pepper/pepper.json"))

	cfg.WorkspaceRoot = "data"
	assert.Equal(t, "/srv/pepper/data", cfg.WorkspacePath("/srv/pepper/pepper.json"))

	cfg.WorkspaceRoot = "/var/lib/pepper"
	assert.Equal(t, "/var/lib/pepper", cfg.WorkspacePath("/srv/pepper/pepper.json"))
}
