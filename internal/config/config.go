package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileNames are the config file names searched for, in order of preference
var FileNames = []string{"pepper.json", "pepper.yaml", "pepper.yml"}

// Config represents the pepper configuration file
type Config struct {
	Version       string        `json:"version" yaml:"version"`
	WorkspaceRoot string        `json:"workspace_root" yaml:"workspace_root"`
	Agent         Agent         `json:"agent" yaml:"agent"`
	Pipeline      Pipeline      `json:"pipeline" yaml:"pipeline"`
	Clarification Clarification `json:"clarification" yaml:"clarification"`
	Messaging     Messaging     `json:"messaging" yaml:"messaging"`
	Server        Server        `json:"server" yaml:"server"`
}

// Agent configures the agent CLI every phase spawns
type Agent struct {
	Cmd  string   `json:"cmd" yaml:"cmd"`
	Args []string `json:"args" yaml:"args"`
	// ExecutorArgs replace Args for the execute phase when set
	ExecutorArgs  []string `json:"executor_args,omitempty" yaml:"executor_args,omitempty"`
	ExecutorModel string   `json:"executor_model,omitempty" yaml:"executor_model,omitempty"`
	// Models maps shorthands to full model ids
	Models                map[string]string `json:"models,omitempty" yaml:"models,omitempty"`
	SystemPromptInlineMax int               `json:"system_prompt_inline_max" yaml:"system_prompt_inline_max"`
	ResultGraceMs         int               `json:"result_grace_ms" yaml:"result_grace_ms"`
	Env                   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// EnvAllow keeps inherited variables that would otherwise be stripped
	EnvAllow []string `json:"env_allow,omitempty" yaml:"env_allow,omitempty"`
}

// Pipeline tunes the orchestrator and its collaborators
type Pipeline struct {
	MaxFeedbackLoops int `json:"max_feedback_loops" yaml:"max_feedback_loops"`
	MessageTimeoutS  int `json:"message_timeout_s" yaml:"message_timeout_s"`
	InstallTimeoutS  int `json:"install_timeout_s" yaml:"install_timeout_s"`
	LearnTimeoutS    int `json:"learn_timeout_s" yaml:"learn_timeout_s"`
	// Classifier is "agent" or "keyword"
	Classifier      string `json:"classifier" yaml:"classifier"`
	ClassifierModel string `json:"classifier_model" yaml:"classifier_model"`
	GapModel        string `json:"gap_model" yaml:"gap_model"`
	AuthorModel     string `json:"author_model" yaml:"author_model"`
	LearnerModel    string `json:"learner_model" yaml:"learner_model"`
	LearningEnabled bool   `json:"learning_enabled" yaml:"learning_enabled"`
}

// Clarification configures the pending-question store
type Clarification struct {
	TTLS int `json:"ttl_s" yaml:"ttl_s"`
}

// Messaging configures chat message handling
type Messaging struct {
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

// Server configures the HTTP control API
type Server struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Classifier kinds
const (
	ClassifierAgent   = "agent"
	ClassifierKeyword = "keyword"
)

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:       "1.0",
		WorkspaceRoot: ".",
		Agent: Agent{
			Cmd:                   "claude",
			Args:                  []string{"--print", "--permission-mode", "acceptEdits"},
			SystemPromptInlineMax: 8000,
			ResultGraceMs:         500,
		},
		Pipeline: Pipeline{
			MaxFeedbackLoops: 3,
			MessageTimeoutS:  1800,
			InstallTimeoutS:  60,
			LearnTimeoutS:    900,
			Classifier:       ClassifierAgent,
			ClassifierModel:  "haiku",
			GapModel:         "sonnet",
			AuthorModel:      "sonnet",
			LearnerModel:     "sonnet",
			LearningEnabled:  true,
		},
		Clarification: Clarification{
			TTLS: 86400,
		},
		Messaging: Messaging{
			RateLimitPerMinute: 10,
		},
		Server: Server{
			Addr: "127.0.0.1:8787",
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if strings.TrimSpace(c.Agent.Cmd) == "" {
		return fmt.Errorf("configuration error: 'agent.cmd' is empty\n\nHint: Specify the agent CLI to run:\n  \"agent\": {\n    \"cmd\": \"claude\"\n  }")
	}

	if c.Pipeline.MaxFeedbackLoops < 1 {
		return fmt.Errorf("configuration error: invalid 'pipeline.max_feedback_loops' value: %d\n\nHint: At least one pass is required. The default is:\n  \"pipeline\": {\n    \"max_feedback_loops\": 3\n  }", c.Pipeline.MaxFeedbackLoops)
	}

	for name, v := range map[string]int{
		"pipeline.message_timeout_s":     c.Pipeline.MessageTimeoutS,
		"pipeline.install_timeout_s":     c.Pipeline.InstallTimeoutS,
		"pipeline.learn_timeout_s":       c.Pipeline.LearnTimeoutS,
		"clarification.ttl_s":            c.Clarification.TTLS,
		"agent.result_grace_ms":          c.Agent.ResultGraceMs,
		"agent.system_prompt_inline_max": c.Agent.SystemPromptInlineMax,
	} {
		if v < 0 {
			return fmt.Errorf("configuration error: '%s' must not be negative (got %d)\n\nHint: Use 0 for the built-in default", name, v)
		}
	}

	switch c.Pipeline.Classifier {
	case "", ClassifierAgent, ClassifierKeyword:
	default:
		return fmt.Errorf("configuration error: unknown 'pipeline.classifier' value: %q\n\nHint: Use \"agent\" to ask the model or \"keyword\" for the offline scorer", c.Pipeline.Classifier)
	}

	return nil
}

// MessageTimeout is the external timeout applied to each request
func (p Pipeline) MessageTimeout() time.Duration {
	return time.Duration(p.MessageTimeoutS) * time.Second
}

// InstallTimeout bounds each install command
func (p Pipeline) InstallTimeout() time.Duration {
	return time.Duration(p.InstallTimeoutS) * time.Second
}

// LearnTimeout bounds the background learning pass
func (p Pipeline) LearnTimeout() time.Duration {
	return time.Duration(p.LearnTimeoutS) * time.Second
}

// TTL is how long a pending clarification stays answerable
func (c Clarification) TTL() time.Duration {
	return time.Duration(c.TTLS) * time.Second
}

// ResultGrace is how long the agent may run after its result
func (a Agent) ResultGrace() time.Duration {
	return time.Duration(a.ResultGraceMs) * time.Millisecond
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadFromFile loads a configuration from a JSON or YAML file, chosen by
// extension
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration with 0600 permissions, as YAML when
// path ends in .yaml or .yml and JSON otherwise
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write with 0600 permissions (owner read/write only)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// FindInTree searches dir and its parents for a config file. It returns ""
// without error when none exists.
func FindInTree(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// WorkspacePath resolves WorkspaceRoot relative to the config file location
func (c *Config) WorkspacePath(configPath string) string {
	configDir := filepath.Dir(configPath)
	if c.WorkspaceRoot == "" || c.WorkspaceRoot == "." {
		return configDir
	}
	if filepath.IsAbs(c.WorkspaceRoot) {
		return c.WorkspaceRoot
	}
	return filepath.Join(configDir, c.WorkspaceRoot)
}
