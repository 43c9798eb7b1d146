package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/pepper/internal/bridge"
	"github.com/iambrandonn/pepper/internal/clarify"
	"github.com/iambrandonn/pepper/internal/collab"
	"github.com/iambrandonn/pepper/internal/config"
	"github.com/iambrandonn/pepper/internal/conversation"
	"github.com/iambrandonn/pepper/internal/knowledge"
	"github.com/iambrandonn/pepper/internal/pipeline"
	"github.com/iambrandonn/pepper/internal/registry"
	"github.com/iambrandonn/pepper/internal/supervisor"
	"github.com/iambrandonn/pepper/internal/workspace"
)

// app holds every component wired from one configuration
type app struct {
	cfg       *config.Config
	root      string
	logger    *slog.Logger
	registry  *registry.Registry
	memory    *knowledge.Store
	pipeline  *pipeline.Orchestrator
	clarify   *clarify.Store
	convs     *conversation.Store
	bridge    *bridge.Bridge
	messenger *bridge.Messenger
}

// newApp wires the runner, collaborators, stores and bridge for the
// workspace at root
func newApp(cfg *config.Config, root string, logger *slog.Logger) *app {
	reg := registry.New(logger)
	runner := supervisor.NewRunner(supervisor.Config{
		Command:               cfg.Agent.Cmd,
		BaseArgs:              cfg.Agent.Args,
		Models:                cfg.Agent.Models,
		InlineSystemPromptMax: cfg.Agent.SystemPromptInlineMax,
		ResultGrace:           cfg.Agent.ResultGrace(),
		Dir:                   root,
		Env:                   cfg.Agent.Env,
		EnvAllow:              cfg.Agent.EnvAllow,
	}, reg, logger)

	memory := knowledge.NewStore(workspace.MemoryRoot(root), logger)

	deps := pipeline.Deps{
		Executor:    runner,
		Classifier:  collab.KeywordClassifier{},
		Retriever:   collab.NewLexicalRetriever(logger),
		GapDetector: collab.NewAgentGapDetector(runner, cfg.Pipeline.GapModel, logger),
		Author:      collab.NewAgentAuthor(runner, cfg.Pipeline.AuthorModel, logger),
		Memory:      memory,
		Installer:   pipeline.NewInstaller(cfg.Agent.Cmd, cfg.Pipeline.InstallTimeout(), reg, logger),
	}
	if cfg.Pipeline.Classifier != config.ClassifierKeyword {
		deps.Classifier = collab.NewAgentClassifier(runner, cfg.Pipeline.ClassifierModel, logger)
	}
	if cfg.Pipeline.LearningEnabled {
		deps.Learner = collab.NewAgentLearner(runner, cfg.Pipeline.LearnerModel, logger)
	}

	orch := pipeline.New(pipeline.Config{
		MaxFeedbackLoops: cfg.Pipeline.MaxFeedbackLoops,
		OutputDir:        workspace.OutputsRoot(root),
		ExecutorModel:    cfg.Agent.ExecutorModel,
		ExecutorArgs:     cfg.Agent.ExecutorArgs,
		LearnTimeout:     cfg.Pipeline.LearnTimeout(),
	}, deps, logger)

	clar := clarify.NewStore(clarify.DefaultPath(root), cfg.Clarification.TTL(), logger)
	convs := conversation.NewStore(conversation.DefaultPath(root), logger)

	b := bridge.New(bridge.Config{
		WorkspaceRoot: root,
		Timeout:       cfg.Pipeline.MessageTimeout(),
	}, orch, reg, clar, logger)

	m := bridge.NewMessenger(bridge.MessengerConfig{
		RateLimitPerMinute: cfg.Messaging.RateLimitPerMinute,
		Timeout:            cfg.Pipeline.MessageTimeout(),
	}, b, convs, logger)

	return &app{
		cfg:       cfg,
		root:      root,
		logger:    logger,
		registry:  reg,
		memory:    memory,
		pipeline:  orch,
		clarify:   clar,
		convs:     convs,
		bridge:    b,
		messenger: m,
	}
}

// setup loads configuration, prepares the workspace and wires the app
func setup(cmd *cobra.Command) (*app, error) {
	logger, err := newLogger(cmd, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded configuration", "path", cfgPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root := cfg.WorkspacePath(cfgPath)
	if err := workspace.Initialize(root); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace: %w", err)
	}
	logger.Debug("workspace initialized", "path", root)

	return newApp(cfg, root, logger), nil
}

func newLogger(cmd *cobra.Command, w io.Writer) (*slog.Logger, error) {
	name, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	level, err := parseLogLevel(name)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}

// loadOrCreateConfig finds an existing config or creates a default one in
// the current directory
func loadOrCreateConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	foundPath, err := config.FindInTree(cwd)
	if err != nil {
		return nil, "", err
	}
	if foundPath != "" {
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	defaultPath := filepath.Join(cwd, config.FileNames[0])
	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}
	logger.Info("no config found, created default", "path", defaultPath)
	return cfg, defaultPath, nil
}
