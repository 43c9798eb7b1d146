package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/pepper/internal/ndjson"
	"github.com/iambrandonn/pepper/internal/procattr"
	"github.com/iambrandonn/pepper/internal/progress"
	"github.com/iambrandonn/pepper/internal/protocol"
	"github.com/iambrandonn/pepper/internal/registry"
	"github.com/iambrandonn/pepper/internal/secrets"
)

const (
	// DefaultInlineSystemPromptMax is the largest system prompt passed as a
	// command-line flag. Larger prompts are prepended to stdin instead.
	DefaultInlineSystemPromptMax = 8000

	// DefaultResultGrace is how long the agent may keep running after its
	// first result before its process tree is terminated.
	DefaultResultGrace = 500 * time.Millisecond
)

// ErrStopped is returned when a run was cancelled through the registry.
// Callers treat it as silent: no retry and no error shown to the user.
var ErrStopped = errors.New("stopped by user")

// SpawnError reports that the agent process could not be started
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start agent %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Config holds the settings shared by every run
type Config struct {
	Command               string
	BaseArgs              []string
	Models                map[string]string
	InlineSystemPromptMax int
	ResultGrace           time.Duration
	Dir                   string
	Env                   map[string]string
	EnvAllow              []string
}

// Request describes one agent invocation
type Request struct {
	Prompt       string
	SystemPrompt string
	// Model is a shorthand ("opus", "sonnet", "haiku") or a full model id.
	// Empty uses the agent's default.
	Model string
	// Args replaces Config.BaseArgs when non-nil.
	Args            []string
	Dir             string
	ResumeSessionID string
	// Key registers the run with the registry so it can be killed. Empty
	// runs are not registered.
	Key        string
	OnProgress progress.Sink
}

// Outcome is the result of a completed run
type Outcome struct {
	Response  string
	SessionID string
	Events    []json.RawMessage
	// PendingQuestion holds the question tool input when the agent paused to
	// ask the user something. Response is not final in that case.
	PendingQuestion any
	Asked           bool
}

// Runner spawns the agent CLI and turns its stream-json output into an
// Outcome.
type Runner struct {
	cfg      Config
	registry *registry.Registry
	logger   *slog.Logger
	environ  func() []string
}

// NewRunner creates a runner. reg may be nil when runs never need to be
// cancelled by key.
func NewRunner(cfg Config, reg *registry.Registry, logger *slog.Logger) *Runner {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.InlineSystemPromptMax <= 0 {
		cfg.InlineSystemPromptMax = DefaultInlineSystemPromptMax
	}
	if cfg.ResultGrace <= 0 {
		cfg.ResultGrace = DefaultResultGrace
	}
	return &Runner{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		environ:  os.Environ,
	}
}

// Run executes one agent invocation and blocks until the process exits.
// There is no internal timeout; cancel ctx or kill the key to stop it.
func (r *Runner) Run(ctx context.Context, req Request) (*Outcome, error) {
	args, stdinPrefix := r.buildArgs(req)

	proc := exec.Command(r.cfg.Command, args...)
	proc.Dir = req.Dir
	if proc.Dir == "" {
		proc.Dir = r.cfg.Dir
	}
	proc.Env = r.buildEnv()
	procattr.Set(proc)

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: r.cfg.Command, Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: r.cfg.Command, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	stderr, err := proc.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &SpawnError{Command: r.cfg.Command, Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	if err := proc.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Command: r.cfg.Command, Err: err}
	}

	label := req.Model
	if label == "" {
		label = "claude"
	}

	run := &agentRun{
		runner: r,
		req:    req,
		proc:   proc,
		emit:   progress.Synchronized(req.OnProgress),
		label:  label,
	}

	var reg *registry.Registration
	if req.Key != "" && r.registry != nil {
		reg = r.registry.Register(req.Key, run, label)
		defer reg.Release()
	}

	started := time.Now()
	r.logger.Info("agent started",
		"key", req.Key,
		"model", label,
		"pid", proc.Process.Pid,
		"resume", req.ResumeSessionID != "")

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			r.logger.Info("context cancelled, terminating agent", "key", req.Key)
			run.Stop()
		case <-stopWatch:
		}
	}()

	go run.writeStdin(stdin, stdinPrefix)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		run.readStderr(stderr)
	}()

	run.readStdout(stdout)
	<-stderrDone

	waitErr := proc.Wait()
	run.finish()

	r.logger.Info("agent exited",
		"key", req.Key,
		"model", label,
		"duration", time.Since(started).Round(time.Millisecond),
		"asked", run.asked,
		"error", waitErr)

	if reg.Stopped() {
		return nil, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("agent run cancelled: %w", err)
	}

	return &Outcome{
		Response:        run.response,
		SessionID:       run.sessionID,
		Events:          run.events,
		PendingQuestion: run.question,
		Asked:           run.asked,
	}, nil
}

// ResolveModel maps a shorthand through models, falling back to the name
// itself.
func ResolveModel(name string, models map[string]string) string {
	if name == "" {
		return ""
	}
	if id, ok := models[strings.ToLower(name)]; ok {
		return id
	}
	return name
}

func (r *Runner) buildArgs(req Request) ([]string, string) {
	base := req.Args
	if base == nil {
		base = r.cfg.BaseArgs
	}
	if len(base) == 0 {
		base = []string{"--print"}
	}

	args := make([]string, 0, len(base)+8)
	args = append(args, base...)
	args = append(args, "--output-format", "stream-json", "--verbose")

	var stdinPrefix string
	if req.SystemPrompt != "" {
		if len(req.SystemPrompt) > r.cfg.InlineSystemPromptMax {
			stdinPrefix = "[SYSTEM INSTRUCTIONS - follow these carefully]\n" +
				req.SystemPrompt +
				"\n[END SYSTEM INSTRUCTIONS]\n\n"
		} else {
			args = append(args, "--append-system-prompt", req.SystemPrompt)
		}
	}

	if model := ResolveModel(req.Model, r.cfg.Models); model != "" {
		args = append(args, "--model", model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}

	return args, stdinPrefix
}

func (r *Runner) buildEnv() []string {
	env := secrets.SanitizeEnv(r.environ(), r.cfg.EnvAllow)
	for k, v := range r.cfg.Env {
		env = setEnv(env, k, v)
	}
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// agentRun is the state of one running process. Stream state is only
// touched by the goroutine reading stdout.
type agentRun struct {
	runner *Runner
	req    Request
	proc   *exec.Cmd
	emit   progress.Sink
	label  string

	response  string
	sessionID string
	events    []json.RawMessage
	question  any
	asked     bool

	resultSeen bool

	mu         sync.Mutex
	graceTimer *time.Timer
}

// Stop terminates the process tree. It implements registry.Handle.
func (a *agentRun) Stop() error {
	return procattr.KillTree(a.proc.Process)
}

func (a *agentRun) logger() *slog.Logger {
	return a.runner.logger
}

func (a *agentRun) writeStdin(stdin io.WriteCloser, prefix string) {
	defer stdin.Close()

	w := bufio.NewWriter(stdin)
	if prefix != "" {
		w.WriteString(prefix)
	}
	w.WriteString(a.req.Prompt)
	if err := w.Flush(); err != nil {
		a.logger().Debug("failed to write prompt to agent", "key", a.req.Key, "error", err)
	}
}

func (a *agentRun) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 1024*1024)

	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		a.logger().Debug("agent stderr", "key", a.req.Key, "line", text)
		a.emit.Emit(progress.EventStderr, map[string]any{
			"text":  secrets.Redact(text),
			"model": a.label,
		})
	}
}

func (a *agentRun) readStdout(stdout io.Reader) {
	lines := ndjson.NewLineReader(stdout, a.logger())
	for {
		data, err := lines.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			// Keep draining so the process is not blocked on a full pipe.
			io.Copy(io.Discard, stdout)
			return
		}

		line, ok := protocol.ParseLine(data)
		if !ok {
			a.logger().Debug("dropping unparseable agent line",
				"key", a.req.Key,
				"line", lines.LineNum(),
				"data", ndjson.Preview(data))
			continue
		}
		a.events = append(a.events, line.Raw)

		for _, evt := range line.Events {
			a.handle(evt)
		}
	}
}

func (a *agentRun) handle(evt protocol.Event) {
	switch evt.Kind {
	case protocol.KindSystem:
		if evt.SessionID != "" {
			a.sessionID = evt.SessionID
		}

	case protocol.KindToolUse:
		a.emit.Emit(progress.EventToolUse, map[string]any{
			"tool":  evt.Tool,
			"input": evt.ToolInput,
		})
		if a.req.Key != "" && a.runner.registry != nil {
			a.runner.registry.EmitActivity(a.req.Key, progress.EventToolUse, evt.Tool)
		}
		if evt.Question && !a.asked {
			a.asked = true
			a.question = evt.ToolInput
			a.logger().Info("agent asked a question, terminating", "key", a.req.Key)
			// Stop at once so the agent cannot answer its own question.
			if err := a.Stop(); err != nil {
				a.logger().Warn("failed to terminate agent", "key", a.req.Key, "error", err)
			}
		}

	case protocol.KindToolResult:
		a.emit.Emit(progress.EventToolResult, map[string]any{
			"tool":   evt.Tool,
			"output": evt.Output,
		})

	case protocol.KindAssistantText:
		if a.resultSeen || a.asked {
			return
		}
		a.response = evt.Text
		a.emit.Emit(progress.EventAssistantText, map[string]any{"text": evt.Text})

	case protocol.KindResult:
		a.handleResult(evt)
	}
}

func (a *agentRun) handleResult(evt protocol.Event) {
	res := evt.Result
	if !a.resultSeen && !a.asked && res.Text != "" {
		a.response = res.Text
		a.emit.Emit(progress.EventAssistantText, map[string]any{"text": res.Text})
	}
	if !a.resultSeen && evt.SessionID != "" {
		a.sessionID = evt.SessionID
	}

	if res.HasMetrics() {
		data := map[string]any{}
		if res.CostUSD != nil {
			data["cost"] = *res.CostUSD
		}
		if res.DurationMs != nil {
			data["duration"] = *res.DurationMs
		}
		if res.Usage != nil {
			data["input_tokens"] = res.Usage.InputTokens
			data["output_tokens"] = res.Usage.OutputTokens
			data["cache_read"] = res.Usage.CacheReadInputTokens
		}
		a.emit.Emit(progress.EventCost, data)
	}

	if a.resultSeen || a.asked {
		return
	}
	a.resultSeen = true

	// Background processes the agent started (dev servers and the like) would
	// otherwise keep the session alive and billing.
	a.mu.Lock()
	a.graceTimer = time.AfterFunc(a.runner.cfg.ResultGrace, func() {
		a.logger().Debug("result grace elapsed, terminating process tree", "key", a.req.Key)
		if err := a.Stop(); err != nil {
			a.logger().Debug("failed to terminate process tree", "key", a.req.Key, "error", err)
		}
	})
	a.mu.Unlock()
}

// finish runs after the main process has exited. A pending grace kill is
// executed immediately so no descendant outlives the run.
func (a *agentRun) finish() {
	a.mu.Lock()
	timer := a.graceTimer
	a.mu.Unlock()

	if timer != nil && timer.Stop() {
		a.Stop()
	}
}
