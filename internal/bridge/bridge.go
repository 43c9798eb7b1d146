// Package bridge is the caller-facing entry point to the pipeline. It owns
// clarification round trips, external timeouts, and the per-run state and
// event log written under the workspace.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iambrandonn/pepper/internal/clarify"
	"github.com/iambrandonn/pepper/internal/eventlog"
	"github.com/iambrandonn/pepper/internal/pipeline"
	"github.com/iambrandonn/pepper/internal/progress"
	"github.com/iambrandonn/pepper/internal/registry"
	"github.com/iambrandonn/pepper/internal/runstate"
	"github.com/iambrandonn/pepper/internal/secrets"
	"github.com/iambrandonn/pepper/internal/supervisor"
)

// ErrTimedOut is wrapped by Execute when a run outlives Options.Timeout
var ErrTimedOut = errors.New("timed out")

// Pipeline runs one request to completion
type Pipeline interface {
	Run(ctx context.Context, prompt string, opts pipeline.Options) (*pipeline.Result, error)
}

// Options are per-call settings for Execute
type Options struct {
	OnProgress progress.Sink
	// Key is the pipeline key used for registration and Kill
	Key string
	// ClarificationKey names the pending clarification slot. Empty uses Key.
	ClarificationKey string
	ResumeSessionID  string
	// Timeout kills the run when positive. Zero uses Config.Timeout.
	Timeout time.Duration
}

// Config tunes a Bridge
type Config struct {
	// WorkspaceRoot enables run state and event logs when set
	WorkspaceRoot string
	// Timeout is the default external timeout. Zero disables it.
	Timeout time.Duration
}

// Bridge wires the pipeline to the registry and the clarification store
type Bridge struct {
	cfg      Config
	pipeline Pipeline
	registry *registry.Registry
	clarify  *clarify.Store
	logger   *slog.Logger
}

// New creates a bridge
func New(cfg Config, p Pipeline, reg *registry.Registry, clar *clarify.Store, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg,
		pipeline: p,
		registry: reg,
		clarify:  clar,
		logger:   logger,
	}
}

// Execute runs prompt through the pipeline. When a clarification is pending
// under the clarification key, prompt is taken as the answer: the original
// request is rebuilt with the Q&A appended and resumed in the stored
// session. A needs_input result stores a new pending clarification.
//
// Errors are supervisor.ErrStopped when the run was stopped, ErrTimedOut
// when it outlived the timeout, or a spawn or context failure.
func (b *Bridge) Execute(ctx context.Context, prompt string, opts Options) (*pipeline.Result, error) {
	ckey := opts.ClarificationKey
	if ckey == "" {
		ckey = opts.Key
	}
	original := prompt

	if ckey != "" {
		if resumed, sessionID, ok := b.resumeClarification(ckey, prompt); ok {
			prompt = resumed
			original = resumed
			opts.ResumeSessionID = sessionID
		}
	}

	rec := b.startRecording(prompt, opts)
	defer rec.close()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			b.logger.Warn("run timed out", "key", opts.Key, "timeout", timeout)
			if opts.Key != "" {
				b.registry.Kill(opts.Key)
			}
			cancel()
		})
		defer t.Stop()
	}

	result, err := b.pipeline.Run(ctx, prompt, pipeline.Options{
		Key:             opts.Key,
		ResumeSessionID: opts.ResumeSessionID,
		OnProgress:      progress.Tee(opts.OnProgress, rec.sink()),
	})
	// A run that only noticed the deadline after its last phase is still
	// over time.
	if timedOut.Load() {
		err = fmt.Errorf("run exceeded %s: %w", timeout, ErrTimedOut)
	}
	if err != nil {
		rec.fail(err)
		return nil, err
	}

	if result.Status == pipeline.StatusNeedsInput && ckey != "" {
		if err := b.clarify.SetPending(ckey, clarify.Pending{
			OriginalPrompt:   original,
			PendingQuestions: result.Questions,
			SessionID:        result.SessionID,
		}); err != nil {
			b.logger.Warn("failed to persist clarification", "key", ckey, "error", err)
		}
	}

	rec.finish(result)
	return result, nil
}

// resumeClarification consumes the pending record for key. The returned
// prompt carries every answer so far, prompt included.
func (b *Bridge) resumeClarification(key, answer string) (string, string, bool) {
	pending := b.clarify.Get(key)
	if pending == nil {
		return "", "", false
	}

	rec, err := b.clarify.AppendAnswer(key, answer)
	if err != nil || rec == nil {
		if err != nil {
			b.logger.Warn("failed to persist clarification answer", "key", key, "error", err)
		}
		rec = pending
		rec.Answers = append(rec.Answers, answer)
	}

	if err := b.clarify.Clear(key); err != nil {
		b.logger.Warn("failed to clear clarification", "key", key, "error", err)
	}

	b.logger.Info("resuming after clarification", "key", key, "answers", len(rec.Answers))
	return clarify.BuildAugmentedPrompt(rec), rec.SessionID, true
}

// Kill stops every phase registered under key
func (b *Bridge) Kill(key string) bool {
	return b.registry.Kill(key)
}

// Summary lists active pipelines
func (b *Bridge) Summary() registry.Summary {
	return b.registry.Summary()
}

// Clarification returns the pending clarification for key, or nil
func (b *Bridge) Clarification(key string) *clarify.Record {
	return b.clarify.Get(key)
}

// PendingClarifications lists the keys waiting for an answer
func (b *Bridge) PendingClarifications() []string {
	return b.clarify.Keys()
}

// ClearClarification drops the pending clarification for key
func (b *Bridge) ClearClarification(key string) {
	if err := b.clarify.Clear(key); err != nil {
		b.logger.Warn("failed to clear clarification", "key", key, "error", err)
	}
}

// SetChangeListener forwards to the registry
func (b *Bridge) SetChangeListener(fn registry.ChangeListener) {
	b.registry.SetChangeListener(fn)
}

// SetActivityListener forwards to the registry
func (b *Bridge) SetActivityListener(fn registry.ActivityListener) {
	b.registry.SetActivityListener(fn)
}

// Runs lists recorded runs, newest first
func (b *Bridge) Runs() ([]*runstate.RunState, error) {
	if b.cfg.WorkspaceRoot == "" {
		return nil, nil
	}
	return runstate.ListRunStates(b.cfg.WorkspaceRoot)
}

// recording persists one run's state and events. Events arriving after the
// run finished, such as the background learner's, go to the caller only.
type recording struct {
	logger *slog.Logger
	key    string

	mu     sync.Mutex
	done   bool
	state  *runstate.RunState
	path   string
	events *eventlog.EventLog
	logged progress.Sink
}

func (b *Bridge) startRecording(prompt string, opts Options) *recording {
	rec := &recording{logger: b.logger, key: opts.Key}
	if b.cfg.WorkspaceRoot == "" {
		return rec
	}

	runID := runstate.NewRunID()
	state := runstate.NewRunState(runID, opts.Key, prompt)
	state.Resumed = opts.ResumeSessionID != ""
	path := runstate.GetRunStatePath(b.cfg.WorkspaceRoot, runID)
	if err := runstate.SaveRunState(state, path); err != nil {
		b.logger.Warn("failed to save run state", "run_id", runID, "error", err)
		return rec
	}

	events, err := eventlog.NewEventLog(eventlog.PathFor(b.cfg.WorkspaceRoot, runID), b.logger)
	if err != nil {
		b.logger.Warn("failed to open event log", "run_id", runID, "error", err)
	}

	b.logger.Info("run started", "run_id", runID, "key", opts.Key)
	rec.state = state
	rec.path = path
	if events != nil {
		rec.events = events
		rec.logged = events.Sink(opts.Key)
	}
	return rec
}

func (r *recording) sink() progress.Sink {
	if r.state == nil {
		return nil
	}
	return func(eventType string, data map[string]any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.done {
			return
		}

		r.logged.Emit(eventType, data)

		switch eventType {
		case progress.EventPhase:
			if phase, ok := data["phase"].(string); ok && phase != "" {
				r.state.SetPhase(phase)
				r.saveLocked()
			}
		case progress.EventCost:
			if cost, ok := data["cost"].(float64); ok {
				r.state.AddCost(cost)
			}
		}
	}
}

func (r *recording) finish(result *pipeline.Result) {
	r.update(func(s *runstate.RunState) {
		if result.Status == pipeline.StatusNeedsInput {
			s.MarkNeedsInput(result.SessionID)
			return
		}
		s.MarkCompleted(result.SessionID)
	})
}

func (r *recording) fail(err error) {
	r.update(func(s *runstate.RunState) {
		if errors.Is(err, supervisor.ErrStopped) {
			s.MarkStopped()
			return
		}
		s.MarkFailed(secrets.Redact(err.Error()))
	})
}

func (r *recording) update(fn func(*runstate.RunState)) {
	if r.state == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
	r.saveLocked()
}

func (r *recording) saveLocked() {
	if err := runstate.SaveRunState(r.state, r.path); err != nil {
		r.logger.Warn("failed to save run state", "run_id", r.state.RunID, "error", err)
	}
}

func (r *recording) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("failed to close event log", "key", r.key, "error", err)
		}
	}
}
