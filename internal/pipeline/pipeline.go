// Package pipeline drives one request through classify, retrieve, optional
// knowledge synthesis, execute and evaluate, looping back on failure a
// bounded number of times.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/pepper/internal/collab"
	"github.com/iambrandonn/pepper/internal/knowledge"
	"github.com/iambrandonn/pepper/internal/progress"
	"github.com/iambrandonn/pepper/internal/supervisor"
)

// MaxFeedbackLoops bounds retrieve and targeted synthesis passes per run
const MaxFeedbackLoops = 3

// DefaultLearnTimeout bounds the background learning pass
const DefaultLearnTimeout = 15 * time.Minute

const (
	retryContextMax    = 500
	emptyResponseNote  = "(executor returned empty response)"
	progressPhaseLearn = "learn"
	forwardPhaseLearn  = "learner"
)

// State names a step of the orchestrator
type State string

const (
	StateFastPath   State = "fast_path"
	StateClassify   State = "classify"
	StateRetrieve   State = "retrieve"
	StateSynthesize State = "synthesize"
	StateExecute    State = "execute"
	StateEvaluate   State = "evaluate"
	StateDone       State = "done"
	StateNeedsInput State = "needs_input"
)

// Status is the terminal status of a run
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusNeedsInput Status = "needs_input"
)

// Result is what Run resolves to
type Result struct {
	Status    Status
	Response  string
	SessionID string
	Events    []json.RawMessage
	// Questions is the raw question payload when Status is StatusNeedsInput
	Questions any
}

// Options are per-run settings
type Options struct {
	// Key is the pipeline key. Each phase registers under Key plus a phase
	// suffix. Empty runs are not registered.
	Key             string
	ResumeSessionID string
	OnProgress      progress.Sink
}

// Classifier produces the task specification. It absorbs its own failures.
type Classifier interface {
	Classify(ctx context.Context, prompt string, call collab.Call) (collab.TaskSpec, error)
}

// Retriever selects memories relevant to query
type Retriever interface {
	Retrieve(ctx context.Context, query string, inventory []knowledge.Entry) (collab.Retrieval, error)
}

// GapDetector names the memories missing after a failed execution
type GapDetector interface {
	DetectGaps(ctx context.Context, in collab.GapInput, call collab.Call) (collab.Retrieval, error)
}

// Author writes the content of missing memories
type Author interface {
	Author(ctx context.Context, missing []collab.MemoryRequest, inventory []knowledge.Entry, call collab.Call) (collab.Authored, error)
}

// Learner proposes memory updates after a run
type Learner interface {
	Learn(ctx context.Context, in collab.LearnInput, call collab.Call) (collab.Learned, error)
}

// Memory is the knowledge store the pipeline reads and writes
type Memory interface {
	Inventory() []knowledge.Entry
	Contents(refs []knowledge.Ref) []knowledge.Content
	Write(name string, c knowledge.Category, content string) (string, error)
	Append(path, content string) error
	Replace(path, content string) error
	SiteContext(prompt string) []knowledge.Content
}

// InstallRunner runs install commands found in authored memories. key is
// the phase key the commands are registered under so Kill reaches them.
type InstallRunner interface {
	Install(ctx context.Context, key, content string, sink progress.Sink)
}

// Deps are the collaborators injected into the orchestrator. GapDetector,
// Installer and Learner are optional.
type Deps struct {
	Executor    collab.AgentRunner
	Classifier  Classifier
	Retriever   Retriever
	GapDetector GapDetector
	Author      Author
	Learner     Learner
	Memory      Memory
	Installer   InstallRunner
}

// Config tunes the orchestrator
type Config struct {
	MaxFeedbackLoops int
	// OutputDir is the executor's working directory
	OutputDir string
	// ExecutorModel and ExecutorArgs select the execute phase's model and
	// arguments. Empty values use the runner's defaults.
	ExecutorModel string
	ExecutorArgs  []string
	LearnTimeout  time.Duration
}

// Orchestrator runs the pipeline. It is safe for concurrent use across
// different pipeline keys.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	learning sync.WaitGroup
}

// New creates an orchestrator
func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if cfg.MaxFeedbackLoops <= 0 {
		cfg.MaxFeedbackLoops = MaxFeedbackLoops
	}
	if cfg.LearnTimeout <= 0 {
		cfg.LearnTimeout = DefaultLearnTimeout
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}
}

// Run drives prompt to completion. Only spawn failures and cancellation
// (supervisor.ErrStopped or ctx) are returned as errors.
func (o *Orchestrator) Run(ctx context.Context, prompt string, opts Options) (*Result, error) {
	r := &run{
		o:      o,
		prompt: prompt,
		opts:   opts,
		agg:    progress.NewAggregator(opts.OnProgress),
		seen:   map[string]bool{},
		logger: o.logger.With("key", opts.Key),
	}

	state := StateClassify
	if opts.ResumeSessionID != "" {
		state = StateFastPath
	}

	for {
		if state == StateDone || state == StateNeedsInput {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step, ok := r.transitions()[state]
		if !ok {
			return nil, fmt.Errorf("no transition from state %q", state)
		}
		next, err := step(ctx)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("pipeline transition", "from", state, "to", next, "loop", r.loopCount)
		state = next
	}

	if state == StateNeedsInput {
		return &Result{
			Status:    StatusNeedsInput,
			SessionID: r.last.SessionID,
			Events:    r.last.Events,
			Questions: r.last.PendingQuestion,
		}, nil
	}

	o.learnInBackground(ctx, prompt, r.spec, r.last.Response, opts)

	return &Result{
		Status:    StatusCompleted,
		Response:  r.last.Response,
		SessionID: r.last.SessionID,
		Events:    r.last.Events,
	}, nil
}

// Wait blocks until every background learning pass has finished
func (o *Orchestrator) Wait() {
	o.learning.Wait()
}

// run is the state of one Run call. It is never shared between goroutines.
type run struct {
	o      *Orchestrator
	prompt string
	opts   Options
	agg    *progress.Aggregator
	logger *slog.Logger

	spec      collab.TaskSpec
	loopCount int
	retrieval collab.Retrieval
	inventory []knowledge.Entry
	created   []knowledge.Content
	last      supervisor.Outcome

	previousFailure string
	failed          bool
	seen            map[string]bool

	// targeted is the tool request being resolved by a targeted
	// synthesis and re-execution, empty otherwise.
	targeted string
}

type stepFunc func(ctx context.Context) (State, error)

func (r *run) transitions() map[State]stepFunc {
	return map[State]stepFunc{
		StateFastPath:   r.fastPath,
		StateClassify:   r.classify,
		StateRetrieve:   r.retrieve,
		StateSynthesize: r.synthesize,
		StateExecute:    r.execute,
		StateEvaluate:   r.evaluate,
	}
}

func (r *run) key(suffix string) string {
	if r.opts.Key == "" {
		return ""
	}
	return r.opts.Key + ":" + suffix
}

// fastPath continues a resumed agent session with the raw prompt and no
// system prompt, so the session keeps its own context.
func (r *run) fastPath(ctx context.Context) (State, error) {
	r.agg.Phase("D", "Continuing conversation (resumed session)")
	r.spec = collab.FallbackTaskSpec(r.prompt)

	out, err := r.o.deps.Executor.Run(ctx, supervisor.Request{
		Prompt:          r.prompt,
		Model:           r.o.cfg.ExecutorModel,
		Args:            r.o.cfg.ExecutorArgs,
		Dir:             r.o.cfg.OutputDir,
		ResumeSessionID: r.opts.ResumeSessionID,
		Key:             r.key("D"),
		OnProgress:      r.agg.For("D"),
	})
	if err != nil {
		return "", err
	}
	r.last = *out
	if out.Asked {
		return StateNeedsInput, nil
	}
	return StateDone, nil
}

func (r *run) classify(ctx context.Context) (State, error) {
	r.agg.Phase("A", "Classifying request")

	spec, err := r.o.deps.Classifier.Classify(ctx, r.prompt, collab.Call{
		Key:        r.key("A"),
		OnProgress: r.agg.For("A"),
	})
	if err != nil {
		return "", err
	}
	if spec.TaskDescription == "" {
		spec.TaskDescription = r.prompt
	}
	r.spec = spec

	r.agg.Phase("A", "Complete → "+describeSpec(spec))
	return StateRetrieve, nil
}

// describeSpec renders "[label, label] | scores: a=0.5 b=0" or the output
// type when the classifier gave no labels.
func describeSpec(spec collab.TaskSpec) string {
	if spec.OutputLabels == nil {
		t := spec.OutputType
		if t == "" {
			t = "text"
		}
		return "[" + t + "]"
	}

	var active []string
	for _, l := range collab.Labels {
		if spec.OutputLabels[l] {
			active = append(active, l)
		}
	}
	labels := strings.Join(active, ", ")
	if labels == "" {
		labels = "none"
	}

	out := "[" + labels + "]"
	if len(spec.OutputScores) > 0 {
		names := make([]string, 0, len(spec.OutputScores))
		for k := range spec.OutputScores {
			names = append(names, k)
		}
		sort.Slice(names, func(i, j int) bool { return labelIndex(names[i]) < labelIndex(names[j]) })
		parts := make([]string, 0, len(names))
		for _, k := range names {
			parts = append(parts, fmt.Sprintf("%s=%g", k, spec.OutputScores[k]))
		}
		out += " | scores: " + strings.Join(parts, " ")
	}
	return out
}

func labelIndex(label string) int {
	for i, l := range collab.Labels {
		if l == label {
			return i
		}
	}
	return len(collab.Labels)
}

func (r *run) retrieve(ctx context.Context) (State, error) {
	r.loopCount++
	r.created = nil
	r.targeted = ""

	r.agg.Phase("B", fmt.Sprintf("Selecting relevant memory files (pass %d)", r.loopCount))

	r.inventory = r.o.deps.Memory.Inventory()
	query := r.prompt
	if r.failed {
		query += "\n\nPrevious failure context: " + truncate(r.previousFailure, retryContextMax)
	}

	retrieval, err := r.o.deps.Retriever.Retrieve(ctx, query, r.inventory)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.logger.Warn("retrieval failed", "error", err)
		retrieval = collab.Retrieval{}
	}
	r.retrieval = retrieval
	r.agg.Phase("B", "Selected: "+describeSelected(retrieval.Selected))

	if r.failed && r.o.deps.GapDetector != nil {
		r.agg.Phase("B", "Detecting knowledge gaps")
		gaps, err := r.o.deps.GapDetector.DetectGaps(ctx, collab.GapInput{
			TaskDescription: r.spec.TaskDescription,
			Prompt:          r.prompt,
			PreviousFailure: r.previousFailure,
			Inventory:       r.inventory,
		}, collab.Call{Key: r.key("Bgap"), OnProgress: r.agg.For("B")})
		if err != nil {
			return "", err
		}
		r.retrieval.Missing = gaps.Missing
		r.retrieval.ToolsNeeded = gaps.ToolsNeeded
		if gaps.Notes != "" {
			if r.retrieval.Notes != "" {
				r.retrieval.Notes += " | "
			}
			r.retrieval.Notes += gaps.Notes
		}
	}

	if r.failed && len(r.retrieval.Missing) == 0 {
		r.agg.Emit(progress.EventWarning, map[string]any{
			"message": "No knowledge gaps identified, forcing knowledge acquisition for: " + r.spec.TaskDescription,
		})
		r.retrieval.Missing = []collab.MemoryRequest{forcedMemoryRequest(r.spec.TaskDescription, r.previousFailure)}
	}

	if len(r.retrieval.Missing) > 0 {
		return StateSynthesize, nil
	}
	return StateExecute, nil
}

func describeSelected(selected []collab.MemoryRef) string {
	if len(selected) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(selected))
	for _, m := range selected {
		reason := m.Reason
		if reason == "" {
			reason = string(m.Category)
		}
		parts = append(parts, m.Name+" ("+reason+")")
	}
	return strings.Join(parts, ", ")
}

func (r *run) synthesize(ctx context.Context) (State, error) {
	suffix := "C"
	desc := fmt.Sprintf("Creating %d new memory file(s)", len(r.retrieval.Missing))
	inventory := r.inventory
	if r.targeted != "" {
		suffix = "C2"
		desc += " for: " + r.targeted
		inventory = r.o.deps.Memory.Inventory()
	}
	r.agg.Phase("C", desc)

	sink := r.agg.For("C")
	authored, err := r.o.deps.Author.Author(ctx, r.retrieval.Missing, inventory, collab.Call{
		Key:        r.key(suffix),
		OnProgress: sink,
	})
	if err != nil {
		return "", err
	}

	for _, mem := range authored.Memories {
		if _, err := r.o.deps.Memory.Write(mem.Name, mem.Category, mem.Content); err != nil {
			r.agg.Emit(progress.EventWarning, map[string]any{
				"message": fmt.Sprintf("Failed to write memory %s: %v", mem.Name, err),
			})
			continue
		}
		r.created = append(r.created, knowledge.Content{Name: mem.Name, Category: mem.Category, Content: mem.Content})
		if r.o.deps.Installer != nil {
			r.o.deps.Installer.Install(ctx, r.key("install"), mem.Content, r.opts.OnProgress)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return StateExecute, nil
}

func (r *run) execute(ctx context.Context) (State, error) {
	suffix := "D"
	if r.targeted != "" {
		suffix = "D2"
	} else {
		r.agg.Phase("D", "Executing task")
	}

	refs := make([]knowledge.Ref, 0, len(r.retrieval.Selected))
	for _, m := range r.retrieval.Selected {
		refs = append(refs, m.Ref())
	}
	memories := r.o.deps.Memory.Contents(refs)
	memories = append(memories, r.created...)
	memories = append(memories, r.o.deps.Memory.SiteContext(r.prompt)...)

	out, err := r.o.deps.Executor.Run(ctx, supervisor.Request{
		Prompt:       r.prompt,
		SystemPrompt: collab.ExecutorPrompt(r.spec, memories, r.prompt, r.o.cfg.OutputDir),
		Model:        r.o.cfg.ExecutorModel,
		Args:         r.o.cfg.ExecutorArgs,
		Dir:          r.o.cfg.OutputDir,
		Key:          r.key(suffix),
		OnProgress:   r.agg.For("D"),
	})
	if err != nil {
		return "", err
	}
	r.last = *out
	if out.Asked {
		return StateNeedsInput, nil
	}
	return StateEvaluate, nil
}

// evaluate decides between stopping, a targeted synthesis for an explicit
// tool request, and another retrieve pass. Every path that loops increments
// loopCount and is guarded by the loop bound; repeated tool requests stop.
func (r *run) evaluate(_ context.Context) (State, error) {
	verdict := Evaluate(r.last.Response)
	budgetLeft := r.loopCount < r.o.cfg.MaxFeedbackLoops

	switch {
	case verdict.Kind == VerdictToolRequest && budgetLeft:
		norm := strings.ToLower(verdict.Request)
		if r.seen[norm] {
			r.agg.Phase("feedback", "Already attempted to resolve: "+verdict.Request+". Stopping retry loop.")
			return StateDone, nil
		}
		r.seen[norm] = true
		r.agg.Phase("feedback", "Executor needs: "+verdict.Request+". Researching a targeted memory.")

		r.loopCount++
		r.failed = true
		r.previousFailure = r.last.Response
		r.targeted = verdict.Request
		r.retrieval.Missing = []collab.MemoryRequest{ToolMemoryRequest(verdict.Request)}
		return StateSynthesize, nil

	case verdict.Kind == VerdictFailure && budgetLeft:
		r.agg.Phase("feedback", "Executor couldn't complete the task. Looping back for more knowledge.")
		r.failed = true
		r.previousFailure = r.last.Response
		if strings.TrimSpace(r.previousFailure) == "" {
			r.previousFailure = emptyResponseNote
		}
		return StateRetrieve, nil
	}

	return StateDone, nil
}
