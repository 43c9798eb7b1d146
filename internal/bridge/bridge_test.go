package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/pepper/internal/clarify"
	"github.com/iambrandonn/pepper/internal/collab"
	"github.com/iambrandonn/pepper/internal/knowledge"
	"github.com/iambrandonn/pepper/internal/pipeline"
	"github.com/iambrandonn/pepper/internal/progress"
	"github.com/iambrandonn/pepper/internal/registry"
	"github.com/iambrandonn/pepper/internal/runstate"
	"github.com/iambrandonn/pepper/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pipelineCall struct {
	prompt string
	opts   pipeline.Options
}

// fakePipeline answers each Run with the next scripted step
type fakePipeline struct {
	mu    sync.Mutex
	calls []pipelineCall
	steps []func(ctx context.Context, prompt string, opts pipeline.Options) (*pipeline.Result, error)
}

func (f *fakePipeline) Run(ctx context.Context, prompt string, opts pipeline.Options) (*pipeline.Result, error) {
	f.mu.Lock()
	i := len(f.calls)
	f.calls = append(f.calls, pipelineCall{prompt: prompt, opts: opts})
	f.mu.Unlock()

	if i >= len(f.steps) {
		return &pipeline.Result{Status: pipeline.StatusCompleted, Response: "ok"}, nil
	}
	return f.steps[i](ctx, prompt, opts)
}

func (f *fakePipeline) call(i int) pipelineCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func completed(response, session string) func(context.Context, string, pipeline.Options) (*pipeline.Result, error) {
	return func(context.Context, string, pipeline.Options) (*pipeline.Result, error) {
		return &pipeline.Result{Status: pipeline.StatusCompleted, Response: response, SessionID: session}, nil
	}
}

func asks(session string, questions ...string) func(context.Context, string, pipeline.Options) (*pipeline.Result, error) {
	return func(context.Context, string, pipeline.Options) (*pipeline.Result, error) {
		list := []any{}
		for _, q := range questions {
			list = append(list, map[string]any{"question": q})
		}
		return &pipeline.Result{
			Status:    pipeline.StatusNeedsInput,
			SessionID: session,
			Questions: map[string]any{"questions": list},
		}, nil
	}
}

// blocking registers a handle under the run's execute phase and waits for
// it to be stopped, like a real agent subprocess.
func blocking(reg *registry.Registry) func(context.Context, string, pipeline.Options) (*pipeline.Result, error) {
	return func(ctx context.Context, _ string, opts pipeline.Options) (*pipeline.Result, error) {
		h := &stopHandle{done: make(chan struct{})}
		g := reg.Register(opts.Key+":D", h, "execute")
		defer g.Release()
		select {
		case <-h.done:
			return nil, supervisor.ErrStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type stopHandle struct {
	once sync.Once
	done chan struct{}
}

func (h *stopHandle) Stop() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

type bridgeFixture struct {
	pipeline *fakePipeline
	registry *registry.Registry
	clarify  *clarify.Store
	bridge   *Bridge
	root     string
}

func newBridgeFixture(t *testing.T, cfg Config) *bridgeFixture {
	t.Helper()
	logger := testLogger()
	root := t.TempDir()
	f := &bridgeFixture{
		pipeline: &fakePipeline{},
		registry: registry.New(logger),
		clarify:  clarify.NewStore(clarify.DefaultPath(root), 0, logger),
		root:     root,
	}
	f.bridge = New(cfg, f.pipeline, f.registry, f.clarify, logger)
	return f
}

func TestExecutePassesOptionsThrough(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.pipeline.steps = append(f.pipeline.steps, completed("done", "sess-1"))

	res, err := f.bridge.Execute(context.Background(), "hello", Options{Key: "tg:chat:9", ResumeSessionID: "sess-0"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Response)

	call := f.pipeline.call(0)
	assert.Equal(t, "hello", call.prompt)
	assert.Equal(t, "tg:chat:9", call.opts.Key)
	assert.Equal(t, "sess-0", call.opts.ResumeSessionID)
}

func TestExecuteStoresClarificationAndResumes(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.pipeline.steps = append(f.pipeline.steps,
		asks("sess-q", "Which account?"),
		completed("posted", "sess-q"),
	)
	ctx := context.Background()

	res, err := f.bridge.Execute(ctx, "post my update", Options{Key: "tg:conv:2"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusNeedsInput, res.Status)

	rec := f.bridge.Clarification("tg:conv:2")
	require.NotNil(t, rec)
	assert.Equal(t, "post my update", rec.OriginalPrompt)
	assert.Equal(t, "sess-q", rec.SessionID)
	assert.Equal(t, []string{"Which account?"}, rec.Questions())

	res, err = f.bridge.Execute(ctx, "the work one", Options{Key: "tg:conv:2"})
	require.NoError(t, err)
	assert.Equal(t, "posted", res.Response)

	call := f.pipeline.call(1)
	assert.Equal(t, "sess-q", call.opts.ResumeSessionID)
	assert.Contains(t, call.prompt, "post my update")
	assert.Contains(t, call.prompt, "Q: Which account?\nA: the work one")
	assert.Nil(t, f.bridge.Clarification("tg:conv:2"))
}

func TestExecuteUsesClarificationKey(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.pipeline.steps = append(f.pipeline.steps, asks("s", "Why?"))

	_, err := f.bridge.Execute(context.Background(), "do it", Options{Key: "k:run", ClarificationKey: "k:clar"})
	require.NoError(t, err)
	assert.NotNil(t, f.bridge.Clarification("k:clar"))
	assert.Nil(t, f.bridge.Clarification("k:run"))
}

func TestExecuteRepeatedQuestionKeepsAugmentedPrompt(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.pipeline.steps = append(f.pipeline.steps, asks("s1", "First?"), asks("s2", "Second?"))
	ctx := context.Background()

	_, err := f.bridge.Execute(ctx, "task", Options{Key: "k"})
	require.NoError(t, err)
	_, err = f.bridge.Execute(ctx, "one", Options{Key: "k"})
	require.NoError(t, err)

	rec := f.bridge.Clarification("k")
	require.NotNil(t, rec)
	assert.Equal(t, "s2", rec.SessionID)
	assert.True(t, strings.HasPrefix(rec.OriginalPrompt, "task"))
	assert.Contains(t, rec.OriginalPrompt, "A: one")
}

func TestExecuteTimeoutKillsByKey(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.pipeline.steps = append(f.pipeline.steps, blocking(f.registry))

	start := time.Now()
	_, err := f.bridge.Execute(context.Background(), "slow", Options{Key: "tg:chat:1", Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, f.registry.Has("tg:chat:1"))
}

func TestExecuteTimeoutWithoutKey(t *testing.T) {
	f := newBridgeFixture(t, Config{Timeout: 50 * time.Millisecond})
	f.pipeline.steps = append(f.pipeline.steps, blocking(f.registry))

	_, err := f.bridge.Execute(context.Background(), "slow", Options{})
	assert.ErrorIs(t, err, ErrTimedOut)
}

// slowClassifier takes longer than the run is allowed and ignores ctx, like
// a network call that cannot be interrupted.
type slowClassifier struct {
	collab.KeywordClassifier
	delay time.Duration
}

func (c slowClassifier) Classify(ctx context.Context, prompt string, call collab.Call) (collab.TaskSpec, error) {
	time.Sleep(c.delay)
	return c.KeywordClassifier.Classify(ctx, prompt, call)
}

type countingExecutor struct {
	runs atomic.Int32
}

func (e *countingExecutor) Run(context.Context, supervisor.Request) (*supervisor.Outcome, error) {
	e.runs.Add(1)
	return &supervisor.Outcome{Response: "Done."}, nil
}

func TestExecuteTimeoutBetweenSubprocesses(t *testing.T) {
	logger := testLogger()
	root := t.TempDir()
	exec := &countingExecutor{}
	orch := pipeline.New(pipeline.Config{}, pipeline.Deps{
		Executor:   exec,
		Classifier: slowClassifier{delay: 200 * time.Millisecond},
		Retriever:  collab.NewLexicalRetriever(logger),
		Memory:     knowledge.NewStore(filepath.Join(root, "memory"), logger),
	}, logger)
	reg := registry.New(logger)
	b := New(Config{WorkspaceRoot: root}, orch, reg, clarify.NewStore(clarify.DefaultPath(root), 0, logger), logger)

	_, err := b.Execute(context.Background(), "what time is it in Tokyo", Options{Key: "tg:conv:1", Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Zero(t, exec.runs.Load(), "no phase may start after the deadline")

	runs, err := b.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runstate.StatusFailed, runs[0].Status)
}

func TestExecuteTimeoutWinsOverLateSuccess(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.pipeline.steps = append(f.pipeline.steps, func(context.Context, string, pipeline.Options) (*pipeline.Result, error) {
		time.Sleep(150 * time.Millisecond)
		return &pipeline.Result{Status: pipeline.StatusCompleted, Response: "Done."}, nil
	})

	res, err := f.bridge.Execute(context.Background(), "slow", Options{Key: "tg:chat:2", Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Nil(t, res)
}

func TestKillStopsRun(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.pipeline.steps = append(f.pipeline.steps, blocking(f.registry))

	errc := make(chan error, 1)
	go func() {
		_, err := f.bridge.Execute(context.Background(), "long task", Options{Key: "tg:conv:4"})
		errc <- err
	}()

	require.Eventually(t, func() bool { return f.registry.Has("tg:conv:4") }, 2*time.Second, 5*time.Millisecond)
	summary := f.bridge.Summary()
	require.Len(t, summary.Numbered, 1)
	assert.Equal(t, 4, summary.Numbered[0].Number)

	assert.True(t, f.bridge.Kill("tg:conv:4"))
	err := <-errc
	assert.ErrorIs(t, err, supervisor.ErrStopped)
	assert.False(t, f.bridge.Kill("tg:conv:4"))
}

func TestExecuteRecordsRunState(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.bridge.cfg.WorkspaceRoot = f.root
	f.pipeline.steps = append(f.pipeline.steps, func(_ context.Context, _ string, opts pipeline.Options) (*pipeline.Result, error) {
		agg := progress.NewAggregator(opts.OnProgress)
		agg.Phase("classify", "Classifying request")
		agg.Phase("execute", "Executing task")
		opts.OnProgress.Emit(progress.EventCost, map[string]any{"cost": 0.25})
		opts.OnProgress.Emit(progress.EventAssistantText, map[string]any{"text": "token=abc123secretvalue"})
		return &pipeline.Result{Status: pipeline.StatusCompleted, Response: "ok", SessionID: "sess-r"}, nil
	})

	var seen []string
	_, err := f.bridge.Execute(context.Background(), "record me", Options{
		Key: "cli:run",
		OnProgress: func(eventType string, _ map[string]any) {
			seen = append(seen, eventType)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{progress.EventPhase, progress.EventPhase, progress.EventCost, progress.EventAssistantText}, seen)

	runs, err := f.bridge.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, runstate.StatusCompleted, run.Status)
	assert.Equal(t, "cli:run", run.Key)
	assert.Equal(t, "sess-r", run.SessionID)
	assert.Equal(t, []string{"classify", "execute"}, run.Phases)
	assert.InDelta(t, 0.25, run.CostUSD, 1e-9)
	assert.NotNil(t, run.CompletedAt)

	data, err := os.ReadFile(filepath.Join(f.root, "events", run.RunID+".ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 4)
	assert.NotContains(t, string(data), "abc123secretvalue")
}

func TestExecuteRecordsFailureAndStop(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.bridge.cfg.WorkspaceRoot = f.root
	f.pipeline.steps = append(f.pipeline.steps,
		func(context.Context, string, pipeline.Options) (*pipeline.Result, error) {
			return nil, errors.New("spawn failed: ANTHROPIC_API_KEY=sk-ant-verysecretvalue1234")
		},
		func(context.Context, string, pipeline.Options) (*pipeline.Result, error) {
			return nil, supervisor.ErrStopped
		},
	)

	_, err := f.bridge.Execute(context.Background(), "a", Options{Key: "k1"})
	require.Error(t, err)
	_, err = f.bridge.Execute(context.Background(), "b", Options{Key: "k2"})
	require.ErrorIs(t, err, supervisor.ErrStopped)

	runs, err := f.bridge.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byKey := map[string]*runstate.RunState{}
	for _, r := range runs {
		byKey[r.Key] = r
	}
	assert.Equal(t, runstate.StatusFailed, byKey["k1"].Status)
	assert.NotContains(t, byKey["k1"].Error, "sk-ant-verysecretvalue1234")
	assert.Contains(t, byKey["k1"].Error, "spawn failed")
	assert.Equal(t, runstate.StatusStopped, byKey["k2"].Status)
}

func TestLateEventsAreNotRecorded(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	f.bridge.cfg.WorkspaceRoot = f.root

	var late progress.Sink
	f.pipeline.steps = append(f.pipeline.steps, func(_ context.Context, _ string, opts pipeline.Options) (*pipeline.Result, error) {
		late = opts.OnProgress
		return &pipeline.Result{Status: pipeline.StatusCompleted, Response: "ok"}, nil
	})

	var got int
	_, err := f.bridge.Execute(context.Background(), "x", Options{
		Key:        "k",
		OnProgress: func(string, map[string]any) { got++ },
	})
	require.NoError(t, err)

	late.Emit(progress.EventPhase, map[string]any{"phase": "learn"})
	assert.Equal(t, 1, got)

	runs, err := f.bridge.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].Phases)
}

func TestRunsWithoutWorkspace(t *testing.T) {
	f := newBridgeFixture(t, Config{})
	runs, err := f.bridge.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs)
}
