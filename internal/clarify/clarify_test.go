package clarify

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "clarifications.json")
	return NewStore(path, ttl, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func questions(texts ...string) map[string]any {
	list := make([]any, 0, len(texts))
	for _, text := range texts {
		list = append(list, map[string]any{"question": text})
	}
	return map[string]any{"questions": list}
}

func TestSetPendingAndGet(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.SetPending("tg:conv:1", Pending{
		OriginalPrompt:   "book a table",
		PendingQuestions: questions("Which restaurant?"),
		SessionID:        "sess-1",
	}))

	rec := s.Get("tg:conv:1")
	require.NotNil(t, rec)
	assert.Equal(t, "book a table", rec.OriginalPrompt)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, StateAwaitingAnswers, rec.State)
	assert.Empty(t, rec.Answers)
	assert.Equal(t, []string{"Which restaurant?"}, rec.Questions())

	assert.Nil(t, s.Get("tg:conv:2"))
}

func TestSetPendingReplacesExisting(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.SetPending("k", Pending{OriginalPrompt: "first"}))
	_, err := s.AppendAnswer("k", "an answer")
	require.NoError(t, err)
	require.NoError(t, s.SetPending("k", Pending{OriginalPrompt: "second"}))

	rec := s.Get("k")
	require.NotNil(t, rec)
	assert.Equal(t, "second", rec.OriginalPrompt)
	assert.Empty(t, rec.Answers)
	assert.Equal(t, StateAwaitingAnswers, rec.State)
}

func TestAppendAnswer(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.SetPending("k", Pending{OriginalPrompt: "p"}))

	rec, err := s.AppendAnswer("k", "one")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateReadyToResume, rec.State)

	rec, err = s.AppendAnswer("k", "two")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, rec.Answers)

	// The returned record is a copy.
	rec.Answers[0] = "mutated"
	assert.Equal(t, []string{"one", "two"}, s.Get("k").Answers)
}

func TestAppendAnswerMissingKey(t *testing.T) {
	s := newTestStore(t, 0)

	rec, err := s.AppendAnswer("missing", "answer")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoFileExists(t, s.Path())
}

func TestGetExpiresLazily(t *testing.T) {
	s := newTestStore(t, time.Hour)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.SetPending("k", Pending{OriginalPrompt: "p"}))

	now = now.Add(59 * time.Minute)
	assert.NotNil(t, s.Get("k"))

	now = now.Add(2 * time.Minute)
	assert.Nil(t, s.Get("k"))
	assert.Empty(t, s.Keys(), "expired record is discarded on read")

	// The discard is persisted.
	reloaded := NewStore(s.Path(), time.Hour, s.logger)
	assert.Empty(t, reloaded.Keys())
}

func TestAppendAnswerIgnoresExpiredRecord(t *testing.T) {
	s := newTestStore(t, time.Hour)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.SetPending("stale", Pending{OriginalPrompt: "p", SessionID: "sess"}))
	require.NoError(t, s.SetPending("fresh", Pending{OriginalPrompt: "q"}))
	now = now.Add(2 * time.Hour)
	require.NoError(t, s.SetPending("fresh", Pending{OriginalPrompt: "q"}))

	rec, err := s.AppendAnswer("stale", "late answer")
	require.NoError(t, err)
	assert.Nil(t, rec, "an expired record cannot be answered")
	assert.Equal(t, []string{"fresh"}, s.Keys())

	reloaded := NewStore(s.Path(), time.Hour, s.logger)
	reloaded.now = s.now
	assert.Nil(t, reloaded.Get("stale"))
}

func TestClear(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.SetPending("a", Pending{OriginalPrompt: "p"}))
	require.NoError(t, s.SetPending("b", Pending{OriginalPrompt: "p"}))

	require.NoError(t, s.Clear("a"))
	require.NoError(t, s.Clear("never-set"))

	assert.Nil(t, s.Get("a"))
	assert.Equal(t, []string{"b"}, s.Keys())
}

func TestMutationsArePersistedImmediately(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.SetPending("k", Pending{
		OriginalPrompt:   "p",
		PendingQuestions: questions("Q1"),
		SessionID:        "sess",
	}))
	_, err := s.AppendAnswer("k", "A1")
	require.NoError(t, err)

	reloaded := NewStore(s.Path(), 0, s.logger)
	rec := reloaded.Get("k")
	require.NotNil(t, rec)
	assert.Equal(t, []string{"A1"}, rec.Answers)
	assert.Equal(t, StateReadyToResume, rec.State)
	assert.Equal(t, []string{"Q1"}, rec.Questions())

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCorruptFileLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clarifications.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s := NewStore(path, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Nil(t, s.Get("k"))

	require.NoError(t, s.SetPending("k", Pending{OriginalPrompt: "p"}))
	assert.NotNil(t, s.Get("k"))
}

func TestBuildAugmentedPrompt(t *testing.T) {
	rec := &Record{
		OriginalPrompt:   "plan a trip",
		PendingQuestions: questions("Where to?"),
		Answers:          []string{"Lisbon", "next week"},
	}

	want := strings.Join([]string{
		"plan a trip",
		"\n\n[Previous clarification Q&A]:",
		"Q: Where to?",
		"A: Lisbon",
		"Q: Question 2",
		"A: next week",
		"\nPlease continue with the task using the above answers.",
	}, "\n")
	assert.Equal(t, want, BuildAugmentedPrompt(rec))
}

func TestBuildAugmentedPromptWithoutAnswers(t *testing.T) {
	rec := &Record{OriginalPrompt: "plan a trip", PendingQuestions: "free-form"}
	assert.Equal(t, "plan a trip", BuildAugmentedPrompt(rec))
}

func TestAugmentedPromptKeepsAnswerOrder(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.SetPending("k", Pending{OriginalPrompt: "original text"}))

	answers := []string{"first answer", "second answer", "third answer"}
	for _, a := range answers {
		_, err := s.AppendAnswer("k", a)
		require.NoError(t, err)
	}

	prompt := BuildAugmentedPrompt(s.Get("k"))
	assert.True(t, strings.HasPrefix(prompt, "original text"))

	last := 0
	for _, a := range answers {
		idx := strings.Index(prompt, a)
		require.GreaterOrEqual(t, idx, last, a)
		last = idx
	}
}

func TestConcurrentKeys(t *testing.T) {
	s := newTestStore(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "conv:" + string(rune('a'+i))
			assert.NoError(t, s.SetPending(key, Pending{OriginalPrompt: key}))
			_, err := s.AppendAnswer(key, "answer")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Keys(), 20)
	for _, key := range s.Keys() {
		assert.Equal(t, []string{"answer"}, s.Get(key).Answers)
	}
}

func TestQuestionTexts(t *testing.T) {
	assert.Nil(t, QuestionTexts(nil))
	assert.Nil(t, QuestionTexts("not an object"))
	assert.Equal(t, []string{"A?", ""}, QuestionTexts(map[string]any{
		"questions": []any{map[string]any{"question": "A?"}, "bare"},
	}))
}
