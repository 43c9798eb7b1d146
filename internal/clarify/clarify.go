package clarify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/pepper/internal/fsutil"
)

// DefaultTTL is how long an unanswered clarification stays resumable
const DefaultTTL = 24 * time.Hour

// State tracks where a clarification is in its lifecycle
type State string

const (
	StateAwaitingAnswers State = "awaiting_answers"
	StateReadyToResume   State = "ready_to_resume"
)

// Record is one paused run waiting for the user
type Record struct {
	OriginalPrompt   string    `json:"originalPrompt"`
	PendingQuestions any       `json:"pendingQuestions,omitempty"`
	SessionID        string    `json:"sessionId,omitempty"`
	Answers          []string  `json:"answers"`
	State            State     `json:"state"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Pending is the input to SetPending
type Pending struct {
	OriginalPrompt   string
	PendingQuestions any
	SessionID        string
}

// Store persists clarification records as a single JSON document. The file
// is read on first access and rewritten in full on every mutation.
type Store struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

// NewStore creates a store backed by path. A non-positive ttl uses DefaultTTL.
func NewStore(path string, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		path:   path,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// load must be called with mu held. A missing or corrupt file is an empty store.
func (s *Store) load() {
	if s.records != nil {
		return
	}
	s.records = make(map[string]*Record)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read clarification store, starting empty", "path", s.path, "error", err)
		}
		return
	}

	var records map[string]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("clarification store is corrupt, starting empty", "path", s.path, "error", err)
		return
	}
	for key, rec := range records {
		if rec == nil {
			continue
		}
		if rec.State == "" {
			rec.State = StateAwaitingAnswers
		}
		s.records[key] = rec
	}
}

// save must be called with mu held
func (s *Store) save() error {
	if err := fsutil.AtomicWriteJSON(s.path, s.records); err != nil {
		return fmt.Errorf("failed to save clarifications: %w", err)
	}
	return nil
}

// Get returns a copy of the record for key, or nil. Expired records are
// discarded on read.
func (s *Store) Get(key string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	rec := s.liveLocked(key)
	if rec == nil {
		return nil
	}
	return rec.clone()
}

// liveLocked returns the record for key unless it has expired, in which
// case it is dropped and persisted. mu must be held.
func (s *Store) liveLocked(key string) *Record {
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	age := s.now().Sub(rec.CreatedAt)
	if age <= s.ttl {
		return rec
	}
	delete(s.records, key)
	if err := s.save(); err != nil {
		s.logger.Warn("failed to drop expired clarification", "key", key, "error", err)
	}
	s.logger.Info("clarification expired", "key", key, "age", age.Round(time.Second))
	return nil
}

// SetPending records a new pending clarification, replacing any existing
// record for key.
func (s *Store) SetPending(key string, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	s.records[key] = &Record{
		OriginalPrompt:   p.OriginalPrompt,
		PendingQuestions: p.PendingQuestions,
		SessionID:        p.SessionID,
		Answers:          []string{},
		State:            StateAwaitingAnswers,
		CreatedAt:        s.now().UTC(),
	}
	return s.save()
}

// AppendAnswer adds an answer and marks the record ready to resume. It
// returns nil without error when no live record exists for key.
func (s *Store) AppendAnswer(key, answer string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	rec := s.liveLocked(key)
	if rec == nil {
		return nil, nil
	}
	rec.Answers = append(rec.Answers, answer)
	rec.State = StateReadyToResume
	if err := s.save(); err != nil {
		return nil, err
	}
	return rec.clone(), nil
}

// Clear removes the record for key. Clearing a missing key is not an error.
func (s *Store) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	if _, ok := s.records[key]; !ok {
		return nil
	}
	delete(s.records, key)
	return s.save()
}

// Keys lists keys with a live record in sorted order. Expired records are
// dropped along the way.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		if s.liveLocked(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (r *Record) clone() *Record {
	c := *r
	c.Answers = append([]string(nil), r.Answers...)
	return &c
}

// Questions returns the question texts carried in PendingQuestions. The
// agent reports them as {"questions":[{"question":"..."}]}.
func (r *Record) Questions() []string {
	return QuestionTexts(r.PendingQuestions)
}

// QuestionTexts extracts question strings from an ask-user-question payload
func QuestionTexts(payload any) []string {
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := obj["questions"].([]any)
	if !ok {
		return nil
	}

	var out []string
	for _, item := range list {
		q, ok := item.(map[string]any)
		if !ok {
			out = append(out, "")
			continue
		}
		text, _ := q["question"].(string)
		out = append(out, text)
	}
	return out
}

// BuildAugmentedPrompt returns the prompt used to resume the paused task.
// Each answer is paired with the question at the same index.
func BuildAugmentedPrompt(rec *Record) string {
	parts := []string{rec.OriginalPrompt}

	if len(rec.Answers) > 0 {
		questions := rec.Questions()
		parts = append(parts, "\n\n[Previous clarification Q&A]:")
		for i, answer := range rec.Answers {
			q := fmt.Sprintf("Question %d", i+1)
			if i < len(questions) && questions[i] != "" {
				q = questions[i]
			}
			parts = append(parts, "Q: "+q, "A: "+answer)
		}
		parts = append(parts, "\nPlease continue with the task using the above answers.")
	}

	return strings.Join(parts, "\n")
}

// DefaultPath returns the conventional store location under a workspace
func DefaultPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, "state", "clarifications.json")
}
