package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/iambrandonn/pepper/internal/fsutil"
)

// Command is the action a chat message asks for
type Command string

const (
	CommandMessage Command = "message"
	CommandStop    Command = "stop"
	CommandClose   Command = "close"
)

// Mode records which kind of agent a conversation was last served by
type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModeCode      Mode = "code"
)

const labelMax = 50

var (
	closePattern        = regexp.MustCompile(`(?i)^(\d+)\s+close$`)
	numberedStopPattern = regexp.MustCompile(`(?i)^(\d+)\s+stop$`)
	stopPattern         = regexp.MustCompile(`(?i)^stop$`)
	numberedPattern     = regexp.MustCompile(`(?s)^(\d+)\s+(.+)$`)
)

// Parsed is a chat message split into its conversation number and body.
// Number is nil for unnumbered messages.
type Parsed struct {
	Number  *int
	Command Command
	Body    string
}

// ParseMessage extracts a leading conversation number and command.
//
//	"1 build a site" -> {1, message, "build a site"}
//	"1 close"        -> {1, close, ""}
//	"stop"           -> {nil, stop, ""}
//	"hello"          -> {nil, message, "hello"}
func ParseMessage(text string) Parsed {
	if m := closePattern.FindStringSubmatch(text); m != nil {
		return Parsed{Number: atoi(m[1]), Command: CommandClose}
	}
	if m := numberedStopPattern.FindStringSubmatch(text); m != nil {
		return Parsed{Number: atoi(m[1]), Command: CommandStop}
	}
	if stopPattern.MatchString(text) {
		return Parsed{Command: CommandStop}
	}
	if m := numberedPattern.FindStringSubmatch(text); m != nil {
		if n := atoi(m[1]); n != nil {
			return Parsed{Number: n, Command: CommandMessage, Body: m[2]}
		}
	}
	return Parsed{Command: CommandMessage, Body: text}
}

func atoi(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// Conversation binds a numbered chat thread to an agent session
type Conversation struct {
	Number       int       `json:"-"`
	SessionID    string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Label        string    `json:"label"`
	Platform     string    `json:"platform"`
	Mode         Mode      `json:"mode"`
}

// Store persists conversations as one JSON document keyed by number
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewStore creates a store backed by path
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// DefaultPath returns the conventional store location under a workspace
func DefaultPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, "state", "conversations.json")
}

// load must be called with mu held
func (s *Store) load() {
	if s.convs != nil {
		return
	}
	s.convs = make(map[string]*Conversation)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read conversations, starting empty", "path", s.path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, &s.convs); err != nil {
		s.logger.Warn("conversations file is corrupt, starting empty", "path", s.path, "error", err)
		s.convs = make(map[string]*Conversation)
	}
	for key, c := range s.convs {
		if c == nil {
			delete(s.convs, key)
		}
	}
}

func (s *Store) save() error {
	if err := fsutil.AtomicWriteJSON(s.path, s.convs); err != nil {
		return fmt.Errorf("failed to save conversations: %w", err)
	}
	return nil
}

// Get returns conversation n, or nil
func (s *Store) Get(n int) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	c, ok := s.convs[strconv.Itoa(n)]
	if !ok {
		return nil
	}
	out := *c
	out.Number = n
	return &out
}

// Resolve returns the session bound to conversation n, or ""
func (s *Store) Resolve(n int) string {
	if c := s.Get(n); c != nil {
		return c.SessionID
	}
	return ""
}

// ModeOf returns the mode of conversation n, defaulting to assistant
func (s *Store) ModeOf(n int) Mode {
	if c := s.Get(n); c != nil && c.Mode != "" {
		return c.Mode
	}
	return ModeAssistant
}

// Upsert binds sessionID to conversation n. A new conversation takes its
// label from the first message body. An existing one keeps its label and
// platform and only moves its session and activity time forward.
func (s *Store) Upsert(n int, sessionID, body, platform string, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	now := s.now().UTC()
	key := strconv.Itoa(n)
	if c, ok := s.convs[key]; ok {
		c.SessionID = sessionID
		c.LastActivity = now
		if mode != "" {
			c.Mode = mode
		}
	} else {
		if mode == "" {
			mode = ModeAssistant
		}
		label := []rune(body)
		if len(label) > labelMax {
			label = label[:labelMax]
		}
		s.convs[key] = &Conversation{
			SessionID:    sessionID,
			CreatedAt:    now,
			LastActivity: now,
			Label:        string(label),
			Platform:     platform,
			Mode:         mode,
		}
	}
	return s.save()
}

// Close removes conversation n and reports whether it existed
func (s *Store) Close(n int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	key := strconv.Itoa(n)
	if _, ok := s.convs[key]; !ok {
		return false, nil
	}
	delete(s.convs, key)
	return true, s.save()
}

// List returns every conversation ordered by number
func (s *Store) List() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	out := make([]Conversation, 0, len(s.convs))
	for key, c := range s.convs {
		n, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		item := *c
		item.Number = n
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
