package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iambrandonn/pepper/internal/clarify"
	"github.com/iambrandonn/pepper/internal/conversation"
	"github.com/iambrandonn/pepper/internal/pipeline"
	"github.com/iambrandonn/pepper/internal/progress"
	"github.com/iambrandonn/pepper/internal/secrets"
	"github.com/iambrandonn/pepper/internal/supervisor"
)

// DefaultRateLimitPerMinute is the per-chat message allowance
const DefaultRateLimitPerMinute = 10

const (
	replyRateLimited   = "Rate limited. Please wait a moment."
	replyNeedDetails   = "I need a bit more detail before I continue. Please reply with the missing details."
	replyQuestionsHead = "I need a few details before I continue:"
	replyQuestionsTail = "Reply with your answer(s), and I will continue."
	questionFallback   = "Please clarify"
)

// Executor is the part of Bridge a Messenger drives
type Executor interface {
	Execute(ctx context.Context, prompt string, opts Options) (*pipeline.Result, error)
	Kill(key string) bool
	ClearClarification(key string)
}

// Reply is what a transport should send back. Silent replies send nothing.
type Reply struct {
	Text      string
	Silent    bool
	Key       string
	Number    *int
	SessionID string
	Status    pipeline.Status
}

// MessengerConfig tunes a Messenger
type MessengerConfig struct {
	// RateLimitPerMinute caps messages per chat. Zero uses the default,
	// negative disables limiting.
	RateLimitPerMinute int
	// Timeout is passed to every Execute call
	Timeout time.Duration
}

// Messenger turns chat messages into pipeline runs. Messages for the same
// pipeline key run one at a time; stop and close never wait.
type Messenger struct {
	cfg           MessengerConfig
	exec          Executor
	conversations *conversation.Store
	logger        *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	slots    map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

// NewMessenger creates a messenger
func NewMessenger(cfg MessengerConfig, exec Executor, conversations *conversation.Store, logger *slog.Logger) *Messenger {
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	return &Messenger{
		cfg:           cfg,
		exec:          exec,
		conversations: conversations,
		logger:        logger,
		limiters:      map[string]*rate.Limiter{},
		slots:         map[string]*keySlot{},
	}
}

// ProcessKey returns the pipeline key for a message. Numbered conversations
// are shared across chats on the same platform.
func ProcessKey(platform, chatID string, number *int) string {
	if number != nil {
		return fmt.Sprintf("%s:conv:%d", platform, *number)
	}
	return fmt.Sprintf("%s:chat:%s", platform, chatID)
}

// Handle processes one inbound chat message
func (m *Messenger) Handle(ctx context.Context, platform, chatID, text string, sink progress.Sink) Reply {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{Silent: true}
	}

	parsed := conversation.ParseMessage(text)
	key := ProcessKey(platform, chatID, parsed.Number)

	// Commands are never rate limited so a flooded chat can still stop.
	switch parsed.Command {
	case conversation.CommandClose:
		return m.close(*parsed.Number, key)
	case conversation.CommandStop:
		return m.stop(parsed.Number, key)
	}

	if !m.allow(platform + ":" + chatID) {
		m.logger.Info("message rate limited", "platform", platform, "chat", chatID)
		return Reply{Text: replyRateLimited}
	}

	var resume string
	if parsed.Number != nil {
		resume = m.conversations.Resolve(*parsed.Number)
	}

	release, err := m.acquire(ctx, key)
	if err != nil {
		return Reply{Silent: true, Key: key, Number: parsed.Number}
	}
	defer release()

	m.logger.Info("processing message", "key", key, "resume", resume != "")
	result, err := m.exec.Execute(ctx, parsed.Body, Options{
		OnProgress:       sink,
		Key:              key,
		ClarificationKey: key,
		ResumeSessionID:  resume,
		Timeout:          m.cfg.Timeout,
	})
	if err != nil {
		if errors.Is(err, supervisor.ErrStopped) || ctx.Err() != nil {
			// The stop command already answered.
			return Reply{Silent: true, Key: key, Number: parsed.Number}
		}
		m.logger.Warn("message failed", "key", key, "error", err)
		return Reply{Text: UserError(err), Key: key, Number: parsed.Number}
	}

	reply := Reply{
		Key:       key,
		Number:    parsed.Number,
		SessionID: result.SessionID,
		Status:    result.Status,
	}
	if result.Status == pipeline.StatusNeedsInput {
		reply.Text = FormatQuestions(result.Questions)
		return reply
	}

	if result.SessionID != "" && parsed.Number != nil {
		n := *parsed.Number
		if err := m.conversations.Upsert(n, result.SessionID, parsed.Body, platform, m.conversations.ModeOf(n)); err != nil {
			m.logger.Warn("failed to record conversation", "number", n, "error", err)
		}
	}
	reply.Text = result.Response
	return reply
}

func (m *Messenger) close(n int, key string) Reply {
	closed, err := m.conversations.Close(n)
	if err != nil {
		m.logger.Warn("failed to close conversation", "number", n, "error", err)
	}
	m.exec.ClearClarification(key)

	num := n
	if closed {
		return Reply{Text: fmt.Sprintf("Conversation #%d closed.", n), Key: key, Number: &num}
	}
	return Reply{Text: fmt.Sprintf("No active conversation #%d.", n), Key: key, Number: &num}
}

func (m *Messenger) stop(number *int, key string) Reply {
	killed := m.exec.Kill(key)
	m.exec.ClearClarification(key)

	reply := Reply{Key: key, Number: number}
	switch {
	case killed && number != nil:
		reply.Text = fmt.Sprintf("Stopped conversation #%d.", *number)
	case killed:
		reply.Text = "Stopped current conversation."
	case number != nil:
		reply.Text = fmt.Sprintf("Nothing running for conversation #%d.", *number)
	default:
		reply.Text = "Nothing running for this chat."
	}
	return reply
}

func (m *Messenger) allow(chat string) bool {
	if m.cfg.RateLimitPerMinute < 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[chat]
	if !ok {
		per := m.cfg.RateLimitPerMinute
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), per)
		m.limiters[chat] = l
	}
	return l.Allow()
}

// acquire waits for exclusive use of key
func (m *Messenger) acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	slot, ok := m.slots[key]
	if !ok {
		slot = &keySlot{ch: make(chan struct{}, 1)}
		m.slots[key] = slot
	}
	slot.refs++
	m.mu.Unlock()

	unref := func() {
		m.mu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(m.slots, key)
		}
		m.mu.Unlock()
	}

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			unref()
		}, nil
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}
}

// FormatQuestions renders an ask-user-question payload as chat text
func FormatQuestions(payload any) string {
	questions := clarify.QuestionTexts(payload)
	if len(questions) == 0 {
		return replyNeedDetails
	}

	lines := []string{replyQuestionsHead}
	for i, q := range questions {
		if strings.TrimSpace(q) == "" {
			q = questionFallback
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, q))
	}
	lines = append(lines, replyQuestionsTail)
	return strings.Join(lines, "\n")
}

// UserError renders err for a chat user with credentials masked
func UserError(err error) string {
	return "Error: " + secrets.Redact(err.Error())
}
