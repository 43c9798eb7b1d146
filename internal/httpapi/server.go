// Package httpapi exposes the bridge over HTTP: chat messages, direct runs,
// kill, clarification and conversation inspection, plus a websocket stream
// of process and progress activity.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iambrandonn/pepper/internal/bridge"
	"github.com/iambrandonn/pepper/internal/conversation"
	"github.com/iambrandonn/pepper/internal/pipeline"
	"github.com/iambrandonn/pepper/internal/progress"
	"github.com/iambrandonn/pepper/internal/secrets"
	"github.com/iambrandonn/pepper/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

// Server handles HTTP requests
type Server struct {
	bridge        *bridge.Bridge
	messenger     *bridge.Messenger
	conversations *conversation.Store
	hub           *Hub
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	echo          *echo.Echo
}

// NewServer creates a server and subscribes the hub to registry activity
func NewServer(b *bridge.Bridge, m *bridge.Messenger, conversations *conversation.Store, logger *slog.Logger) *Server {
	s := &Server{
		bridge:        b,
		messenger:     m,
		conversations: conversations,
		hub:           NewHub(logger),
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	b.SetChangeListener(func() {
		s.hub.Broadcast(Message{Type: TypeProcesses, Summary: b.Summary()})
	})
	b.SetActivityListener(func(key, kind, summary string) {
		s.hub.Broadcast(Message{Type: TypeActivity, Key: key, Event: kind, Data: map[string]any{"summary": summary}})
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.RegisterRoutes(e)
	s.echo = e
	return s
}

// Hub returns the activity hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed echo instance
func (s *Server) Handler() http.Handler {
	return s.echo
}

// RegisterRoutes registers routes with the echo server
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.Health)

	e.POST("/v1/messages", s.PostMessage)
	e.POST("/v1/runs", s.PostRun)
	e.GET("/v1/runs", s.ListRuns)
	e.DELETE("/v1/runs/:key", s.KillRun)

	e.GET("/v1/clarifications", s.ListClarifications)
	e.GET("/v1/clarifications/:key", s.GetClarification)
	e.DELETE("/v1/clarifications/:key", s.ClearClarification)

	e.GET("/v1/conversations", s.ListConversations)

	e.GET("/v1/activity", s.Activity)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", addr)
		errc <- s.echo.Start(addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// Health returns health status.
// GET /health
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "healthy",
		"activity_clients": s.hub.Count(),
	})
}

// MessageRequest is the body of POST /v1/messages
type MessageRequest struct {
	Platform string `json:"platform"`
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
}

// MessageResponse reports what the transport should send back
type MessageResponse struct {
	Reply     string          `json:"reply,omitempty"`
	Silent    bool            `json:"silent,omitempty"`
	Key       string          `json:"key,omitempty"`
	Number    *int            `json:"conversation,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Status    pipeline.Status `json:"status,omitempty"`
}

// PostMessage handles one chat message.
// POST /v1/messages
func (s *Server) PostMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Platform == "" {
		req.Platform = "http"
	}
	if req.ChatID == "" || req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "chat_id and text are required"})
	}

	key := bridge.ProcessKey(req.Platform, req.ChatID, conversation.ParseMessage(req.Text).Number)
	reply := s.messenger.Handle(c.Request().Context(), req.Platform, req.ChatID, req.Text, s.progressSink(key))

	return c.JSON(http.StatusOK, MessageResponse{
		Reply:     reply.Text,
		Silent:    reply.Silent,
		Key:       reply.Key,
		Number:    reply.Number,
		SessionID: reply.SessionID,
		Status:    reply.Status,
	})
}

// RunRequest is the body of POST /v1/runs
type RunRequest struct {
	Prompt           string `json:"prompt"`
	Key              string `json:"key"`
	ClarificationKey string `json:"clarification_key"`
	ResumeSessionID  string `json:"resume_session_id"`
	TimeoutS         int    `json:"timeout_s"`
}

// RunResponse is the outcome of a direct run
type RunResponse struct {
	Status    string `json:"status"`
	Response  string `json:"response,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Questions any    `json:"questions,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PostRun executes a prompt and waits for the result.
// POST /v1/runs
func (s *Server) PostRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Prompt == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "prompt is required"})
	}

	result, err := s.bridge.Execute(c.Request().Context(), req.Prompt, bridge.Options{
		OnProgress:       s.progressSink(req.Key),
		Key:              req.Key,
		ClarificationKey: req.ClarificationKey,
		ResumeSessionID:  req.ResumeSessionID,
		Timeout:          time.Duration(req.TimeoutS) * time.Second,
	})
	switch {
	case errors.Is(err, supervisor.ErrStopped):
		return c.JSON(http.StatusConflict, RunResponse{Status: "stopped"})
	case errors.Is(err, bridge.ErrTimedOut):
		return c.JSON(http.StatusGatewayTimeout, RunResponse{Status: "timed_out", Error: secrets.Redact(err.Error())})
	case err != nil:
		s.logger.Warn("run failed", "key", req.Key, "error", err)
		return c.JSON(http.StatusInternalServerError, RunResponse{Status: "failed", Error: secrets.Redact(err.Error())})
	}

	return c.JSON(http.StatusOK, RunResponse{
		Status:    string(result.Status),
		Response:  result.Response,
		SessionID: result.SessionID,
		Questions: result.Questions,
	})
}

// ListRuns returns active pipelines and recorded runs.
// GET /v1/runs
func (s *Server) ListRuns(c echo.Context) error {
	runs, err := s.bridge.Runs()
	if err != nil {
		s.logger.Warn("failed to list runs", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"active": s.bridge.Summary(),
		"recent": runs,
	})
}

// KillRun stops every phase registered under key.
// DELETE /v1/runs/:key
func (s *Server) KillRun(c echo.Context) error {
	key := c.Param("key")
	if !s.bridge.Kill(key) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "nothing running for " + key})
	}
	return c.JSON(http.StatusOK, map[string]any{"killed": true, "key": key})
}

// ListClarifications returns the keys with a pending clarification.
// GET /v1/clarifications
func (s *Server) ListClarifications(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"keys": s.bridge.PendingClarifications()})
}

// GetClarification returns the pending clarification for key.
// GET /v1/clarifications/:key
func (s *Server) GetClarification(c echo.Context) error {
	rec := s.bridge.Clarification(c.Param("key"))
	if rec == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no pending clarification"})
	}
	return c.JSON(http.StatusOK, rec)
}

// ClearClarification drops the pending clarification for key.
// DELETE /v1/clarifications/:key
func (s *Server) ClearClarification(c echo.Context) error {
	s.bridge.ClearClarification(c.Param("key"))
	return c.NoContent(http.StatusNoContent)
}

// ListConversations returns every open numbered conversation.
// GET /v1/conversations
func (s *Server) ListConversations(c echo.Context) error {
	type item struct {
		Number int `json:"number"`
		conversation.Conversation
	}
	list := s.conversations.List()
	out := make([]item, 0, len(list))
	for _, conv := range list {
		out = append(out, item{Number: conv.Number, Conversation: conv})
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": out})
}

// Activity upgrades to a websocket and streams activity frames.
// GET /v1/activity
func (s *Server) Activity(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	if !s.greet(conn) {
		return nil
	}
	s.hub.Serve(conn)
	return nil
}

// snapshotConn is the part of a websocket connection greet needs
type snapshotConn interface {
	WriteJSON(v any) error
	Close() error
}

// greet sends the current process snapshot. A client that cannot take it
// is closed and never joins the hub.
func (s *Server) greet(conn snapshotConn) bool {
	err := conn.WriteJSON(Message{Type: TypeProcesses, At: time.Now().UTC(), Summary: s.bridge.Summary()})
	if err != nil {
		s.logger.Debug("failed to send activity snapshot", "error", err)
		conn.Close()
		return false
	}
	return true
}

// progressSink relays run progress to activity clients
func (s *Server) progressSink(key string) progress.Sink {
	return func(eventType string, data map[string]any) {
		s.hub.Broadcast(Message{Type: TypeProgress, Key: key, Event: eventType, Data: secrets.RedactFields(data)})
	}
}
