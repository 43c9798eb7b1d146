package collab

import (
	"context"
	"log/slog"
	"strings"

	"github.com/iambrandonn/pepper/internal/knowledge"
	"github.com/iambrandonn/pepper/internal/supervisor"
)

var authorArgs = []string{"--print", "--allowedTools", "WebSearch,WebFetch,Bash"}

// AgentAuthor researches and writes missing memories. The agent may install
// tools itself while researching.
type AgentAuthor struct {
	runner AgentRunner
	model  string
	logger *slog.Logger
}

// NewAgentAuthor creates an author that runs model through runner
func NewAgentAuthor(runner AgentRunner, model string, logger *slog.Logger) *AgentAuthor {
	return &AgentAuthor{runner: runner, model: model, logger: logger}
}

// Author returns no memories on any failure except cancellation
func (a *AgentAuthor) Author(ctx context.Context, missing []MemoryRequest, inventory []knowledge.Entry, call Call) (Authored, error) {
	var sb strings.Builder
	sb.WriteString("Create the following memories:")
	for _, m := range missing {
		sb.WriteString("\n- " + m.Name + ": " + m.Description)
	}

	out, err := a.runner.Run(ctx, supervisor.Request{
		Prompt:       sb.String(),
		SystemPrompt: AuthorPrompt(missing, inventory),
		Model:        a.model,
		Args:         authorArgs,
		Key:          call.Key,
		OnProgress:   call.OnProgress,
	})
	if err != nil {
		if cancelled(ctx, err) {
			return Authored{}, err
		}
		a.logger.Warn("knowledge author failed", "key", call.Key, "error", err)
		return Authored{Memories: []Memory{}}, nil
	}

	res := ParseAuthored(out.Response)
	if len(res.Memories) == 0 {
		a.logger.Warn("knowledge author produced no memories", "key", call.Key, "requested", len(missing))
	}
	return res, nil
}
