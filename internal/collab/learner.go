package collab

import (
	"context"
	"log/slog"

	"github.com/iambrandonn/pepper/internal/supervisor"
)

const learnerResponseMax = 2000

// AgentLearner reviews a finished run and proposes memory updates
type AgentLearner struct {
	runner AgentRunner
	model  string
	logger *slog.Logger
}

// NewAgentLearner creates a learner that runs model through runner
func NewAgentLearner(runner AgentRunner, model string, logger *slog.Logger) *AgentLearner {
	return &AgentLearner{runner: runner, model: model, logger: logger}
}

// Learn returns no updates on any failure except cancellation
func (l *AgentLearner) Learn(ctx context.Context, in LearnInput, call Call) (Learned, error) {
	prompt := "Review this execution and save any useful knowledge.\n\n" +
		"Prompt: " + in.Prompt + "\n\n" +
		"Response summary: " + truncate(in.ExecutionSummary, learnerResponseMax)

	out, err := l.runner.Run(ctx, supervisor.Request{
		Prompt:       prompt,
		SystemPrompt: LearnerPrompt(in),
		Model:        l.model,
		Key:          call.Key,
		OnProgress:   call.OnProgress,
	})
	if err != nil {
		if cancelled(ctx, err) {
			return Learned{}, err
		}
		l.logger.Warn("learner failed", "key", call.Key, "error", err)
		return Learned{Updates: []Update{}}, nil
	}
	return ParseLearned(out.Response), nil
}
