package collab

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/iambrandonn/pepper/internal/supervisor"
)

// Output labels assigned by the local classifier
const (
	LabelText         = "text"
	LabelPicture      = "picture"
	LabelCommand      = "command"
	LabelPresentation = "presentation"
	LabelSpecificFile = "specificFile"
	LabelOther        = "other"
)

// Labels lists every output label
var Labels = []string{LabelText, LabelPicture, LabelCommand, LabelPresentation, LabelSpecificFile, LabelOther}

// labelPriority decides outputType when several labels are active
var labelPriority = []string{LabelCommand, LabelPicture, LabelPresentation, LabelSpecificFile, LabelText, LabelOther}

// LabelThreshold is the score above which a label is active
const LabelThreshold = 0.38

var labelKeywords = map[string][]string{
	LabelText: {
		"what", "why", "how", "who", "explain", "summarize", "summary", "tell",
		"write", "describe", "answer", "question", "email", "draft", "translate",
	},
	LabelPicture: {
		"picture", "image", "photo", "screenshot", "draw", "diagram", "logo",
		"png", "jpg", "svg", "chart", "graph", "plot", "icon",
	},
	LabelCommand: {
		"run", "install", "open", "start", "stop", "restart", "kill", "launch",
		"execute", "deploy", "delete", "move", "copy", "click", "send", "download",
		"upload", "build", "commit", "push",
	},
	LabelPresentation: {
		"presentation", "slides", "slide", "deck", "powerpoint", "pptx", "keynote",
	},
	LabelSpecificFile: {
		"file", "pdf", "csv", "xlsx", "spreadsheet", "docx", "document", "report",
		"json", "zip", "folder", "script",
	},
}

var simplePattern = regexp.MustCompile(`(?i)^(what|who|when|where|how|why|is|are|can|does|do|did|hi|hey|hello|thanks|ok|yes|no)\b`)

// IsLikelySimple reports whether prompt looks like a short conversational
// message or question.
func IsLikelySimple(prompt string) bool {
	return len(prompt) < 200 && simplePattern.MatchString(strings.TrimSpace(prompt))
}

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// KeywordClassifier labels a prompt locally by keyword matching. It never
// spawns the agent and never fails.
type KeywordClassifier struct{}

// Classify scores each label, activates those above LabelThreshold (or the
// best one when none is) and derives outputType by priority.
func (KeywordClassifier) Classify(_ context.Context, prompt string, _ Call) (TaskSpec, error) {
	words := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(prompt), -1) {
		words[w] = true
	}

	scores := make(map[string]float64, len(Labels))
	for _, label := range Labels {
		hits := 0
		for _, kw := range labelKeywords[label] {
			if words[kw] {
				hits++
			}
		}
		// 0 hits -> 0, 1 -> 0.5, 2 -> 0.667, ...
		scores[label] = math.Round(float64(hits)/float64(hits+1)*1000) / 1000
	}

	active := make(map[string]bool, len(Labels))
	anyActive := false
	for _, label := range Labels {
		active[label] = scores[label] >= LabelThreshold
		anyActive = anyActive || active[label]
	}
	if !anyActive {
		best := Labels[0]
		for _, label := range Labels[1:] {
			if scores[label] > scores[best] {
				best = label
			}
		}
		active[best] = true
	}

	outputType := LabelText
	for _, label := range labelPriority {
		if active[label] {
			outputType = label
			break
		}
	}

	spec := FallbackTaskSpec(prompt)
	spec.Fallback = false
	spec.OutputType = outputType
	spec.OutputLabels = active
	spec.OutputScores = scores
	switch outputType {
	case LabelPicture, LabelPresentation, LabelSpecificFile:
		spec.OutputFormat = OutputFormat{Type: "file", Structure: "file written to the outputs folder", DeliveryMethod: "both"}
	}
	if !IsLikelySimple(prompt) && len(prompt) >= 200 {
		spec.Complexity = "moderate"
	}
	return spec, nil
}

var classifierArgs = []string{"--print", "--max-turns", "1"}

// AgentClassifier asks the agent to design the output specification
type AgentClassifier struct {
	runner AgentRunner
	model  string
	logger *slog.Logger
}

// NewAgentClassifier creates a classifier that runs model through runner
func NewAgentClassifier(runner AgentRunner, model string, logger *slog.Logger) *AgentClassifier {
	return &AgentClassifier{runner: runner, model: model, logger: logger}
}

// Classify falls back to FallbackTaskSpec on any failure except
// cancellation.
func (c *AgentClassifier) Classify(ctx context.Context, prompt string, call Call) (TaskSpec, error) {
	out, err := c.runner.Run(ctx, supervisor.Request{
		Prompt:       prompt,
		SystemPrompt: ClassifierPrompt(),
		Model:        c.model,
		Args:         classifierArgs,
		Key:          call.Key,
		OnProgress:   call.OnProgress,
	})
	if err != nil {
		if cancelled(ctx, err) {
			return TaskSpec{}, err
		}
		c.logger.Warn("classifier failed, using fallback", "key", call.Key, "error", err)
		return FallbackTaskSpec(prompt), nil
	}

	spec := ParseTaskSpec(out.Response)
	if spec.Fallback {
		c.logger.Warn("classifier output unusable, using fallback", "key", call.Key)
		return FallbackTaskSpec(prompt), nil
	}
	return spec, nil
}

// cancelled reports whether err must propagate instead of being absorbed
func cancelled(ctx context.Context, err error) bool {
	return errors.Is(err, supervisor.ErrStopped) || ctx.Err() != nil
}
