// Package collab holds the collaborators the pipeline consults between
// agent runs: classification, retrieval, gap detection, knowledge authoring
// and post-task learning. Whatever shape a model answers in, this package
// normalises it into the canonical types below.
package collab

import (
	"context"

	"github.com/iambrandonn/pepper/internal/knowledge"
	"github.com/iambrandonn/pepper/internal/progress"
	"github.com/iambrandonn/pepper/internal/supervisor"
)

// OutputFormat describes how the final answer should be delivered
type OutputFormat struct {
	Type           string `json:"type" jsonschema:"enum=inline_text,enum=file,enum=project,enum=screenshot,enum=data_visualization"`
	Structure      string `json:"structure" jsonschema:"description=Expected structure or file format"`
	DeliveryMethod string `json:"deliveryMethod" jsonschema:"enum=inline,enum=file_link,enum=both"`
}

// TaskSpec is the classifier's description of what success looks like
type TaskSpec struct {
	TaskDescription string             `json:"taskDescription" jsonschema:"description=Clear 1-3 sentence description of what needs to be done"`
	OutputType      string             `json:"outputType" jsonschema:"enum=text,enum=code,enum=pdf,enum=image,enum=data,enum=research,enum=browser,enum=mixed,enum=command,enum=picture,enum=presentation,enum=specificFile,enum=other"`
	OutputFormat    OutputFormat       `json:"outputFormat"`
	OutputLabels    map[string]bool    `json:"outputLabels,omitempty" jsonschema:"-"`
	OutputScores    map[string]float64 `json:"outputScores,omitempty" jsonschema:"-"`
	RequiredDomains []string           `json:"requiredDomains"`
	Complexity      string             `json:"complexity" jsonschema:"enum=simple,enum=moderate,enum=complex"`
	EstimatedSteps  int                `json:"estimatedSteps" jsonschema:"minimum=1"`

	// Fallback is set when the spec was synthesised because the classifier
	// produced nothing usable.
	Fallback bool `json:"-"`
}

// MemoryRef selects an existing memory
type MemoryRef struct {
	Name     string             `json:"name"`
	Category knowledge.Category `json:"category" jsonschema:"enum=skill,enum=knowledge,enum=preference,enum=site"`
	Reason   string             `json:"reason,omitempty"`
}

// Ref drops the reason
func (m MemoryRef) Ref() knowledge.Ref {
	return knowledge.Ref{Name: m.Name, Category: m.Category}
}

// MemoryRequest asks the author to create a memory that does not exist yet
type MemoryRequest struct {
	Name        string             `json:"name"`
	Category    knowledge.Category `json:"category" jsonschema:"enum=skill,enum=knowledge,enum=preference,enum=site"`
	Description string             `json:"description" jsonschema:"description=Exactly what this memory should contain"`
	Reason      string             `json:"reason,omitempty"`
}

// Retrieval is the canonical retriever and gap detector result
type Retrieval struct {
	Selected    []MemoryRef     `json:"selectedMemories"`
	Missing     []MemoryRequest `json:"missingMemories"`
	ToolsNeeded []string        `json:"toolsNeeded"`
	Notes       string          `json:"notes"`
}

// Memory is a newly authored memory document
type Memory struct {
	Name     string             `json:"name"`
	Category knowledge.Category `json:"category" jsonschema:"enum=skill,enum=knowledge,enum=preference,enum=site"`
	Content  string             `json:"content" jsonschema:"description=Full markdown content of the file"`
}

// Authored is the knowledge author's result
type Authored struct {
	Memories []Memory `json:"memories"`
}

// UpdateAction says how a learner update is applied
type UpdateAction string

const (
	ActionCreate UpdateAction = "create"
	ActionAppend UpdateAction = "append"
	// ActionReplace rewrites an existing memory in full
	ActionReplace UpdateAction = "replace"
)

// Update is one change proposed by the learner
type Update struct {
	Name     string             `json:"name"`
	Category knowledge.Category `json:"category" jsonschema:"enum=skill,enum=knowledge,enum=preference,enum=site"`
	Path     string             `json:"path,omitempty" jsonschema:"description=Full path when updating an existing file"`
	Action   UpdateAction       `json:"action" jsonschema:"enum=create,enum=append,enum=replace"`
	Content  string             `json:"content"`
}

// Learned is the learner's result
type Learned struct {
	Updates []Update `json:"updates"`
}

// Call carries per-invocation plumbing for agent-backed collaborators
type Call struct {
	// Key registers the collaborator's agent run. Empty runs are not
	// cancellable by key.
	Key        string
	OnProgress progress.Sink
}

// GapInput is what the gap detector sees after a failed execution
type GapInput struct {
	TaskDescription string
	Prompt          string
	PreviousFailure string
	Inventory       []knowledge.Entry
}

// LearnInput is what the learner sees after a finished run
type LearnInput struct {
	Prompt           string
	Spec             TaskSpec
	ExecutionSummary string
	Inventory        []knowledge.Entry
}

// AgentRunner runs one agent invocation. *supervisor.Runner satisfies it.
type AgentRunner interface {
	Run(ctx context.Context, req supervisor.Request) (*supervisor.Outcome, error)
}
