package protocol

import (
	"encoding/json"
)

// MessageType is the top-level "type" field of a stream-json line
type MessageType string

const (
	MessageTypeSystem    MessageType = "system"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeUser      MessageType = "user"
	MessageTypeResult    MessageType = "result"
)

// Kind identifies a decoded subprocess event
type Kind string

const (
	// KindSystem announces the agent session.
	KindSystem Kind = "system"
	// KindAssistantText carries streamed or final assistant text.
	KindAssistantText Kind = "assistant_text"
	// KindToolUse reports a tool invocation by the agent.
	KindToolUse Kind = "tool_use"
	// KindToolResult reports the output of a tool invocation.
	KindToolResult Kind = "tool_result"
	// KindResult is the terminal result of one agent turn.
	KindResult Kind = "result"
)

// AskUserQuestionTool is the tool name the agent uses to pause for user input
const AskUserQuestionTool = "AskUserQuestion"

// Usage captures token accounting reported on a result message
type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

// Result is the payload of a KindResult event
type Result struct {
	Text       string
	CostUSD    *float64
	DurationMs *float64
	Usage      *Usage
}

// HasMetrics reports whether the result carried cost or duration fields
func (r *Result) HasMetrics() bool {
	return r != nil && (r.CostUSD != nil || r.DurationMs != nil)
}

// Event is one typed event decoded from the agent's output stream
type Event struct {
	Kind      Kind
	SessionID string

	// KindAssistantText
	Text string

	// KindToolUse / KindToolResult. For tool results Tool holds the
	// tool_use_id when the tool name is not reported.
	Tool      string
	ToolInput any
	Output    any

	// Question is set on a KindToolUse event for AskUserQuestionTool.
	Question bool

	// KindResult
	Result *Result
}

// Line is a single parsed stream-json line. Events may be empty for
// well-formed lines of a type the parser does not interpret.
type Line struct {
	Type   MessageType
	Raw    json.RawMessage
	Events []Event
}

// envelope is the wire shape of every stream-json line. Both the legacy
// flat tool shapes and the nested message shapes are covered.
type envelope struct {
	Type         MessageType     `json:"type"`
	Subtype      string          `json:"subtype,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	TotalCostUSD *float64        `json:"total_cost_usd,omitempty"`
	DurationMs   *float64        `json:"duration_ms,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
}

type message struct {
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}
