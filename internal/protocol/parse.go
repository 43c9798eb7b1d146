package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ParseLine decodes one line of agent output. It returns false when the line
// is blank or is not a JSON object; callers drop such lines and keep reading.
func ParseLine(data []byte) (Line, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Line{}, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Line{}, false
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	line := Line{Type: env.Type, Raw: raw}

	switch env.Type {
	case MessageTypeSystem:
		line.Events = []Event{{Kind: KindSystem, SessionID: env.SessionID}}
	case MessageTypeAssistant:
		line.Events = parseAssistant(&env)
	case MessageTypeUser:
		line.Events = parseUser(&env)
	case MessageTypeResult:
		line.Events = []Event{parseResult(&env)}
	}

	return line, true
}

func parseAssistant(env *envelope) []Event {
	if env.Subtype == "tool_use" {
		return []Event{toolUse(env.ToolName, env.Input)}
	}
	if len(env.Message) == 0 {
		return nil
	}

	var events []Event
	for _, block := range contentBlocks(env.Message) {
		if block.Type == "tool_use" {
			events = append(events, toolUse(block.Name, block.Input))
		}
	}
	if text := ExtractText(env.Message); text != "" {
		events = append(events, Event{Kind: KindAssistantText, Text: text})
	}
	return events
}

func parseUser(env *envelope) []Event {
	if env.Subtype == "tool_result" {
		return []Event{{Kind: KindToolResult, Tool: env.ToolName, Output: decodeValue(env.Output)}}
	}
	if len(env.Message) == 0 {
		return nil
	}

	var events []Event
	for _, block := range contentBlocks(env.Message) {
		if block.Type != "tool_result" {
			continue
		}
		output := decodeValue(block.Content)
		if isEmpty(output) {
			output = decodeValue(block.Output)
		}
		if output == nil {
			output = ""
		}
		events = append(events, Event{Kind: KindToolResult, Tool: block.ToolUseID, Output: output})
	}
	return events
}

func parseResult(env *envelope) Event {
	res := &Result{
		CostUSD:    env.TotalCostUSD,
		DurationMs: env.DurationMs,
		Usage:      env.Usage,
	}
	if len(env.Result) > 0 {
		var s string
		if err := json.Unmarshal(env.Result, &s); err == nil {
			res.Text = s
		} else {
			res.Text = ExtractText(env.Result)
		}
	}
	return Event{Kind: KindResult, SessionID: env.SessionID, Result: res}
}

func toolUse(name string, input json.RawMessage) Event {
	return Event{
		Kind:      KindToolUse,
		Tool:      name,
		ToolInput: decodeToolInput(input),
		Question:  name == AskUserQuestionTool,
	}
}

// ExtractText returns the text content of a message. A bare JSON string is
// returned as-is; a message object has its text blocks joined by newlines.
func ExtractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []string
	for _, block := range contentBlocks(raw) {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// contentBlocks decodes message.content, which may be a string or an array
// of typed blocks. A string is returned as a single text block.
func contentBlocks(raw json.RawMessage) []contentBlock {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil || len(msg.Content) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return []contentBlock{{Type: "text", Text: text}}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// decodeToolInput decodes a tool_use input. Inputs delivered as a JSON
// encoded string are unwrapped when the string itself holds JSON.
func decodeToolInput(raw json.RawMessage) any {
	v := decodeValue(raw)
	if s, ok := v.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return inner
		}
	}
	return v
}

func decodeValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}
