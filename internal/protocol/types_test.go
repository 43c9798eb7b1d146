package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineSystem(t *testing.T) {
	line, ok := ParseLine([]byte(`{"type":"system","subtype":"init","session_id":"sess-1"}`))
	require.True(t, ok)

	want := []Event{{Kind: KindSystem, SessionID: "sess-1"}}
	if diff := cmp.Diff(want, line.Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, MessageTypeSystem, line.Type)
}

func TestParseLineAssistantBlocks(t *testing.T) {
	raw := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"first"},` +
		`{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}},` +
		`{"type":"text","text":"second"}]}}`

	line, ok := ParseLine([]byte(raw))
	require.True(t, ok)

	want := []Event{
		{Kind: KindToolUse, Tool: "Bash", ToolInput: map[string]any{"command": "ls"}},
		{Kind: KindAssistantText, Text: "first\nsecond"},
	}
	if diff := cmp.Diff(want, line.Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLineAssistantStringContent(t *testing.T) {
	line, ok := ParseLine([]byte(`{"type":"assistant","message":{"content":"plain reply"}}`))
	require.True(t, ok)
	require.Len(t, line.Events, 1)
	assert.Equal(t, KindAssistantText, line.Events[0].Kind)
	assert.Equal(t, "plain reply", line.Events[0].Text)
}

func TestParseLineQuestionToolUse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "content block",
			raw:  `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"AskUserQuestion","input":{"questions":[{"question":"Which color?"}]}}]}}`,
		},
		{
			name: "string encoded input",
			raw:  `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"AskUserQuestion","input":"{\"questions\":[{\"question\":\"Which color?\"}]}"}]}}`,
		},
		{
			name: "legacy subtype",
			raw:  `{"type":"assistant","subtype":"tool_use","tool_name":"AskUserQuestion","input":{"questions":[{"question":"Which color?"}]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, ok := ParseLine([]byte(tt.raw))
			require.True(t, ok)
			require.Len(t, line.Events, 1)

			evt := line.Events[0]
			assert.Equal(t, KindToolUse, evt.Kind)
			assert.True(t, evt.Question)
			want := map[string]any{"questions": []any{map[string]any{"question": "Which color?"}}}
			if diff := cmp.Diff(want, evt.ToolInput); diff != "" {
				t.Errorf("input mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseLineToolResultShapes(t *testing.T) {
	legacy, ok := ParseLine([]byte(`{"type":"user","subtype":"tool_result","tool_name":"Bash","output":"ok"}`))
	require.True(t, ok)
	if diff := cmp.Diff([]Event{{Kind: KindToolResult, Tool: "Bash", Output: "ok"}}, legacy.Events); diff != "" {
		t.Errorf("legacy mismatch (-want +got):\n%s", diff)
	}

	nested, ok := ParseLine([]byte(`{"type":"user","message":{"content":[` +
		`{"type":"tool_result","tool_use_id":"tu-1","content":"listing"},` +
		`{"type":"tool_result","tool_use_id":"tu-2","output":"fallback"},` +
		`{"type":"tool_result","tool_use_id":"tu-3"}]}}`))
	require.True(t, ok)
	want := []Event{
		{Kind: KindToolResult, Tool: "tu-1", Output: "listing"},
		{Kind: KindToolResult, Tool: "tu-2", Output: "fallback"},
		{Kind: KindToolResult, Tool: "tu-3", Output: ""},
	}
	if diff := cmp.Diff(want, nested.Events); diff != "" {
		t.Errorf("nested mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLineResult(t *testing.T) {
	line, ok := ParseLine([]byte(`{"type":"result","result":"All done","session_id":"sess-9","total_cost_usd":0.02,"duration_ms":500,"usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":5}}`))
	require.True(t, ok)
	require.Len(t, line.Events, 1)

	evt := line.Events[0]
	assert.Equal(t, KindResult, evt.Kind)
	assert.Equal(t, "sess-9", evt.SessionID)
	require.NotNil(t, evt.Result)
	assert.Equal(t, "All done", evt.Result.Text)
	assert.True(t, evt.Result.HasMetrics())
	assert.InDelta(t, 0.02, *evt.Result.CostUSD, 1e-9)
	assert.InDelta(t, 500, *evt.Result.DurationMs, 1e-9)
	assert.Equal(t, &Usage{InputTokens: 10, OutputTokens: 20, CacheReadInputTokens: 5}, evt.Result.Usage)
}

func TestParseLineResultMessageObject(t *testing.T) {
	line, ok := ParseLine([]byte(`{"type":"result","result":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}`))
	require.True(t, ok)
	require.Len(t, line.Events, 1)
	assert.Equal(t, "a\nb", line.Events[0].Result.Text)
	assert.False(t, line.Events[0].Result.HasMetrics())
}

func TestParseLineMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "not json", `{"type":`, `["array"]`} {
		_, ok := ParseLine([]byte(raw))
		assert.False(t, ok, "line %q should not parse", raw)
	}
}

func TestParseLineUnknownType(t *testing.T) {
	line, ok := ParseLine([]byte(`{"type":"stream_event","event":{}}`))
	require.True(t, ok)
	assert.Empty(t, line.Events)
	assert.JSONEq(t, `{"type":"stream_event","event":{}}`, string(line.Raw))
}
