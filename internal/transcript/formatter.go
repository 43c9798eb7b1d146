package transcript

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iambrandonn/pepper/internal/progress"
)

const textPreviewMax = 120

// Formatter formats progress events for console output
type Formatter struct {
	color bool
}

// NewFormatter creates a new transcript formatter. color enables ANSI
// highlighting of the phase tag.
func NewFormatter(color bool) *Formatter {
	return &Formatter{color: color}
}

// FormatProgress formats one progress event as a single line. Empty
// assistant text renders as "".
func (f *Formatter) FormatProgress(eventType string, data map[string]any) string {
	phase, _ := data["phase"].(string)

	var details string

	switch eventType {
	case progress.EventPhase:
		desc, _ := data["description"].(string)
		return f.tag(phase) + " " + desc

	case progress.EventAssistantText:
		text, _ := data["text"].(string)
		if strings.TrimSpace(text) == "" {
			return ""
		}
		details = preview(text)

	case progress.EventToolUse:
		tool, _ := data["tool"].(string)
		details = tool

	case progress.EventToolResult:
		tool, _ := data["tool"].(string)
		details = fmt.Sprintf("%s done", tool)

	case progress.EventCost:
		var parts []string
		if cost, ok := data["cost"].(float64); ok {
			parts = append(parts, fmt.Sprintf("$%.4f", cost))
		}
		if ms, ok := data["duration"].(float64); ok {
			parts = append(parts, f.formatDuration(ms))
		}
		if in, ok := data["input_tokens"].(int); ok {
			out, _ := data["output_tokens"].(int)
			parts = append(parts, fmt.Sprintf("%d in / %d out tokens", in, out))
		}
		details = strings.Join(parts, ", ")

	case progress.EventStderr, progress.EventWarning:
		for _, k := range []string{"text", "message", "error"} {
			if s, ok := data[k].(string); ok && s != "" {
				details = preview(s)
				break
			}
		}

	case progress.EventToolInstall:
		cmd, _ := data["command"].(string)
		status, _ := data["status"].(string)
		details = fmt.Sprintf("%s (%s)", cmd, status)

	default:
		details = f.genericDetails(data)
	}

	prefix := eventType
	if phase != "" {
		prefix = f.tag(phase) + " " + eventType
	}
	if details != "" {
		return fmt.Sprintf("%s: %s", prefix, details)
	}
	return prefix
}

func (f *Formatter) tag(phase string) string {
	if phase == "" {
		phase = "-"
	}
	if f.color {
		return "\x1b[36m[" + phase + "]\x1b[0m"
	}
	return "[" + phase + "]"
}

// formatDuration renders milliseconds in a compact human-readable form
func (f *Formatter) formatDuration(ms float64) string {
	switch {
	case ms >= 60_000:
		return fmt.Sprintf("%.1fm", ms/60_000)
	case ms >= 1000:
		return fmt.Sprintf("%.1fs", ms/1000)
	default:
		return fmt.Sprintf("%.0fms", ms)
	}
}

func (f *Formatter) genericDetails(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "phase" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if s, ok := data[k].(string); ok {
			parts = append(parts, fmt.Sprintf("%s=%s", k, preview(s)))
		}
	}
	return strings.Join(parts, " ")
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > textPreviewMax {
		return string(r[:textPreviewMax]) + "..."
	}
	return s
}
