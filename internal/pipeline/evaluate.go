package pipeline

import (
	"regexp"
	"strings"

	"github.com/iambrandonn/pepper/internal/collab"
	"github.com/iambrandonn/pepper/internal/knowledge"
)

// VerdictKind classifies an execution's final text
type VerdictKind string

const (
	VerdictSuccess     VerdictKind = "success"
	VerdictFailure     VerdictKind = "failure"
	VerdictToolRequest VerdictKind = "tool_request"
)

// Verdict is the outcome of evaluating an execution
type Verdict struct {
	Kind VerdictKind
	// Request is the trimmed text of the tool request marker
	Request string
}

var toolRequestPattern = regexp.MustCompile(`\[NEEDS_MORE_TOOLS:\s*(.+?)\]`)

// The failure heuristic only recognises English phrasing. Output in other
// languages or styles passes as success.
var failurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i (?:can'?t|cannot|am unable to|don'?t have (?:the ability|access)|am not able to)`),
	regexp.MustCompile(`(?i)(?:unfortunately|sorry),? (?:i |this )?(?:can'?t|cannot|isn'?t possible|is not possible|won'?t work)`),
	regexp.MustCompile(`(?i)i don'?t (?:know how|have (?:enough|the (?:tools|knowledge|capability)))`),
	regexp.MustCompile(`(?i)(?:beyond|outside) (?:my|the) (?:capabilities|scope|ability)`),
	regexp.MustCompile(`(?i)not (?:currently )?(?:able|possible|supported)`),
	regexp.MustCompile(`(?i)i'?m (?:afraid|sorry) (?:i |that )?(?:can'?t|cannot)`),
}

var successPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:all )?done\.?$`),
	regexp.MustCompile(`(?i)^(?:all )?complete[d.]?\.?$`),
	regexp.MustCompile(`(?i)^(?:task )?(?:finished|succeeded)\.?$`),
	regexp.MustCompile(`(?i)^(?:sent|delivered|created|updated|deleted|saved|installed)\.?$`),
	regexp.MustCompile(`(?i)^(?:email|message) sent\.?$`),
}

// Evaluate classifies response. A tool request marker takes precedence over
// the failure heuristic.
func Evaluate(response string) Verdict {
	if m := toolRequestPattern.FindStringSubmatch(response); m != nil {
		if req := strings.TrimSpace(m[1]); req != "" {
			return Verdict{Kind: VerdictToolRequest, Request: req}
		}
	}
	if DetectFailure(response) {
		return Verdict{Kind: VerdictFailure}
	}
	return Verdict{Kind: VerdictSuccess}
}

// DetectFailure reports whether response looks like the agent gave up.
// Short acknowledgements such as "Done." are never failures.
func DetectFailure(response string) bool {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return true
	}
	if len(trimmed) < 20 {
		for _, p := range successPatterns {
			if p.MatchString(trimmed) {
				return false
			}
		}
	}
	if len(trimmed) < 3 {
		return true
	}
	for _, p := range failurePatterns {
		if p.MatchString(response) {
			return true
		}
	}
	return false
}

const slugMax = 50

func capSlug(s string) string {
	slug := knowledge.Slug(s)
	if len(slug) > slugMax {
		slug = strings.TrimRight(slug[:slugMax], "-")
	}
	return slug
}

// ToolMemoryRequest turns a tool request marker into a targeted memory
// request for the knowledge author.
func ToolMemoryRequest(request string) collab.MemoryRequest {
	if strings.Contains(strings.ToLower(request), "playwright") {
		return collab.MemoryRequest{
			Name:     "playwright-mcp-setup",
			Category: knowledge.CategoryKnowledge,
			Description: "How to install and use the Playwright MCP server so agent subprocesses can drive a browser " +
				"(navigate, snapshot, click). Include the exact install command, how to verify it is active " +
				"and how to use it from a --print subprocess.",
			Reason: request,
		}
	}
	return collab.MemoryRequest{
		Name:        "tool-setup-" + capSlug(request),
		Category:    knowledge.CategoryKnowledge,
		Description: "How to install and use: " + request + ". Include exact install or setup commands and how to verify the tool is available.",
		Reason:      request,
	}
}

const forcedFailureMax = 300

// forcedMemoryRequest is requested when a retry found no gaps, so the
// author still researches the failing task.
func forcedMemoryRequest(taskDescription, failure string) collab.MemoryRequest {
	name := capSlug(taskDescription)
	if name == "" {
		name = "task-research"
	}
	return collab.MemoryRequest{
		Name:        name,
		Category:    knowledge.CategoryKnowledge,
		Description: "How to: " + taskDescription + ". The executor previously failed with: " + truncate(failure, forcedFailureMax),
		Reason:      "Executor failed and no knowledge gaps were identified",
	}
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
