package collab

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/iambrandonn/pepper/internal/knowledge"
)

const (
	gapFailureMax     = 1500
	learnerSummaryMax = 3000
)

var (
	classifierTmpl = template.Must(template.New("classifier").Parse(classifierPromptTmpl))
	gapTmpl        = template.Must(template.New("gap").Funcs(promptFuncs).Parse(gapPromptTmpl))
	authorTmpl     = template.Must(template.New("author").Funcs(promptFuncs).Parse(authorPromptTmpl))
	executorTmpl   = template.Must(template.New("executor").Parse(executorPromptTmpl))
	learnerTmpl    = template.Must(template.New("learner").Funcs(promptFuncs).Parse(learnerPromptTmpl))
)

var promptFuncs = template.FuncMap{
	"inventory": formatInventory,
}

func formatInventory(entries []knowledge.Entry) string {
	if len(entries) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, "- ["+string(e.Category)+"] "+e.Name+": "+e.Description)
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		// Templates are fixed at compile time; a failure here is a bug.
		panic(err)
	}
	return buf.String()
}

// ClassifierPrompt is the system prompt for the agent-backed classifier
func ClassifierPrompt() string {
	return render(classifierTmpl, struct{ Schema string }{TaskSpecSchema()})
}

// GapPrompt is the system prompt for gap detection after a failed execution
func GapPrompt(in GapInput) string {
	return render(gapTmpl, struct {
		GapInput
		Failure string
		Schema  string
	}{in, truncate(in.PreviousFailure, gapFailureMax), RetrievalSchema()})
}

// AuthorPrompt is the system prompt for the knowledge author
func AuthorPrompt(missing []MemoryRequest, existing []knowledge.Entry) string {
	return render(authorTmpl, struct {
		Missing  []MemoryRequest
		Existing []knowledge.Entry
		Schema   string
	}{missing, existing, AuthoredSchema()})
}

// ExecutorPrompt is the system prompt for the execute phase. memories are
// rendered in order under a knowledge section.
func ExecutorPrompt(spec TaskSpec, memories []knowledge.Content, prompt, outputDir string) string {
	specJSON, _ := json.MarshalIndent(spec, "", "  ")

	sections := make([]string, 0, len(memories))
	for _, m := range memories {
		sections = append(sections, "### ["+string(m.Category)+"] "+m.Name+"\n"+m.Content)
	}

	return render(executorTmpl, struct {
		Spec      string
		Memories  string
		OutputDir string
		Prompt    string
	}{string(specJSON), strings.Join(sections, "\n\n---\n\n"), outputDir, prompt})
}

// LearnerPrompt is the system prompt for the post-task learner
func LearnerPrompt(in LearnInput) string {
	return render(learnerTmpl, struct {
		LearnInput
		Summary string
		Schema  string
	}{in, truncate(in.ExecutionSummary, learnerSummaryMax), LearnedSchema()})
}

const classifierPromptTmpl = `You analyse a user's request and define what a successful output looks like. You do NOT execute the task.

Determine:
1. What type of output is needed (text answer, code project, document, image, data analysis, research, browser task, shell command)
2. What the output structure should be (sections, file format)
3. Which domains of expertise are needed
4. A clear, concise description of the task for the executor

Do not use any tools. Do not think out loud. Your entire response must be one JSON object matching this schema, with no preamble and no markdown fences:
{{.Schema}}

For simple questions or conversational messages use outputType "text", outputFormat {"type": "inline_text", "structure": "direct answer", "deliveryMethod": "inline"}, complexity "simple" and estimatedSteps 1.`

const gapPromptTmpl = `You are a knowledge gap detector. An executor just failed at a task. Identify which knowledge or skills are MISSING from the memory library and caused the failure.

## Task That Failed
{{.TaskDescription}}

## What The Executor Said
---
{{.Failure}}
---

## User's Original Request
{{.Prompt}}

## Existing Memory Library (do not request these, they already exist)
{{inventory .Inventory}}

## Instructions
List memory files that SHOULD exist but do not, which would have let the executor succeed.
Focus on missing API knowledge, tool setup guides, workflow patterns and site interaction patterns.
Leave selectedMemories empty.

Respond with ONLY a raw JSON object matching this schema:
{{.Schema}}`

const authorPromptTmpl = `You create memory files the executor will use to complete tasks with expertise. Research thoroughly before writing each one.

## Memories to Create
{{range .Missing}}- [{{.Category}}] {{.Name}}: {{.Description}}{{if .Reason}} (Reason: {{.Reason}}){{end}}
{{end}}
## Existing Memories (for reference on format and depth)
{{inventory .Existing}}

## Formats by Category

### skill
YAML frontmatter with name and a one-line description, then sections: When to use, Identity, Core principles (5-10 numbered rules), Common mistakes, Quality check. Keep skills under 50 lines.

### knowledge
Scannable markdown: core concepts, key facts and references, decision criteria, sources.

### site
Interaction patterns for one website or app: navigation that works, API access, workarounds, data extraction.

### preference
User-specific details: accounts, communication style, recurring requirements.

## Tool and Software Installation
When a memory is about installing a tool, CLI, package or MCP server:
1. Search the web for the correct install commands for this machine
2. Install it now with Bash and verify it (for example tool --version)
3. Add one line per install step in the form
   install_command: <exact command>
   The orchestrator re-runs these lines automatically on fresh machines.
4. Explain what the tool does and how the executor should use it

## Instructions
1. Use WebSearch and WebFetch to research current practice before writing
2. Distil research into specific, actionable rules
3. Every rule should be specific enough to act on and general enough to reuse

Respond with ONLY a JSON object matching this schema:
{{.Schema}}`

const executorPromptTmpl = `You are the executor. You have a task with a clear output specification and the knowledge needed to complete it. Produce exactly the output specified.

## The user is away from their computer
The user is messaging remotely and cannot click, approve dialogs or type anything on this machine.
- Do everything yourself. Never ask the user to perform a manual step.
- Never answer with instructions for the user to follow. Execute, don't instruct.
- Anything that needs a browser, a window or keyboard input must be automated programmatically.

## Output Specification
{{.Spec}}
{{if .Memories}}
## Your Knowledge & Skills
{{.Memories}}
{{end}}
## Outputs Folder
Write any files you produce to a descriptive subfolder of {{.OutputDir}} and tell the user the full path of everything you wrote.

## Instructions
1. Follow the output specification precisely
2. Apply the skills and knowledge above
3. Use whatever tools you need to produce the output
4. For inline text, answer directly
5. Be thorough and produce professional-quality output

## Never give up
When you hit a blocker there are exactly two valid responses:
1. Try a different approach: another tool, another API, another method.
2. If every approach is exhausted, end your response with this exact marker as the LAST line:
[NEEDS_MORE_TOOLS: specific description of what is missing]

The marker triggers a research and install loop, after which you are re-invoked with the missing knowledge. Answering "I can't" or "unfortunately" without the marker is forbidden; the system cannot recover from it.

## User's Request
{{.Prompt}}`

const learnerPromptTmpl = `You review a finished task and decide whether any knowledge is worth saving for future tasks.

## Original Request
{{.Prompt}}

## Task Type
{{.Spec.OutputType}} ({{.Spec.Complexity}})

## Execution Summary
{{.Summary}}

## Existing Memories
{{inventory .Inventory}}

## Instructions
Save an update only for:
1. Hard-won insights: workarounds, gotchas, patterns
2. Website or app interaction worth documenting as site context
3. User preferences that were discovered
4. A reusable skill learned from this experience

Do not save one-off facts, anything already covered by an existing memory, or trivial observations.

## Never write defeatist instructions
If the executor failed because a tool was unavailable, do NOT write "inform the user and stop". Write what to try next time, which [NEEDS_MORE_TOOLS: ...] marker to emit, and any working alternative discovered.

To extend an existing memory set "path" to its full path and "action" to "append". To correct one that turned out wrong, set "path" and "action" to "replace" and give its complete new content.

Respond with ONLY a JSON object matching this schema. If nothing is worth saving respond with {"updates": []}.
{{.Schema}}`
