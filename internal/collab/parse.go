package collab

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/iambrandonn/pepper/internal/knowledge"
)

var (
	codeBlockPattern = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)```")
	bracePattern     = regexp.MustCompile(`\{[\s\S]*\}`)
)

// ExtractJSON finds a JSON document in model output. It tries the whole
// text, then the first fenced code block, then the span from the first "{"
// to the last "}".
func ExtractJSON(raw string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}

	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), true
	}

	if m := codeBlockPattern.FindStringSubmatch(trimmed); m != nil {
		if block := strings.TrimSpace(m[1]); json.Valid([]byte(block)) {
			return json.RawMessage(block), true
		}
	}

	if m := bracePattern.FindString(trimmed); m != "" && json.Valid([]byte(m)) {
		return json.RawMessage(m), true
	}

	return nil, false
}

func extractObject(raw string) (map[string]any, bool) {
	data, ok := ExtractJSON(raw)
	if !ok {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

const fallbackDescriptionMax = 500

// FallbackTaskSpec is the task spec used when classification fails
func FallbackTaskSpec(prompt string) TaskSpec {
	desc := prompt
	if r := []rune(desc); len(r) > fallbackDescriptionMax {
		desc = string(r[:fallbackDescriptionMax])
	}
	return TaskSpec{
		TaskDescription: desc,
		OutputType:      "text",
		OutputFormat: OutputFormat{
			Type:           "inline_text",
			Structure:      "direct answer",
			DeliveryMethod: "inline",
		},
		RequiredDomains: []string{},
		Complexity:      "simple",
		EstimatedSteps:  1,
		Fallback:        true,
	}
}

// ParseTaskSpec normalises classifier output. Output without a task
// description yields the fallback built from raw itself.
func ParseTaskSpec(raw string) TaskSpec {
	obj, ok := extractObject(raw)
	if !ok {
		return FallbackTaskSpec(raw)
	}
	desc := str(obj["taskDescription"])
	if desc == "" {
		return FallbackTaskSpec(raw)
	}

	spec := FallbackTaskSpec(desc)
	spec.Fallback = false
	if v := str(obj["outputType"]); v != "" {
		spec.OutputType = v
	}
	if f, ok := obj["outputFormat"].(map[string]any); ok {
		if v := str(f["type"]); v != "" {
			spec.OutputFormat.Type = v
		}
		if v := str(f["structure"]); v != "" {
			spec.OutputFormat.Structure = v
		}
		if v := str(f["deliveryMethod"]); v != "" {
			spec.OutputFormat.DeliveryMethod = v
		}
	}
	if labels, ok := obj["outputLabels"].(map[string]any); ok {
		spec.OutputLabels = make(map[string]bool, len(labels))
		for k, v := range labels {
			b, _ := v.(bool)
			spec.OutputLabels[k] = b
		}
	}
	if scores, ok := obj["outputScores"].(map[string]any); ok {
		spec.OutputScores = make(map[string]float64, len(scores))
		for k, v := range scores {
			if f, ok := v.(float64); ok {
				spec.OutputScores[k] = f
			}
		}
	}
	spec.RequiredDomains = strs(obj["requiredDomains"])
	if v := str(obj["complexity"]); v != "" {
		spec.Complexity = v
	}
	switch n := obj["estimatedSteps"].(type) {
	case float64:
		if n >= 1 {
			spec.EstimatedSteps = int(n)
		}
	case string:
		var steps int
		if _, err := fmt.Sscanf(n, "%d", &steps); err == nil && steps >= 1 {
			spec.EstimatedSteps = steps
		}
	}
	return spec
}

var dirCategories = map[string]knowledge.Category{
	"skills":      knowledge.CategorySkill,
	"knowledge":   knowledge.CategoryKnowledge,
	"preferences": knowledge.CategoryPreference,
	"sites":       knowledge.CategorySite,
}

// first returns the first key present in obj
func first(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// ParseRetrieval normalises retriever and gap detector output, accepting
// the key spellings models commonly drift into. Unusable output yields an
// empty retrieval whose notes carry the raw text.
func ParseRetrieval(raw string) Retrieval {
	empty := Retrieval{
		Selected:    []MemoryRef{},
		Missing:     []MemoryRequest{},
		ToolsNeeded: []string{},
	}

	obj, ok := extractObject(raw)
	if !ok {
		empty.Notes = raw
		return empty
	}

	selected, hasSelected := first(obj, "selectedMemories", "relevant_memories", "relevantMemories", "selected_memories")
	missing, hasMissing := first(obj, "missingMemories", "missing_memories")
	tools, _ := first(obj, "toolsNeeded", "tools_needed")
	if !hasSelected && !hasMissing {
		empty.Notes = raw
		return empty
	}

	out := empty
	out.Notes = str(obj["notes"])
	out.ToolsNeeded = strs(tools)

	if list, ok := selected.([]any); ok {
		for _, item := range list {
			if ref, ok := normaliseSelected(item); ok {
				out.Selected = append(out.Selected, ref)
			}
		}
	}

	if list, ok := missing.([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := str(m["name"])
			if name == "" {
				continue
			}
			out.Missing = append(out.Missing, MemoryRequest{
				Name:        name,
				Category:    category(str(m["category"])),
				Description: str(m["description"]),
				Reason:      str(m["reason"]),
			})
		}
	}

	return out
}

// normaliseSelected accepts {name, category, reason} and the {file, relevance}
// form, where file is a path such as "memory/skills/windows-system.md".
func normaliseSelected(item any) (MemoryRef, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return MemoryRef{}, false
	}

	reason := str(m["reason"])
	if reason == "" {
		if rel, ok := m["relevance"]; ok && rel != nil {
			reason = fmt.Sprint(rel)
		}
	}

	if name := str(m["name"]); name != "" {
		return MemoryRef{Name: name, Category: category(str(m["category"])), Reason: reason}, true
	}

	file := str(m["file"])
	if file == "" {
		return MemoryRef{}, false
	}
	file = path.Clean(strings.ReplaceAll(file, `\`, "/"))
	dir, base := path.Split(file)
	dir = strings.TrimSuffix(dir, "/")

	name := strings.TrimSuffix(base, ".md")
	if base == "SKILL.md" {
		// skills/<name>/SKILL.md
		return MemoryRef{Name: path.Base(dir), Category: knowledge.CategorySkill, Reason: reason}, true
	}

	c, ok := dirCategories[path.Base(dir)]
	if !ok {
		c = knowledge.CategoryKnowledge
	}
	return MemoryRef{Name: name, Category: c, Reason: reason}, true
}

// ParseAuthored normalises knowledge author output. Entries without a name
// or content are dropped.
func ParseAuthored(raw string) Authored {
	out := Authored{Memories: []Memory{}}

	obj, ok := extractObject(raw)
	if !ok {
		return out
	}
	list, ok := obj["memories"].([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		mem := Memory{
			Name:     str(m["name"]),
			Category: category(str(m["category"])),
			Content:  str(m["content"]),
		}
		if mem.Name == "" || mem.Content == "" {
			continue
		}
		out.Memories = append(out.Memories, mem)
	}
	return out
}

// ParseLearned normalises learner output
func ParseLearned(raw string) Learned {
	out := Learned{Updates: []Update{}}

	obj, ok := extractObject(raw)
	if !ok {
		return out
	}
	list, ok := obj["updates"].([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		u := Update{
			Name:     str(m["name"]),
			Category: category(str(m["category"])),
			Path:     str(m["path"]),
			Action:   UpdateAction(strings.ToLower(str(m["action"]))),
			Content:  str(m["content"]),
		}
		if u.Content == "" || (u.Name == "" && u.Path == "") {
			continue
		}
		if u.Path == "null" {
			u.Path = ""
		}
		out.Updates = append(out.Updates, u)
	}
	return out
}

// category accepts singular and plural spellings, defaulting to knowledge
func category(s string) knowledge.Category {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := dirCategories[s]; ok {
		return c
	}
	for _, c := range knowledge.Categories {
		if string(c) == s {
			return c
		}
	}
	return knowledge.CategoryKnowledge
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func strs(v any) []string {
	out := []string{}
	list, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		if s := str(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
