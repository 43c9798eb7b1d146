package collab

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/iambrandonn/pepper/internal/knowledge"
	"github.com/iambrandonn/pepper/internal/supervisor"
)

const (
	// RetrievalThreshold is the minimum similarity for a memory to be selected
	RetrievalThreshold = 0.02
	// RetrievalMax caps how many memories are selected
	RetrievalMax = 8

	gapRequestFailureMax = 800
)

// LexicalRetriever selects memories by TF-IDF cosine similarity between the
// query and each memory's text. It runs locally and never fails.
type LexicalRetriever struct {
	logger *slog.Logger
}

// NewLexicalRetriever creates a retriever
func NewLexicalRetriever(logger *slog.Logger) *LexicalRetriever {
	return &LexicalRetriever{logger: logger}
}

// Retrieve scores every inventory entry against query. Entries whose file
// cannot be read are scored on their description.
func (r *LexicalRetriever) Retrieve(_ context.Context, query string, inventory []knowledge.Entry) (Retrieval, error) {
	out := Retrieval{
		Selected:    []MemoryRef{},
		Missing:     []MemoryRequest{},
		ToolsNeeded: []string{},
	}
	if len(inventory) == 0 {
		out.Notes = "No memory files in inventory"
		return out, nil
	}

	docs := make([]string, len(inventory))
	for i, e := range inventory {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			r.logger.Debug("scoring memory on description", "name", e.Name, "error", err)
			docs[i] = e.Description
			continue
		}
		docs[i] = string(data)
	}

	scores := CosineScores(query, docs)

	order := make([]int, len(inventory))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	for _, i := range order {
		if scores[i] <= RetrievalThreshold || len(out.Selected) >= RetrievalMax {
			break
		}
		out.Selected = append(out.Selected, MemoryRef{
			Name:     inventory[i].Name,
			Category: inventory[i].Category,
			Reason:   fmt.Sprintf("similarity: %.2f", scores[i]),
		})
	}

	out.Notes = fmt.Sprintf("Selected by TF-IDF cosine similarity from %d memory files (threshold %g, top %d)",
		len(inventory), RetrievalThreshold, RetrievalMax)
	return out, nil
}

// CosineScores returns the TF-IDF cosine similarity of query against each
// doc. IDF is computed over the query and all docs together, smoothed as
// ln((N+1)/(df+1))+1.
func CosineScores(query string, docs []string) []float64 {
	tokens := make([][]string, 0, len(docs)+1)
	tokens = append(tokens, tokenize(query))
	for _, d := range docs {
		tokens = append(tokens, tokenize(d))
	}

	df := map[string]int{}
	for _, toks := range tokens {
		seen := map[string]bool{}
		for _, t := range toks {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}

	n := float64(len(tokens))
	idf := make(map[string]float64, len(df))
	for t, c := range df {
		idf[t] = math.Log((n+1)/(float64(c)+1)) + 1
	}

	q := tfidf(tokens[0], idf)
	scores := make([]float64, len(docs))
	for i := range docs {
		scores[i] = cosine(q, tfidf(tokens[i+1], idf))
	}
	return scores
}

func tokenize(s string) []string {
	return wordPattern.FindAllString(strings.ToLower(s), -1)
}

func tfidf(tokens []string, idf map[string]float64) map[string]float64 {
	counts := map[string]int{}
	for _, t := range tokens {
		counts[t]++
	}
	total := float64(len(tokens))
	if total == 0 {
		total = 1
	}
	vec := make(map[string]float64, len(counts))
	for t, c := range counts {
		vec[t] = float64(c) / total * idf[t]
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for t, v := range a {
		dot += v * b[t]
		na += v * v
	}
	for _, v := range b {
		nb += v * v
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// AgentGapDetector asks a small model what knowledge was missing after a
// failed execution.
type AgentGapDetector struct {
	runner AgentRunner
	model  string
	logger *slog.Logger
}

// NewAgentGapDetector creates a gap detector that runs model through runner
func NewAgentGapDetector(runner AgentRunner, model string, logger *slog.Logger) *AgentGapDetector {
	return &AgentGapDetector{runner: runner, model: model, logger: logger}
}

// DetectGaps returns an empty retrieval on any failure except cancellation
func (g *AgentGapDetector) DetectGaps(ctx context.Context, in GapInput, call Call) (Retrieval, error) {
	prompt := "Output ONLY a raw JSON object. Identify the memory files missing from the library.\n\n" +
		"Failed task: " + in.TaskDescription + "\n\n" +
		"Failure output: " + truncate(in.PreviousFailure, gapRequestFailureMax)

	out, err := g.runner.Run(ctx, supervisor.Request{
		Prompt:       prompt,
		SystemPrompt: GapPrompt(in),
		Model:        g.model,
		Args:         classifierArgs,
		Key:          call.Key,
		OnProgress:   call.OnProgress,
	})
	if err != nil {
		if cancelled(ctx, err) {
			return Retrieval{}, err
		}
		g.logger.Warn("gap detection failed", "key", call.Key, "error", err)
		return ParseRetrieval(""), nil
	}

	res := ParseRetrieval(out.Response)
	g.logger.Info("gap detection finished", "key", call.Key, "missing", len(res.Missing))
	return res, nil
}
