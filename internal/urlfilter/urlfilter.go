// Package urlfilter selects the most promising subset of search
// results to actually fetch, using a single LLM call to rank
// candidates rather than a fixed heuristic. It degrades gracefully: any
// parse or validation failure simply falls back to the first topK
// results in their original search rank order.
package urlfilter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/internal/search"
	"github.com/webweaver-dev/webweaver/internal/tags"
)

type selectionPayload struct {
	SelectedRanks []int  `json:"selected_ranks"`
	Rationale     string `json:"rationale"`
}

// Select returns at most topK results from candidates, asking the LLM
// to rank them by relevance to query. If candidates already fit within
// topK, they're returned unchanged (no LLM call). The LLM's chosen
// order is preserved; any failure to get a usable selection falls back
// to the first topK candidates in their original order.
func Select(ctx context.Context, client llm.Client, query string, candidates []search.Result, topK int) []search.Result {
	if topK <= 0 || len(candidates) <= topK {
		return candidates
	}

	selected, ok := llmSelect(ctx, client, query, candidates, topK)
	if !ok {
		return fallback(candidates, topK)
	}
	return selected
}

func llmSelect(ctx context.Context, client llm.Client, query string, candidates []search.Result, topK int) ([]search.Result, bool) {
	schema := llm.GenerateSchemaFrom(selectionPayload{})
	schemaJSON, _ := json.Marshal(schema)

	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(
			"Given a research query and a numbered list of search results, select the "+
				"%d results (by their rank number) most likely to contain useful evidence. "+
				"Respond with strict JSON matching this schema:\n%s", topK, string(schemaJSON))},
		{Role: "user", Content: fmt.Sprintf("Query: %s\n\n%s", query, renderCandidates(candidates))},
	}

	out, err := client.Complete(ctx, messages, llm.CompletionOptions{Temperature: 0.0, MaxTokens: 500, Timeout: 30 * time.Second})
	if err != nil {
		return nil, false
	}

	raw, ok := tags.ExtractJSONObject(out)
	if !ok {
		return nil, false
	}

	var payload selectionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false
	}
	if len(payload.SelectedRanks) == 0 {
		return nil, false
	}

	seen := make(map[int]struct{}, len(payload.SelectedRanks))
	out2 := make([]search.Result, 0, topK)
	for _, rank := range payload.SelectedRanks {
		idx := rank - 1
		if idx < 0 || idx >= len(candidates) {
			continue
		}
		if _, dup := seen[rank]; dup {
			continue
		}
		seen[rank] = struct{}{}
		out2 = append(out2, candidates[idx])
		if len(out2) >= topK {
			break
		}
	}

	if len(out2) == 0 {
		return nil, false
	}
	return out2, true
}

func fallback(candidates []search.Result, topK int) []search.Result {
	if len(candidates) <= topK {
		return candidates
	}
	return candidates[:topK]
}

func renderCandidates(candidates []search.Result) string {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n\n", i+1, c.Title, c.URL, c.Snippet)
	}
	return b.String()
}
