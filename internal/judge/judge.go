// Package judge implements non-fatal outline-quality evaluation: one
// LLM call per criterion, each producing a 0-10 rating and a short
// justification. A criterion whose call or parse fails is simply
// omitted from the result rather than aborting the whole judgement —
// a bad rubric call should never sink a run.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/internal/tags"
)

// Criterion names one axis an outline is judged on.
type Criterion struct {
	Name        string
	Description string
}

// DefaultCriteria mirrors the rubric used to judge planner outlines:
// coverage of the query, logical structure, and evidential grounding.
var DefaultCriteria = []Criterion{
	{Name: "coverage", Description: "Does the outline comprehensively cover the user's query?"},
	{Name: "structure", Description: "Is the outline logically organized with clear, non-overlapping sections?"},
	{Name: "grounding", Description: "Are the outline's claims backed by cited evidence (<citation> markers)?"},
}

// Rating is one criterion's judged score.
type Rating struct {
	Rating        int    `json:"rating"`
	Justification string `json:"justification"`
}

// Result is the full judgement across every criterion that produced a
// usable rating, keyed by criterion name.
type Result struct {
	Question string            `json:"question"`
	Answer   string            `json:"answer"`
	Results  map[string]Rating `json:"results"`
}

type ratingPayload struct {
	Rating        int    `json:"rating"`
	Justification string `json:"justification"`
}

// Judge scores answer (the outline text, judged against question, the
// research query) on every criterion, calling the LLM once per
// criterion. A per-criterion failure (LLM error, unparseable response,
// or an out-of-range rating) is logged and the criterion is simply
// left out of Results rather than propagated as an error.
func Judge(ctx context.Context, client llm.Client, question, answer string, criteria []Criterion) Result {
	results := make(map[string]Rating, len(criteria))
	for _, c := range criteria {
		if r, ok := judgeOne(ctx, client, question, answer, c); ok {
			results[c.Name] = r
		}
	}
	return Result{Question: question, Answer: answer, Results: results}
}

func judgeOne(ctx context.Context, client llm.Client, question, answer string, c Criterion) (Rating, bool) {
	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(
			"You judge a research report outline on one criterion: %s (%s). "+
				"Respond with strict JSON: {\"rating\": <0-10 integer>, \"justification\": \"<one sentence>\"}.",
			c.Name, c.Description)},
		{Role: "user", Content: fmt.Sprintf("Query: %s\n\nOutline:\n%s", question, answer)},
	}

	out, err := client.Complete(ctx, messages, llm.CompletionOptions{Temperature: 0.0, MaxTokens: 300, Timeout: 30 * time.Second})
	if err != nil {
		slog.WarnContext(ctx, "outline judge llm call failed", "criterion", c.Name, "error", err)
		return Rating{}, false
	}

	raw, ok := tags.ExtractJSONObject(out)
	if !ok {
		slog.WarnContext(ctx, "outline judge response unparseable", "criterion", c.Name)
		return Rating{}, false
	}

	var payload ratingPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		slog.WarnContext(ctx, "outline judge response unparseable", "criterion", c.Name, "error", err)
		return Rating{}, false
	}

	if payload.Rating < 0 || payload.Rating > 10 {
		slog.WarnContext(ctx, "outline judge rating out of range", "criterion", c.Name, "rating", payload.Rating)
		return Rating{}, false
	}

	return Rating{Rating: payload.Rating, Justification: payload.Justification}, true
}
