// Package planner implements the Planner agent: a ReAct loop that
// alternates between searching the web and refining an annotated
// outline, terminating once the outline is judged complete. Each step
// is a single LLM completion whose raw text is parsed into one of
// three actions; the parsing precedence is itself part of the
// contract (see Parse).
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/internal/evidence"
	"github.com/webweaver-dev/webweaver/internal/tags"
)

// Action is the sum type of decisions a planner step can make.
type Action interface {
	isPlannerAction()
}

// Search asks the orchestrator to run one or more web searches.
type Search struct {
	Queries []string
	Goal    string
}

// WriteOutline replaces (or creates) the working outline.
type WriteOutline struct {
	Text string
}

// Terminate ends the planning loop.
type Terminate struct {
	Reason string
}

func (Search) isPlannerAction()       {}
func (WriteOutline) isPlannerAction() {}
func (Terminate) isPlannerAction()    {}

const systemPrompt = `You are the Planner agent in a deep-research pipeline.
Your job is to alternate between searching the web for evidence and writing
or refining a Markdown outline for the final report. Insert <citation>ev_XXXX</citation>
markers in outline sections that are backed by evidence already in the bank.

Respond with exactly one of:
1) <tool_call>{"name": "search", "arguments": {"query": ["..."], "goal": "..."}}</tool_call>
2) <write_outline>...full outline markdown...</write_outline>
3) <terminate>reason</terminate>

Only terminate once the outline covers the query with citations and a
references section.`

// Agent runs planner steps against an LLM client.
type Agent struct {
	llm llm.Client
}

// NewAgent builds a planner Agent.
func NewAgent(client llm.Client) *Agent {
	return &Agent{llm: client}
}

// Step runs one planner decision: it builds the user prompt from the
// current state, completes it against the LLM at temperature 0 (parse
// sensitivity requires determinism), and parses the result into an
// Action.
func (a *Agent) Step(ctx context.Context, query string, stepNum, maxSteps int, outlineText string, evidences []evidence.Evidence) (Action, string, error) {
	prompt := BuildPrompt(query, stepNum, maxSteps, outlineText, evidences)
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}

	raw, err := a.llm.Complete(ctx, messages, llm.CompletionOptions{Temperature: 0.0, MaxTokens: 4096, Timeout: 60 * time.Second})
	if err != nil {
		return nil, "", fmt.Errorf("planner: step %d completion: %w", stepNum, err)
	}

	return Parse(raw), raw, nil
}

// BuildPrompt renders the user message for one planner step: the
// query, step/budget, the current outline (or <none>), a tail of up
// to 20 evidence summaries, and decision guidance computed from state.
func BuildPrompt(query string, stepNum, maxSteps int, outlineText string, evidences []evidence.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User Query: %s\n", query)
	fmt.Fprintf(&b, "Planning Step: %d/%d\n\n", stepNum, maxSteps)

	if strings.TrimSpace(outlineText) == "" {
		b.WriteString("Current Outline: <none>\n\n")
	} else {
		b.WriteString("Current Outline:\n")
		b.WriteString(outlineText)
		b.WriteString("\n\n")
	}

	b.WriteString("Evidence Bank Summaries (id, url, summary):\n")
	if len(evidences) == 0 {
		b.WriteString("<empty>\n")
	} else {
		tail := evidences
		if len(tail) > 20 {
			tail = tail[len(tail)-20:]
		}
		for _, e := range tail {
			fmt.Fprintf(&b, "- %s | %s\n", e.ID, e.Source.URL)
			summary := e.Summary
			if len(summary) > 400 {
				summary = summary[:400]
			}
			fmt.Fprintf(&b, "  Summary: %s\n", summary)
		}
	}
	b.WriteString("\n")

	b.WriteString("Decision guidance:\n")
	b.WriteString(decisionGuidance(stepNum, maxSteps, outlineText, len(evidences)))
	b.WriteString("\n\n")
	b.WriteString("Choose exactly one of: 1) search 2) <write_outline>...</write_outline> 3) <terminate>...</terminate>.\n")
	return b.String()
}

// decisionGuidance computes the §4.6 guidance text from planner state.
func decisionGuidance(stepNum, maxSteps int, outlineText string, evidenceCount int) string {
	outlineEmpty := strings.TrimSpace(outlineText) == ""

	if outlineEmpty {
		if stepNum >= 4 || evidenceCount >= 3 {
			return fmt.Sprintf(
				"Step %d with %d evidence items collected: you MUST emit <write_outline> now, "+
					"even if evidence is not yet exhaustive. Cover the query with at least 5-7 "+
					"major sections and cite evidence already gathered.", stepNum, evidenceCount)
		}
		return fmt.Sprintf(
			"Step %d with %d evidence items collected: prefer search to gather more evidence "+
				"(target at least 3-5 items) before writing an outline.", stepNum, evidenceCount)
	}

	if stepNum >= maxSteps-2 {
		return fmt.Sprintf(
			"Step %d/%d, near the step budget: if the outline already covers the topic with "+
				"citations and a references section, <terminate>. Otherwise <write_outline> to "+
				"fill the remaining gaps.", stepNum, maxSteps)
	}
	if evidenceCount >= 8 {
		return fmt.Sprintf(
			"%d evidence items collected, which is ample: prefer <write_outline> to refine "+
				"sections and add more <citation> markers.", evidenceCount)
	}
	return fmt.Sprintf(
		"%d evidence items collected: either search for more evidence or <write_outline> to "+
			"reflect what's already gathered.", evidenceCount)
}

var (
	writeOutlineTag = "write_outline"
	terminateTag    = "terminate"
)

// Parse implements the planner's parsing precedence (§4.6, testable
// property #6): <write_outline> wins over <terminate> if both are
// present, <terminate> wins over a tool_call, a tool_call with
// name=="search" and non-empty queries becomes a Search action. A
// tool_call that doesn't meet that bar (wrong name, or no usable
// queries) is not "accepted" by this step, so it falls through to the
// raw-text salvage path like any other unparsed output; a fully empty
// response terminates with reason "unparseable_output".
func Parse(raw string) Action {
	raw = strings.TrimSpace(raw)

	if body, ok := tags.FindTagBlock(raw, writeOutlineTag); ok {
		return WriteOutline{Text: body}
	}

	if body, ok := tags.FindTagBlock(raw, terminateTag); ok {
		reason := body
		if reason == "" {
			reason = "terminated"
		}
		return Terminate{Reason: reason}
	}

	if payload, ok := tags.ParseToolCallPayload(raw); ok && payload.Name == "search" {
		queries, _ := tags.ArgStringSlice(payload.Arguments, "query")
		goal, _ := tags.ArgString(payload.Arguments, "goal")
		if goal == "" {
			goal = "collect evidence"
		}
		if len(queries) > 0 {
			return Search{Queries: queries, Goal: goal}
		}
	}

	if raw != "" {
		return WriteOutline{Text: raw}
	}

	return Terminate{Reason: "unparseable_output"}
}
