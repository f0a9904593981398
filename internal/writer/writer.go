// Package writer implements the Writer agent: a per-section ReAct loop
// that drafts the report by retrieving evidence from the shared bank
// and writing prose fragments, consuming the bank like a stream across
// sections via a growing "used ids" sieve.
package writer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/internal/evidence"
	"github.com/webweaver-dev/webweaver/internal/outline"
	"github.com/webweaver-dev/webweaver/internal/tags"
)

// Action is the sum type of decisions a writer step can make.
type Action interface {
	isWriterAction()
}

// Retrieve asks for evidence, either by explicit citation ids or by a
// lexical query.
type Retrieve struct {
	Query       string
	TopK        int
	CitationIDs []string
}

// Write appends a prose fragment to the section draft.
type Write struct {
	Text string
}

// Terminate ends the current section's writing loop.
type Terminate struct {
	Reason string
}

func (Retrieve) isWriterAction()  {}
func (Write) isWriterAction()     {}
func (Terminate) isWriterAction() {}

const systemPrompt = `You are the Writer agent in a deep-research pipeline.
You draft one report section at a time. At each step, choose exactly one
action:

1) <tool_call>{"name": "retrieve", "arguments": {"query": "...", "top_k": 10, "citation_ids": ["ev_0001"]}}</tool_call>
   (query and citation_ids are both optional; omit citation_ids to use lexical retrieval)
2) <write>markdown text to append to the draft</write>
3) <terminate>reason</terminate>

Only cite evidence that was surfaced to you in a <tool_response>. Terminate
once the section is complete.`

// Parse implements the writer's parsing precedence (§4.7): a retrieve
// tool_call wins, then <write>, then <terminate>; any other non-empty
// leftover text is salvaged as a Write.
func Parse(raw string) Action {
	raw = strings.TrimSpace(raw)

	if payload, ok := tags.ParseToolCallPayload(raw); ok && payload.Name == "retrieve" {
		query, _ := tags.ArgString(payload.Arguments, "query")
		topK, _ := tags.ArgInt(payload.Arguments, "top_k")
		var citationIDs []string
		if ids, ok := tags.ArgStringSlice(payload.Arguments, "citation_ids"); ok {
			citationIDs = ids
		}
		return Retrieve{Query: query, TopK: topK, CitationIDs: citationIDs}
	}

	if body, ok := tags.FindTagBlock(raw, "write"); ok {
		return Write{Text: body}
	}

	if body, ok := tags.FindTagBlock(raw, "terminate"); ok {
		reason := body
		if reason == "" {
			reason = "terminated"
		}
		return Terminate{Reason: reason}
	}

	if raw != "" {
		return Write{Text: raw}
	}

	return Terminate{Reason: "unparseable_output"}
}

// UsedSet is the "used-ids sieve": the growing set of evidence ids
// already surfaced to the writer, suppressing repeated retrievals
// across sections. It is never cleared between sections (an Open
// Question in the spec; the source behavior is preserved).
type UsedSet struct {
	seen map[string]struct{}
}

// NewUsedSet creates an empty sieve.
func NewUsedSet() *UsedSet {
	return &UsedSet{seen: make(map[string]struct{})}
}

// Add marks ids as used.
func (u *UsedSet) Add(ids ...string) {
	for _, id := range ids {
		u.seen[id] = struct{}{}
	}
}

// Has reports whether id has already been surfaced.
func (u *UsedSet) Has(id string) bool {
	_, ok := u.seen[id]
	return ok
}

// Filter drops evidences whose id is already in the sieve.
func (u *UsedSet) Filter(evs []evidence.Evidence) []evidence.Evidence {
	out := make([]evidence.Evidence, 0, len(evs))
	for _, e := range evs {
		if !u.Has(e.ID) {
			out = append(out, e)
		}
	}
	return out
}

// Sorted returns every used id in sorted order, for deterministic
// references rendering.
func (u *UsedSet) Sorted() []string {
	out := make([]string, 0, len(u.seen))
	for id := range u.seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve implements the writer's retrieval source precedence (§4.7):
// explicit citation_ids on the action win, else the section's own
// <citation> ids, else lexical retrieval on the action's query. In
// every case, evidences already in the used sieve are dropped first.
func Resolve(bank *evidence.Bank, used *UsedSet, action Retrieve, sectionBody string, defaultTopK int) []evidence.Evidence {
	topK := action.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	var candidates []evidence.Evidence
	switch {
	case len(action.CitationIDs) > 0:
		candidates = bank.BulkGet(action.CitationIDs)
	default:
		if sectionIDs := outline.ExtractCitationIds(sectionBody); len(sectionIDs) > 0 {
			candidates = bank.BulkGet(sectionIDs)
		} else {
			scored := bank.RetrieveScored(action.Query, 0)
			candidates = make([]evidence.Evidence, 0, len(scored))
			for _, s := range scored {
				candidates = append(candidates, s.Evidence)
			}
		}
	}

	candidates = used.Filter(candidates)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

// Prune applies the per-section evidence cap, the per-evidence item
// cap with case-folded textual dedup across all retained evidences,
// and a total-character budget for the eventual tool_response block.
// Stops early once the budget would be exceeded.
func Prune(evs []evidence.Evidence, maxEvidences, itemCap, charBudget int) []evidence.Evidence {
	if len(evs) > maxEvidences {
		evs = evs[:maxEvidences]
	}

	out := make([]evidence.Evidence, 0, len(evs))
	seenItemText := make(map[string]struct{})
	budget := charBudget

	for _, e := range evs {
		prunedItems := make([]evidence.Item, 0, itemCap)
		scanCap := itemCap * 3
		for i, item := range e.Items {
			if i >= scanCap {
				break
			}
			key := strings.ToLower(strings.TrimSpace(item.Content))
			if key == "" {
				continue
			}
			if _, dup := seenItemText[key]; dup {
				continue
			}
			seenItemText[key] = struct{}{}
			prunedItems = append(prunedItems, item)
			if len(prunedItems) >= itemCap {
				break
			}
		}

		approx := len(e.Summary) + 200
		for _, it := range prunedItems {
			approx += len(it.Content)
		}
		if budget-approx <= 0 {
			break
		}
		budget -= approx

		e.Items = prunedItems
		out = append(out, e)
	}
	return out
}

// FormatToolResponse renders the bracketed <tool_response> block. If
// evs is empty, it returns the explicit NO_NEW_EVIDENCE placeholder
// rather than an empty block.
func FormatToolResponse(evs []evidence.Evidence) string {
	if len(evs) == 0 {
		return "<tool_response><material>NO_NEW_EVIDENCE</material></tool_response>"
	}

	var b strings.Builder
	b.WriteString("<tool_response>\n<material>\n")
	for _, e := range evs {
		fmt.Fprintf(&b, "<%s>\n", e.ID)
		fmt.Fprintf(&b, "Summary: %s\n", e.Summary)
		for _, item := range e.Items {
			fmt.Fprintf(&b, "- %s: %s\n", item.Type, item.Content)
		}
		fmt.Fprintf(&b, "URL: %s\n", e.Source.URL)
		fmt.Fprintf(&b, "</%s>\n", e.ID)
	}
	b.WriteString("</material>\n</tool_response>")
	return b.String()
}

// BuildPrompt renders the user message for one writer step.
func BuildPrompt(query, sectionTitle, sectionBody, draft, lastToolResponse string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User Query: %s\n\n", query)
	fmt.Fprintf(&b, "Section: %s\n%s\n\n", sectionTitle, sectionBody)
	b.WriteString("Current Draft (may be partial):\n")
	b.WriteString(draft)
	b.WriteString("\n\n")
	if lastToolResponse != "" {
		b.WriteString("Latest tool response:\n")
		b.WriteString(lastToolResponse)
		b.WriteString("\n\n")
	}
	b.WriteString("Decide the next action.")
	return b.String()
}

// RenderReferences renders the final "# References" list from the
// sorted used-ids sieve.
func RenderReferences(usedIDs []string, bank *evidence.Bank) string {
	var b strings.Builder
	b.WriteString("# References\n")
	for _, id := range usedIDs {
		e, err := bank.Get(id)
		if err != nil {
			continue
		}
		title := e.Source.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&b, "[^%s]: %s. %s\n", id, title, e.Source.URL)
	}
	return b.String()
}

// Config tunes one writer run; every field maps directly to the
// configuration surface's writer_* keys.
type Config struct {
	MaxStepsPerSection  int
	SectionMaxChars     int
	SectionMaxEvidences int
	RetrieveTopK        int
	ToolResponseMaxChars int
	EvidenceItemsPerEvidence int
	DoomLoopThreshold   int
}

// Agent runs the writer's per-section ReAct loop against an LLM
// client and an evidence bank.
type Agent struct {
	llm  llm.Client
	bank *evidence.Bank
	cfg  Config
}

// NewAgent builds a writer Agent.
func NewAgent(client llm.Client, bank *evidence.Bank, cfg Config) *Agent {
	return &Agent{llm: client, bank: bank, cfg: cfg}
}

// StepObserver receives a callback after each writer action for event
// recording; the orchestrator supplies one to stay in control of
// event emission while the loop mechanics live here.
type StepObserver interface {
	OnStep(stepNum int)
	OnRetrieveQuery(query string)
	OnRetrieveResults(evs []evidence.Evidence)
	OnWrite(chars int)
	OnTerminate(reason string)
}

type callCapture struct {
	query       string
	citationIDs string
}

// WriteSection runs the section ReAct loop to completion, returning
// the finished draft text. used is shared and mutated across the
// whole run, per the used-ids sieve invariant.
func (a *Agent) WriteSection(ctx context.Context, query string, section outline.Section, used *UsedSet, obs StepObserver) (string, error) {
	draft := ""
	lastToolResponse := ""
	var recentCalls []callCapture

	for step := 1; step <= a.cfg.MaxStepsPerSection; step++ {
		if obs != nil {
			obs.OnStep(step)
		}

		if len(draft) > a.cfg.SectionMaxChars {
			draft = draft[len(draft)-a.cfg.SectionMaxChars:]
		}

		messages := []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(query, section.Title, section.Body, draft, lastToolResponse)},
		}
		raw, err := a.llm.Complete(ctx, messages, llm.CompletionOptions{Temperature: 0.0, MaxTokens: 2048, Timeout: 60 * time.Second})
		if err != nil {
			return draft, fmt.Errorf("writer: section %q step %d: %w", section.Title, step, err)
		}

		action := Parse(raw)

		switch act := action.(type) {
		case Retrieve:
			if obs != nil {
				obs.OnRetrieveQuery(act.Query)
			}

			capture := callCapture{query: act.Query, citationIDs: strings.Join(act.CitationIDs, ",")}
			recentCalls = append(recentCalls, capture)
			if len(recentCalls) > a.cfg.DoomLoopThreshold {
				recentCalls = recentCalls[1:]
			}
			if doomLoopThreshold := a.cfg.DoomLoopThreshold; doomLoopThreshold > 0 &&
				len(recentCalls) == doomLoopThreshold && allIdentical(recentCalls) {
				if obs != nil {
					obs.OnTerminate("doom_loop_detected")
				}
				return draft, nil
			}

			topK := a.cfg.RetrieveTopK
			candidates := Resolve(a.bank, used, act, section.Body, topK)
			pruned := Prune(candidates, a.cfg.SectionMaxEvidences, a.cfg.EvidenceItemsPerEvidence, a.cfg.ToolResponseMaxChars)
			ids := make([]string, 0, len(pruned))
			for _, e := range pruned {
				ids = append(ids, e.ID)
			}
			used.Add(ids...)

			lastToolResponse = FormatToolResponse(pruned)
			if obs != nil {
				obs.OnRetrieveResults(pruned)
			}

		case Write:
			piece := strings.TrimSpace(act.Text)
			if piece != "" {
				if draft == "" {
					draft = piece
				} else {
					draft = draft + "\n\n" + piece
				}
			}
			if obs != nil {
				obs.OnWrite(len(piece))
			}

		case Terminate:
			if obs != nil {
				obs.OnTerminate(act.Reason)
			}
			return draft, nil
		}
	}

	return draft, nil
}

func allIdentical(calls []callCapture) bool {
	if len(calls) == 0 {
		return false
	}
	first := calls[0]
	for _, c := range calls[1:] {
		if c != first {
			return false
		}
	}
	return true
}
