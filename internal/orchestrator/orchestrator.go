// Package orchestrator drives one end-to-end research run: a planner
// loop alternating between web search and outline refinement, followed
// by a per-section writer loop, emitting a streaming event log
// alongside the final report. It is the one place that owns the
// planner/writer state machine; both agent packages only decide what
// to do next, never how to execute it.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/webweaver-dev/webweaver/common/id"
	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/common/logger"
	"github.com/webweaver-dev/webweaver/core/config"
	"github.com/webweaver-dev/webweaver/internal/evidence"
	"github.com/webweaver-dev/webweaver/internal/events"
	"github.com/webweaver-dev/webweaver/internal/judge"
	"github.com/webweaver-dev/webweaver/internal/ledger"
	"github.com/webweaver-dev/webweaver/internal/outline"
	"github.com/webweaver-dev/webweaver/internal/page"
	"github.com/webweaver-dev/webweaver/internal/planner"
	"github.com/webweaver-dev/webweaver/internal/search"
	"github.com/webweaver-dev/webweaver/internal/urlfilter"
	"github.com/webweaver-dev/webweaver/internal/writer"
)

const maxParallelURLs = 4

// URLFetcher retrieves raw page bytes for a URL. *page.Fetcher
// satisfies this; tests substitute a stub to avoid real network calls.
type URLFetcher interface {
	Fetch(ctx context.Context, url string) (page.Fetched, error)
}

// Dependencies are the external services a run is wired against.
// Tests supply stubs here; cmd/webweaver wires the real
// llm/search/page implementations. Ledger and EventMirror are both
// optional auxiliary sinks: a nil Ledger simply skips run-metadata
// indexing, and a nil EventMirror skips the Redis event mirror. Neither
// ever becomes the source of truth for a run's artifacts.
type Dependencies struct {
	LLM             llm.Client
	Search          search.Provider
	Fetcher         URLFetcher
	Ledger          *ledger.Ledger
	EventMirror     *redis.Client
	MirrorKeyPrefix string
}

// Orchestrator runs research queries to completion.
type Orchestrator struct {
	cfg  config.Settings
	deps Dependencies
}

// New builds an Orchestrator. If deps.LLM is rate-limited or breaker
// protected, wrap it before passing it in here — the orchestrator
// treats Dependencies.LLM as the client of record for every agent.
func New(cfg config.Settings, deps Dependencies) *Orchestrator {
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Result is the finished artifact set for one run.
type Result struct {
	RunID       string
	Report      string
	Outline     string
	ArtifactDir string
}

// Run executes the full planner/writer pipeline for query and persists
// its artifacts (evidence bank, event log, outline, report) under
// cfg.ArtifactsRoot/run_<id>.
func (o *Orchestrator) Run(ctx context.Context, query string) (result Result, runErr error) {
	runID := newRunID()
	startedAt := time.Now().UTC()
	ctx = logger.WithLogFields(ctx, logger.LogFields{RunID: logger.Ptr(runID), Component: "webweaver.orchestrator"})

	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.Create(ctx, runID, query, startedAt); err != nil {
			slog.WarnContext(ctx, "ledger: failed to record run start", "error", err)
		}
		defer func() {
			status := ledger.StatusCompleted
			errMsg := ""
			if runErr != nil {
				status = ledger.StatusFailed
				errMsg = runErr.Error()
			}
			if err := o.deps.Ledger.UpdateStatus(context.WithoutCancel(ctx), runID, status, time.Now().UTC(), errMsg); err != nil {
				slog.WarnContext(ctx, "ledger: failed to record run end", "error", err)
			}
		}()
	}

	runDir := filepath.Join(o.cfg.ArtifactsRoot, "run_"+runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("orchestrator: creating run dir: %w", err)
	}

	bank, err := evidence.Open(filepath.Join(runDir, "evidence_bank"))
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: opening evidence bank: %w", err)
	}
	defer bank.Close()

	fileSink, err := events.NewFileRecorder(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: opening event recorder: %w", err)
	}
	defer fileSink.Close()

	sinks := []events.Sink{fileSink}
	if o.deps.EventMirror != nil {
		prefix := o.deps.MirrorKeyPrefix
		if prefix == "" {
			prefix = "webweaver"
		}
		sinks = append(sinks, events.NewRedisRecorder(o.deps.EventMirror, prefix, runID))
	}
	recorder := events.NewRecorder(runID, sinks...)

	plannerAgent := planner.NewAgent(o.deps.LLM)

	ol, err := o.runPlanning(ctx, query, plannerAgent, bank, recorder)
	if err != nil {
		return Result{}, err
	}

	judgeResult := judge.Judge(ctx, o.deps.LLM, query, ol.Text, judge.DefaultCriteria)
	if _, err := recorder.Emit(ctx, events.EventSystem, events.ContentOutlineJudgeResult, judgeResult, nil); err != nil {
		return Result{}, fmt.Errorf("orchestrator: emitting judge result: %w", err)
	}
	if judgementJSON, err := json.MarshalIndent(judgeResult, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(runDir, "outline_judgement.json"), judgementJSON, 0o644)
	}

	report, err := o.runWriting(ctx, query, ol, bank, recorder)
	if err != nil {
		return Result{}, err
	}

	if _, err := recorder.Emit(ctx, events.EventSystem, events.ContentReportDone, map[string]any{"chars": len(report)}, nil); err != nil {
		return Result{}, fmt.Errorf("orchestrator: emitting report_done: %w", err)
	}

	if err := os.WriteFile(filepath.Join(runDir, "report.md"), []byte(report), 0o644); err != nil {
		return Result{}, fmt.Errorf("orchestrator: writing report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "outline.md"), []byte(ol.Text), 0o644); err != nil {
		return Result{}, fmt.Errorf("orchestrator: writing outline: %w", err)
	}

	return Result{RunID: runID, Report: report, Outline: ol.Text, ArtifactDir: runDir}, nil
}

// newRunID mints a sortable, collision-resistant run identifier. Init
// is idempotent (sync.Once-guarded), so calling it here defensively
// covers any caller that runs an orchestrator without having wired
// common/id at startup.
func newRunID() string {
	_ = id.Init(1)
	return fmt.Sprintf("%s_%08x", time.Now().UTC().Format("20060102T150405Z"), uint32(id.New()))
}

// runPlanning drives the planner ReAct loop: INIT -> PLANNING ->
// (SEARCHING|OUTLINING)* until the planner terminates or the step
// budget is exhausted, in which case a one-shot outline fallback runs.
func (o *Orchestrator) runPlanning(ctx context.Context, query string, agent *planner.Agent, bank *evidence.Bank, recorder *events.Recorder) (*outline.Outline, error) {
	ol := outline.New("")

	for step := 1; step <= o.cfg.PlannerMaxSteps; step++ {
		stepCtx := logger.WithLogFields(ctx, logger.LogFields{Step: logger.Ptr(step)})

		action, raw, err := agent.Step(stepCtx, query, step, o.cfg.PlannerMaxSteps, ol.Text, bank.ListAll())
		if err != nil {
			return nil, fmt.Errorf("orchestrator: planner step %d: %w", step, err)
		}
		if _, err := recorder.Emit(ctx, events.EventLLM, events.ContentPlannerStep, map[string]any{"step": step, "raw": raw}, nil); err != nil {
			return nil, fmt.Errorf("orchestrator: emitting planner_step: %w", err)
		}

		switch act := action.(type) {
		case planner.Search:
			if err := o.runSearch(stepCtx, query, act, bank, recorder); err != nil {
				return nil, err
			}

		case planner.WriteOutline:
			ol.Update(act.Text)
			if _, err := recorder.Emit(ctx, events.EventSystem, events.ContentOutlineUpdated, map[string]any{"version": ol.Version}, nil); err != nil {
				return nil, fmt.Errorf("orchestrator: emitting outline_updated: %w", err)
			}

		case planner.Terminate:
			if ol.IsEmpty() {
				// Early-terminate guard: an empty-outline terminate is
				// rewritten as a search using the original query rather
				// than ending the run with nothing gathered.
				if err := o.runSearch(stepCtx, query, planner.Search{Queries: []string{query}, Goal: "initial evidence gathering"}, bank, recorder); err != nil {
					return nil, err
				}
				continue
			}
			if _, err := recorder.Emit(ctx, events.EventSystem, events.ContentPlannerTerminate, map[string]any{"reason": act.Reason}, nil); err != nil {
				return nil, fmt.Errorf("orchestrator: emitting planner_terminate: %w", err)
			}
			return ol, nil
		}
	}

	if ol.IsEmpty() {
		if err := o.outlineFallback(ctx, query, ol, bank); err != nil {
			return nil, err
		}
	}
	return ol, nil
}

// outlineFallback makes one direct LLM call to produce an outline when
// the planner loop exhausts its step budget without ever writing one.
// If that call also fails to produce usable content, a minimal shell
// outline is used as the last resort.
func (o *Orchestrator) outlineFallback(ctx context.Context, query string, ol *outline.Outline, bank *evidence.Bank) error {
	var evidenceSummary strings.Builder
	for _, e := range bank.ListAll() {
		fmt.Fprintf(&evidenceSummary, "- %s: %s\n", e.ID, e.Summary)
	}

	messages := []llm.Message{
		{Role: "system", Content: "Write a Markdown report outline covering the user's query, citing the evidence ids given with <citation>ev_XXXX</citation> markers, and ending with a References section. Respond as <write_outline>...</write_outline>."},
		{Role: "user", Content: fmt.Sprintf("Query: %s\n\nEvidence:\n%s", query, evidenceSummary.String())},
	}

	raw, err := o.deps.LLM.Complete(ctx, messages, llm.CompletionOptions{Temperature: 0.2, MaxTokens: 3000, Timeout: 60 * time.Second})
	if err != nil {
		ol.Update(shellOutline(query))
		return nil
	}

	if body, ok := findWriteOutlineTag(raw); ok && strings.TrimSpace(body) != "" {
		ol.Update(body)
		return nil
	}
	if strings.TrimSpace(raw) != "" {
		ol.Update(raw)
		return nil
	}
	ol.Update(shellOutline(query))
	return nil
}

func shellOutline(query string) string {
	return fmt.Sprintf("# %s\n\n## Overview\n\n## References\n", query)
}

func findWriteOutlineTag(raw string) (string, bool) {
	action := planner.Parse(raw)
	if wo, ok := action.(planner.WriteOutline); ok {
		return wo.Text, true
	}
	return "", false
}

// runSearch executes one planner Search action: for every query (up to
// the configured per-step cap), it runs the search provider, filters to
// the most promising URLs, and fans out the fetch/parse/summarize/
// extract pipeline across them.
func (o *Orchestrator) runSearch(ctx context.Context, researchQuery string, action planner.Search, bank *evidence.Bank, recorder *events.Recorder) error {
	queries := action.Queries
	if len(queries) > o.cfg.PlannerMaxQueriesPerStep {
		queries = queries[:o.cfg.PlannerMaxQueriesPerStep]
	}

	for _, q := range queries {
		if _, err := recorder.Emit(ctx, events.EventTool, events.ContentSearchQuery, map[string]any{"query": q, "goal": action.Goal}, nil); err != nil {
			return fmt.Errorf("orchestrator: emitting search_query: %w", err)
		}

		results, err := o.deps.Search.Search(ctx, q, o.cfg.SearchMaxResults)
		if err != nil {
			if _, emitErr := recorder.Emit(ctx, events.EventError, events.ContentMessage, map[string]any{"query": q, "error": err.Error()}, nil); emitErr != nil {
				return fmt.Errorf("orchestrator: emitting search error: %w", emitErr)
			}
			continue
		}
		if _, err := recorder.Emit(ctx, events.EventTool, events.ContentSearchResults, map[string]any{"query": q, "count": len(results)}, nil); err != nil {
			return fmt.Errorf("orchestrator: emitting search_results: %w", err)
		}

		selected := urlfilter.Select(ctx, o.deps.LLM, q, results, o.cfg.PlannerMaxURLsPerQuery)
		if err := o.processURLs(ctx, researchQuery, q, selected, bank, recorder); err != nil {
			return err
		}
	}
	return nil
}

type urlOutcome struct {
	result search.Result
	ev     evidence.Evidence
	added  bool
	err    error
}

// processURLs fetches every selected URL concurrently (bounded),
// collects every outcome first with no fail-fast, then emits events in
// the original selection order — determinism under parallelism is an
// explicit contract here, not an accident of scheduling.
func (o *Orchestrator) processURLs(ctx context.Context, researchQuery, searchQuery string, selected []search.Result, bank *evidence.Bank, recorder *events.Recorder) error {
	outcomes := make([]urlOutcome, len(selected))

	var g errgroup.Group
	g.SetLimit(maxParallelURLs)
	for i, res := range selected {
		i, res := i, res
		g.Go(func() error {
			outcomes[i] = o.processURL(ctx, researchQuery, searchQuery, res, bank)
			return nil
		})
	}
	_ = g.Wait()

	for _, oc := range outcomes {
		if _, err := recorder.Emit(ctx, events.EventTool, events.ContentURLSelected, map[string]any{"url": oc.result.URL, "rank": oc.result.Rank}, nil); err != nil {
			return fmt.Errorf("orchestrator: emitting url_selected: %w", err)
		}
		if oc.err != nil {
			if _, err := recorder.Emit(ctx, events.EventError, events.ContentMessage, map[string]any{"url": oc.result.URL, "error": oc.err.Error()}, nil); err != nil {
				return fmt.Errorf("orchestrator: emitting url error: %w", err)
			}
			continue
		}
		if _, err := recorder.Emit(ctx, events.EventTool, events.ContentEvidenceAdded, map[string]any{"evidence_id": oc.ev.ID, "url": oc.result.URL}, nil); err != nil {
			return fmt.Errorf("orchestrator: emitting evidence_added: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) processURL(ctx context.Context, researchQuery, searchQuery string, res search.Result, bank *evidence.Bank) urlOutcome {
	fetched, err := o.deps.Fetcher.Fetch(ctx, res.URL)
	if err != nil {
		return urlOutcome{result: res, err: fmt.Errorf("fetch: %w", err)}
	}

	parsed, err := page.Parse(fetched)
	if err != nil {
		return urlOutcome{result: res, err: fmt.Errorf("parse: %w", err)}
	}

	summary, ok, err := page.Summarize(ctx, o.deps.LLM, researchQuery, parsed)
	if err != nil {
		return urlOutcome{result: res, err: fmt.Errorf("summarize: %w", err)}
	}
	if !ok {
		return urlOutcome{result: res, err: fmt.Errorf("page judged not relevant")}
	}

	items := page.Extract(ctx, o.deps.LLM, researchQuery, parsed, o.cfg.WriterEvidenceItemsPerEvidence)

	source := evidence.Source{URL: res.URL, Title: parsed.Title, RetrievedAt: time.Now().UTC()}
	ev, err := bank.Add(searchQuery, source, summary, items, parsed.Text, nil)
	if err != nil {
		return urlOutcome{result: res, err: fmt.Errorf("bank add: %w", err)}
	}
	return urlOutcome{result: res, ev: ev, added: true}
}

// runWriting drafts every outline section in order, sharing one
// used-ids sieve across the whole report, then assembles and cleans
// the final report text.
func (o *Orchestrator) runWriting(ctx context.Context, query string, ol *outline.Outline, bank *evidence.Bank, recorder *events.Recorder) (string, error) {
	agent := writer.NewAgent(o.deps.LLM, bank, writer.Config{
		MaxStepsPerSection:       o.cfg.WriterMaxStepsPerSection,
		SectionMaxChars:          o.cfg.WriterSectionMaxChars,
		SectionMaxEvidences:      o.cfg.WriterSectionMaxEvidences,
		RetrieveTopK:             o.cfg.WriterRetrieveTopK,
		ToolResponseMaxChars:     o.cfg.WriterToolResponseMaxChars,
		EvidenceItemsPerEvidence: o.cfg.WriterEvidenceItemsPerEvidence,
		DoomLoopThreshold:        o.cfg.WriterDoomLoopThreshold,
	})

	used := writer.NewUsedSet()
	sections := ol.Sections()
	drafts := make([]string, 0, len(sections))

	for i, section := range sections {
		sectionCtx := logger.WithLogFields(ctx, logger.LogFields{Section: logger.Ptr(section.Title)})

		if _, err := recorder.Emit(ctx, events.EventSystem, events.ContentWriterSectionStart, map[string]any{"section": section.Title, "index": i}, nil); err != nil {
			return "", fmt.Errorf("orchestrator: emitting writer_section_start: %w", err)
		}

		obs := &recorderStepObserver{ctx: ctx, recorder: recorder, section: section.Title}
		draft, err := agent.WriteSection(sectionCtx, query, section, used, obs)
		if err != nil {
			return "", fmt.Errorf("orchestrator: writing section %q: %w", section.Title, err)
		}

		if _, err := recorder.Emit(ctx, events.EventSystem, events.ContentWriterSectionDone, map[string]any{"section": section.Title, "chars": len(draft)}, nil); err != nil {
			return "", fmt.Errorf("orchestrator: emitting writer_section_done: %w", err)
		}

		drafts = append(drafts, fmt.Sprintf("## %s\n\n%s", section.Title, cleanReportText(draft)))
	}

	report := strings.Join(drafts, "\n\n")
	report = outline.StripCitationTags(report) + "\n\n" + writer.RenderReferences(used.Sorted(), bank)
	return report, nil
}

// recorderStepObserver adapts writer.StepObserver to event emission,
// keeping the writer package itself free of any events dependency.
type recorderStepObserver struct {
	ctx      context.Context
	recorder *events.Recorder
	section  string
}

func (o *recorderStepObserver) OnStep(stepNum int) {
	_, _ = o.recorder.Emit(o.ctx, events.EventLLM, events.ContentWriterStep, map[string]any{"section": o.section, "step": stepNum}, nil)
}

func (o *recorderStepObserver) OnRetrieveQuery(query string) {
	_, _ = o.recorder.Emit(o.ctx, events.EventTool, events.ContentWriterRetrieveQuery, map[string]any{"section": o.section, "query": query}, nil)
}

func (o *recorderStepObserver) OnRetrieveResults(evs []evidence.Evidence) {
	ids := make([]string, 0, len(evs))
	for _, e := range evs {
		ids = append(ids, e.ID)
	}
	_, _ = o.recorder.Emit(o.ctx, events.EventTool, events.ContentWriterRetrieveResults, map[string]any{"section": o.section, "evidence_ids": ids}, nil)
}

func (o *recorderStepObserver) OnWrite(chars int) {
	_, _ = o.recorder.Emit(o.ctx, events.EventSystem, events.ContentWriterWrite, map[string]any{"section": o.section, "chars": chars}, nil)
}

func (o *recorderStepObserver) OnTerminate(reason string) {
	_, _ = o.recorder.Emit(o.ctx, events.EventSystem, events.ContentWriterTerminate, map[string]any{"section": o.section, "reason": reason}, nil)
}
