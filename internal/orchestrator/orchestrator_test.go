package orchestrator_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/core/config"
	"github.com/webweaver-dev/webweaver/internal/orchestrator"
	"github.com/webweaver-dev/webweaver/internal/page"
	"github.com/webweaver-dev/webweaver/internal/search"
)

// scriptedClient returns a fixed, ordered list of canned completions,
// one per call, regardless of the prompt — enough to drive a whole run
// deterministically without a real model.
type scriptedClient struct {
	responses []string
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	if c.calls >= len(c.responses) {
		return "<terminate>out of script</terminate>", nil
	}
	r := c.responses[c.calls]
	c.calls++
	return r, nil
}

func (c *scriptedClient) Model() string { return "scripted" }

type stubSearch struct {
	results []search.Result
}

func (s *stubSearch) Search(ctx context.Context, query string, maxResults int) ([]search.Result, error) {
	return s.results, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, url string) (page.Fetched, error) {
	body := `<html><head><title>Economic Trends</title></head><body>
<p>The economy has been growing steadily across manufacturing and technology sectors
over the last several quarters, driven by strong consumer demand and investment.</p>
</body></html>`
	return page.Fetched{URL: url, Body: []byte(body), ContentType: "text/html"}, nil
}

var _ = Describe("Run", func() {
	It("drives a full planner -> search -> outline -> judge -> writer pipeline", func() {
		client := &scriptedClient{responses: []string{
			`<tool_call>{"name": "search", "arguments": {"query": ["economic trends"], "goal": "gather data"}}</tool_call>`, // planner step 1
			"A summary of steady economic growth across sectors.",                                                          // page.Summarize
			`{"items": []}`,                                                                                                // page.Extract
			"<write_outline>\n# Economic Trends\n\n## Overview\n<citation>ev_0001</citation>\n</write_outline>",             // planner step 2
			"<terminate>outline complete</terminate>",                                                                      // planner step 3
			`{"rating": 8, "justification": "covers the topic"}`,                                                           // judge: coverage
			`{"rating": 7, "justification": "clear structure"}`,                                                            // judge: structure
			`{"rating": 9, "justification": "well cited"}`,                                                                 // judge: grounding
			"<write>The economy grew steadily, citing ev_0001 for supporting data.</write>",                                 // writer step 1
			"<terminate>section complete</terminate>",                                                                      // writer step 2
		}}

		deps := orchestrator.Dependencies{
			LLM:     client,
			Search:  &stubSearch{results: []search.Result{{Rank: 1, URL: "https://example.com/a", Title: "Economic Trends"}}},
			Fetcher: stubFetcher{},
		}

		cfg := config.Settings{
			ArtifactsRoot:                  GinkgoT().TempDir(),
			PlannerMaxSteps:                3,
			PlannerMaxQueriesPerStep:       2,
			PlannerMaxURLsPerQuery:         5,
			SearchMaxResults:               5,
			WriterMaxStepsPerSection:       5,
			WriterSectionMaxChars:          20000,
			WriterSectionMaxEvidences:      10,
			WriterRetrieveTopK:             10,
			WriterToolResponseMaxChars:     20000,
			WriterEvidenceItemsPerEvidence: 5,
			WriterDoomLoopThreshold:        3,
		}

		o := orchestrator.New(cfg, deps)
		result, err := o.Run(context.Background(), "What are the latest economic trends?")
		Expect(err).NotTo(HaveOccurred())

		Expect(result.RunID).NotTo(BeEmpty())
		Expect(result.Outline).To(ContainSubstring("## Overview"))
		Expect(result.Report).To(ContainSubstring("The economy grew steadily"))
		Expect(result.Report).To(ContainSubstring("# References"))
		Expect(result.ArtifactDir).NotTo(BeEmpty())
	})
})
