package urlfilter_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/internal/search"
	"github.com/webweaver-dev/webweaver/internal/urlfilter"
)

type stubClient struct {
	response string
	err      error
}

func (s *stubClient) Complete(ctx context.Context, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	return s.response, s.err
}

func (s *stubClient) Model() string { return "stub" }

func candidates(n int) []search.Result {
	out := make([]search.Result, n)
	for i := range out {
		out[i] = search.Result{Rank: i + 1, URL: "https://example.com/" + string(rune('a'+i)), Title: "title"}
	}
	return out
}

var _ = Describe("Select", func() {
	It("returns candidates unchanged when they already fit within topK", func() {
		cands := candidates(3)
		out := urlfilter.Select(context.Background(), &stubClient{}, "q", cands, 5)
		Expect(out).To(Equal(cands))
	})

	It("preserves the LLM's chosen order", func() {
		cands := candidates(5)
		client := &stubClient{response: `{"selected_ranks": [3, 1]}`}
		out := urlfilter.Select(context.Background(), client, "q", cands, 2)
		Expect(out).To(HaveLen(2))
		Expect(out[0].URL).To(Equal(cands[2].URL))
		Expect(out[1].URL).To(Equal(cands[0].URL))
	})

	It("falls back to the first topK candidates on an LLM error", func() {
		cands := candidates(5)
		client := &stubClient{err: context.DeadlineExceeded}
		out := urlfilter.Select(context.Background(), client, "q", cands, 2)
		Expect(out).To(Equal(cands[:2]))
	})

	It("falls back to the first topK candidates when the JSON is unparseable", func() {
		cands := candidates(5)
		client := &stubClient{response: "not json at all"}
		out := urlfilter.Select(context.Background(), client, "q", cands, 2)
		Expect(out).To(Equal(cands[:2]))
	})

	It("falls back when every selected rank is out of range", func() {
		cands := candidates(3)
		client := &stubClient{response: `{"selected_ranks": [99, 42]}`}
		out := urlfilter.Select(context.Background(), client, "q", cands, 2)
		Expect(out).To(Equal(cands[:2]))
	})
})
