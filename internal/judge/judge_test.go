package judge_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/internal/judge"
)

type sequenceClient struct {
	responses []string
	errs      []error
	calls     int
}

func (s *sequenceClient) Complete(ctx context.Context, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], err
	}
	return "", err
}

func (s *sequenceClient) Model() string { return "stub" }

var _ = Describe("Judge", func() {
	criteria := []judge.Criterion{
		{Name: "coverage", Description: "covers the query"},
		{Name: "structure", Description: "logically organized"},
	}

	It("carries the question and answer through and scores every criterion", func() {
		client := &sequenceClient{responses: []string{
			`{"rating": 8, "justification": "covers most angles"}`,
			`{"rating": 6, "justification": "a bit messy"}`,
		}}
		result := judge.Judge(context.Background(), client, "q", "# Outline", criteria)
		Expect(result.Question).To(Equal("q"))
		Expect(result.Answer).To(Equal("# Outline"))
		Expect(result.Results).To(HaveLen(2))
		Expect(result.Results["coverage"].Rating).To(Equal(8))
		Expect(result.Results["structure"].Rating).To(Equal(6))
	})

	It("omits a criterion from results when its call errors, without aborting the rest", func() {
		client := &sequenceClient{
			responses: []string{"", `{"rating": 9, "justification": "solid"}`},
			errs:      []error{errors.New("boom"), nil},
		}
		result := judge.Judge(context.Background(), client, "q", "# Outline", criteria)
		Expect(result.Results).To(HaveLen(1))
		Expect(result.Results).NotTo(HaveKey("coverage"))
		Expect(result.Results["structure"].Rating).To(Equal(9))
	})

	It("omits a criterion from results when the response is unparseable", func() {
		client := &sequenceClient{responses: []string{"not json", "also not json"}}
		result := judge.Judge(context.Background(), client, "q", "# Outline", criteria)
		Expect(result.Results).To(BeEmpty())
	})

	It("omits a criterion from results when the rating is out of the 0-10 range", func() {
		client := &sequenceClient{responses: []string{
			`{"rating": 99, "justification": "overeager"}`,
			`{"rating": -5, "justification": "too harsh"}`,
		}}
		result := judge.Judge(context.Background(), client, "q", "# Outline", criteria)
		Expect(result.Results).To(BeEmpty())
	})
})
