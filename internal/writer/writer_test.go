package writer_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/webweaver-dev/webweaver/internal/evidence"
	"github.com/webweaver-dev/webweaver/internal/writer"
)

var _ = Describe("Parse", func() {
	Context("when the tool_call names retrieve", func() {
		It("extracts query, top_k, and citation_ids", func() {
			raw := `<tool_call>{"name": "retrieve", "arguments": {"query": "inflation", "top_k": 5, "citation_ids": ["ev_0001", "ev_0002"]}}</tool_call>`
			action := writer.Parse(raw)
			ret, ok := action.(writer.Retrieve)
			Expect(ok).To(BeTrue())
			Expect(ret.Query).To(Equal("inflation"))
			Expect(ret.TopK).To(Equal(5))
			Expect(ret.CitationIDs).To(Equal([]string{"ev_0001", "ev_0002"}))
		})
	})

	Context("when the tool_call names something other than retrieve", func() {
		It("falls through to the next stage rather than erroring", func() {
			raw := "<tool_call>{\"name\": \"search\", \"arguments\": {}}</tool_call>\n<write>fallback prose</write>"
			action := writer.Parse(raw)
			w, ok := action.(writer.Write)
			Expect(ok).To(BeTrue())
			Expect(w.Text).To(Equal("fallback prose"))
		})
	})

	Context("when a write block is present", func() {
		It("returns Write with the block's content", func() {
			action := writer.Parse("<write>The economy grew 2% last quarter.</write>")
			w, ok := action.(writer.Write)
			Expect(ok).To(BeTrue())
			Expect(w.Text).To(Equal("The economy grew 2% last quarter."))
		})
	})

	Context("when a terminate block is present", func() {
		It("returns Terminate with the trimmed reason", func() {
			action := writer.Parse("<terminate>section complete</terminate>")
			term, ok := action.(writer.Terminate)
			Expect(ok).To(BeTrue())
			Expect(term.Reason).To(Equal("section complete"))
		})
	})

	Context("when nothing matches but there is leftover text", func() {
		It("salvages the raw text as a Write", func() {
			action := writer.Parse("just some prose with no tags")
			w, ok := action.(writer.Write)
			Expect(ok).To(BeTrue())
			Expect(w.Text).To(Equal("just some prose with no tags"))
		})
	})

	Context("when the output is entirely empty", func() {
		It("terminates with unparseable_output", func() {
			action := writer.Parse("   ")
			term, ok := action.(writer.Terminate)
			Expect(ok).To(BeTrue())
			Expect(term.Reason).To(Equal("unparseable_output"))
		})
	})
})

var _ = Describe("UsedSet", func() {
	It("filters out evidences already surfaced, even when explicitly cited (S5)", func() {
		used := writer.NewUsedSet()
		used.Add("ev_0001")

		evs := []evidence.Evidence{
			{ID: "ev_0001", Summary: "already seen"},
			{ID: "ev_0002", Summary: "fresh"},
		}

		filtered := used.Filter(evs)
		Expect(filtered).To(HaveLen(1))
		Expect(filtered[0].ID).To(Equal("ev_0002"))
	})

	It("reports ids added across multiple calls in sorted order", func() {
		used := writer.NewUsedSet()
		used.Add("ev_0003", "ev_0001")
		used.Add("ev_0002")
		Expect(used.Sorted()).To(Equal([]string{"ev_0001", "ev_0002", "ev_0003"}))
	})
})

var _ = Describe("FormatToolResponse", func() {
	It("renders the NO_NEW_EVIDENCE placeholder for an empty result set (S7)", func() {
		out := writer.FormatToolResponse(nil)
		Expect(out).To(Equal("<tool_response><material>NO_NEW_EVIDENCE</material></tool_response>"))
	})

	It("renders each evidence as a tagged block", func() {
		evs := []evidence.Evidence{
			{
				ID:      "ev_0001",
				Summary: "Inflation rose in Q1.",
				Items: []evidence.Item{
					{Type: evidence.ItemData, Content: "CPI up 3.2%"},
				},
				Source: evidence.Source{URL: "https://example.com/a"},
			},
		}
		out := writer.FormatToolResponse(evs)
		Expect(out).To(ContainSubstring("<ev_0001>"))
		Expect(out).To(ContainSubstring("Summary: Inflation rose in Q1."))
		Expect(out).To(ContainSubstring("- data: CPI up 3.2%"))
		Expect(out).To(ContainSubstring("URL: https://example.com/a"))
		Expect(out).To(ContainSubstring("</ev_0001>"))
	})
})

var _ = Describe("Prune", func() {
	It("caps the number of evidences", func() {
		evs := make([]evidence.Evidence, 5)
		for i := range evs {
			evs[i] = evidence.Evidence{ID: "ev", Summary: "s"}
		}
		pruned := writer.Prune(evs, 2, 10, 100000)
		Expect(pruned).To(HaveLen(2))
	})

	It("dedups item text case-insensitively across the whole batch", func() {
		evs := []evidence.Evidence{
			{ID: "ev_0001", Summary: "a", Items: []evidence.Item{
				{Type: evidence.ItemClaim, Content: "Prices Rose"},
			}},
			{ID: "ev_0002", Summary: "b", Items: []evidence.Item{
				{Type: evidence.ItemClaim, Content: "prices rose"},
				{Type: evidence.ItemClaim, Content: "Unemployment fell"},
			}},
		}
		pruned := writer.Prune(evs, 10, 10, 100000)
		Expect(pruned[0].Items).To(HaveLen(1))
		Expect(pruned[1].Items).To(HaveLen(1))
		Expect(pruned[1].Items[0].Content).To(Equal("Unemployment fell"))
	})

	It("stops once the character budget would be exceeded", func() {
		big := make([]byte, 500)
		for i := range big {
			big[i] = 'a'
		}
		evs := []evidence.Evidence{
			{ID: "ev_0001", Summary: string(big), Items: []evidence.Item{{Type: evidence.ItemClaim, Content: string(big)}}},
			{ID: "ev_0002", Summary: string(big), Items: []evidence.Item{{Type: evidence.ItemClaim, Content: string(big)}}},
			{ID: "ev_0003", Summary: string(big), Items: []evidence.Item{{Type: evidence.ItemClaim, Content: string(big)}}},
		}
		pruned := writer.Prune(evs, 10, 10, 1500)
		Expect(len(pruned)).To(BeNumerically("<", 3))
	})
})
