package planner_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/webweaver-dev/webweaver/internal/planner"
)

var _ = Describe("Parse", func() {
	Context("when both write_outline and terminate tags are present", func() {
		It("prefers write_outline (S4 / testable property #6)", func() {
			raw := "<write_outline># Title</write_outline>\n<terminate>done</terminate>"
			action := planner.Parse(raw)

			outline, ok := action.(planner.WriteOutline)
			Expect(ok).To(BeTrue())
			Expect(outline.Text).To(Equal("# Title"))
		})
	})

	Context("when only terminate is present", func() {
		It("returns Terminate with the trimmed reason", func() {
			action := planner.Parse("some prose\n<terminate>no more evidence needed</terminate>")
			term, ok := action.(planner.Terminate)
			Expect(ok).To(BeTrue())
			Expect(term.Reason).To(Equal("no more evidence needed"))
		})
	})

	Context("when a tool_call selects search", func() {
		It("extracts queries and goal, coercing a bare string query to a list", func() {
			raw := `<tool_call>{"name": "search", "arguments": {"query": "golang concurrency", "goal": "find primitives"}}</tool_call>`
			action := planner.Parse(raw)
			search, ok := action.(planner.Search)
			Expect(ok).To(BeTrue())
			Expect(search.Queries).To(Equal([]string{"golang concurrency"}))
			Expect(search.Goal).To(Equal("find primitives"))
		})

		It("accepts a list of queries", func() {
			raw := `<tool_call>{"name": "search", "arguments": {"query": ["a", "b"], "goal": "g"}}</tool_call>`
			action := planner.Parse(raw)
			search, ok := action.(planner.Search)
			Expect(ok).To(BeTrue())
			Expect(search.Queries).To(Equal([]string{"a", "b"}))
		})

		It("falls through to outline salvage if the arguments have no usable query", func() {
			raw := `<tool_call>{"name": "search", "arguments": {"goal": "g"}}</tool_call>`
			action := planner.Parse(raw)
			outline, ok := action.(planner.WriteOutline)
			Expect(ok).To(BeTrue())
			Expect(outline.Text).To(Equal(raw))
		})
	})

	Context("when the tool_call names an unsupported tool", func() {
		It("falls through to outline salvage rather than terminating", func() {
			raw := `<tool_call>{"name": "retrieve", "arguments": {}}</tool_call>`
			action := planner.Parse(raw)
			outline, ok := action.(planner.WriteOutline)
			Expect(ok).To(BeTrue())
			Expect(outline.Text).To(Equal(raw))
		})
	})

	Context("when nothing parses but there is leftover text", func() {
		It("salvages the raw text as an outline", func() {
			action := planner.Parse("just some free-form prose about the topic")
			outline, ok := action.(planner.WriteOutline)
			Expect(ok).To(BeTrue())
			Expect(outline.Text).To(Equal("just some free-form prose about the topic"))
		})
	})

	Context("when the output is entirely empty", func() {
		It("terminates with unparseable_output", func() {
			action := planner.Parse("   ")
			term, ok := action.(planner.Terminate)
			Expect(ok).To(BeTrue())
			Expect(term.Reason).To(Equal("unparseable_output"))
		})
	})
})

var _ = Describe("BuildPrompt decision guidance", func() {
	It("instructs write_outline once the step or evidence threshold is hit with no outline", func() {
		prompt := planner.BuildPrompt("q", 4, 12, "", nil)
		Expect(prompt).To(ContainSubstring("MUST emit <write_outline>"))
	})

	It("prefers search early with no outline and little evidence", func() {
		prompt := planner.BuildPrompt("q", 1, 12, "", nil)
		Expect(prompt).To(ContainSubstring("prefer search"))
	})

	It("prefers terminate near the step budget when an outline exists", func() {
		prompt := planner.BuildPrompt("q", 11, 12, "# Report\n", nil)
		Expect(prompt).To(ContainSubstring("<terminate>"))
	})
})
