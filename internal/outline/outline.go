// Package outline models the planner's working outline: a Markdown
// skeleton with <citation> markers binding sections to evidence ids,
// plus the section-splitting the writer needs to draft sequentially.
package outline

import (
	"regexp"
	"strings"
)

// Outline is a Markdown document plus a monotonic version counter.
type Outline struct {
	Text    string
	Version int
}

// New creates an Outline at version 1.
func New(text string) *Outline {
	return &Outline{Text: text, Version: 1}
}

// Update replaces the outline text and bumps the version counter.
func (o *Outline) Update(text string) {
	o.Text = text
	o.Version++
}

// IsEmpty reports whether the outline has no meaningful content yet.
func (o *Outline) IsEmpty() bool {
	return o == nil || strings.TrimSpace(o.Text) == ""
}

var citationTag = regexp.MustCompile(`(?is)<citation>(.*?)</citation>`)

// ExtractCitationIds returns every evidence id referenced by <citation>
// tags in text, deduplicated with first-seen order preserved. Ids
// within one tag are comma-separated.
func ExtractCitationIds(text string) []string {
	var ordered []string
	seen := make(map[string]struct{})

	for _, m := range citationTag.FindAllStringSubmatch(text, -1) {
		for _, raw := range strings.Split(m[1], ",") {
			id := strings.TrimSpace(raw)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ordered = append(ordered, id)
		}
	}
	return ordered
}

// StripCitationTags removes <citation>...</citation> markup from text,
// used when rendering report prose that shouldn't carry raw tags.
func StripCitationTags(text string) string {
	return citationTag.ReplaceAllString(text, "")
}

// Section is one `## ` heading and its body, as split from an Outline.
type Section struct {
	Title string
	Body  string
}

var sectionHeading = regexp.MustCompile(`(?m)^## (.+)$`)

// Sections splits the outline on `## ` headings at column 0. An empty
// outline yields a single fallback section titled "Report" whose body
// is the whole (empty) text.
func (o *Outline) Sections() []Section {
	text := o.Text
	if strings.TrimSpace(text) == "" {
		return []Section{{Title: "Report", Body: text}}
	}

	locs := sectionHeading.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []Section{{Title: "Report", Body: text}}
	}

	sections := make([]Section, 0, len(locs))
	for i, loc := range locs {
		title := strings.TrimSpace(text[loc[2]:loc[3]])
		bodyStart := loc[1]
		bodyEnd := len(text)
		if i+1 < len(locs) {
			bodyEnd = locs[i+1][0]
		}
		body := strings.TrimSpace(text[bodyStart:bodyEnd])
		sections = append(sections, Section{Title: title, Body: body})
	}
	return sections
}
