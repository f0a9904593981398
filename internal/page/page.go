// Package page implements the four-stage per-URL pipeline: fetch,
// parse (readability extraction with a goquery fallback), summarize,
// and extract evidence items — all LLM calls routed through the
// fault-tolerant tag parser rather than trusting structured output.
package page

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/internal/evidence"
	"github.com/webweaver-dev/webweaver/internal/tags"
)

const maxContentChars = 25000

// Fetched is the raw result of fetching a URL.
type Fetched struct {
	URL         string
	Body        []byte
	ContentType string
}

// Fetcher retrieves page bytes over HTTPS.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher builds a Fetcher with a browser-like user agent and a
// redirect-following client bounded by timeout.
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Fetch performs an HTTPS GET, following redirects, returning bytes and
// content-type.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Fetched{}, fmt.Errorf("page: building request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Fetched{}, fmt.Errorf("page: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Fetched{}, fmt.Errorf("page: %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Fetched{}, fmt.Errorf("page: reading body of %s: %w", url, err)
	}

	return Fetched{URL: url, Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

// Parsed is the cleaned output of the parse stage.
type Parsed struct {
	Title string
	Text  string
}

// Parse extracts title + main-content text via go-readability, falling
// back to goquery's raw title + whole-document text flattening on
// failure. The result is normalized (blank lines stripped, whitespace
// trimmed) and truncated to 25,000 characters with a [TRUNCATED]
// marker.
func Parse(f Fetched) (Parsed, error) {
	parsed, err := readabilityExtract(f)
	if err != nil {
		parsed = goqueryFallback(f)
	}
	parsed.Text = normalize(parsed.Text)
	parsed.Text = truncate(parsed.Text, maxContentChars)
	return parsed, nil
}

func readabilityExtract(f Fetched) (Parsed, error) {
	article, err := readability.FromReader(strings.NewReader(string(f.Body)), nil)
	if err != nil {
		return Parsed{}, fmt.Errorf("page: readability extraction: %w", err)
	}
	if strings.TrimSpace(article.TextContent) == "" {
		return Parsed{}, fmt.Errorf("page: readability produced no content")
	}
	return Parsed{Title: article.Title, Text: article.TextContent}, nil
}

func goqueryFallback(f Fetched) Parsed {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(f.Body)))
	if err != nil {
		return Parsed{Title: f.URL, Text: string(f.Body)}
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = f.URL
	}
	return Parsed{Title: title, Text: doc.Text()}
}

func normalize(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "\n[TRUNCATED]"
}

// Summarize asks the LLM for a 150-250 word query-relevant summary.
// ok is false when the model judges the page not relevant.
func Summarize(ctx context.Context, client llm.Client, query string, parsed Parsed) (summary string, ok bool, err error) {
	messages := []llm.Message{
		{Role: "system", Content: "You summarize web pages for a research report. Write a 150-250 word summary relevant to the research query. If the page has nothing to do with the query, respond with exactly: NOT RELEVANT"},
		{Role: "user", Content: fmt.Sprintf("Query: %s\n\nPage title: %s\n\nPage text:\n%s", query, parsed.Title, parsed.Text)},
	}
	out, err := client.Complete(ctx, messages, llm.CompletionOptions{Temperature: 0.2, MaxTokens: 600, Timeout: 60 * time.Second})
	if err != nil {
		return "", false, fmt.Errorf("page: summarize: %w", err)
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(out)), "NOT RELEVANT") {
		return "", false, nil
	}
	return strings.TrimSpace(out), true, nil
}

type extractionPayload struct {
	Items []extractedItem `json:"items"`
}

type extractedItem struct {
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	Location   string   `json:"location,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Extract asks the LLM for up to maxItems evidence items as strict
// JSON. On parse failure, returns an empty list rather than an error —
// a malformed extraction should not sink the whole page.
func Extract(ctx context.Context, client llm.Client, query string, parsed Parsed, maxItems int) []evidence.Item {
	schema := llm.GenerateSchemaFrom(extractionPayload{})
	schemaJSON, _ := json.Marshal(schema)

	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(
			"Extract up to %d citeable evidence items (quote, data, definition, claim, or case) from the page relevant to the research query. "+
				"Respond with strict JSON matching this schema:\n%s", maxItems, string(schemaJSON))},
		{Role: "user", Content: fmt.Sprintf("Query: %s\n\nPage title: %s\n\nPage text:\n%s", query, parsed.Title, parsed.Text)},
	}

	out, err := client.Complete(ctx, messages, llm.CompletionOptions{Temperature: 0.0, MaxTokens: 1500, Timeout: 60 * time.Second})
	if err != nil {
		return nil
	}

	raw, ok := tags.ExtractJSONObject(out)
	if !ok {
		return nil
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}

	items := make([]evidence.Item, 0, len(payload.Items))
	for i, it := range payload.Items {
		if i >= maxItems {
			break
		}
		if strings.TrimSpace(it.Content) == "" {
			continue
		}
		items = append(items, evidence.Item{
			Type:       evidence.ItemKind(it.Type),
			Content:    it.Content,
			Location:   it.Location,
			Confidence: it.Confidence,
		})
	}
	return items
}
