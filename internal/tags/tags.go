// Package tags implements the fault-tolerant extraction of tagged and
// JSON-shaped payloads from free-text LLM output. Every agent loop
// (planner, writer, url filter, judge) routes its raw completion
// through these helpers rather than trusting the model to emit valid
// JSON on the first try.
package tags

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")
	balancedBrace   = regexp.MustCompile(`(?s)\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
)

// tagPattern builds a case-insensitive, prose-tolerant matcher for a
// given tag name. (?s) lets '.' cross newlines.
func tagPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)<` + name + `>(.*?)</` + name + `>`)
}

var tagPatternCache = map[string]*regexp.Regexp{}

func patternFor(name string) *regexp.Regexp {
	if p, ok := tagPatternCache[name]; ok {
		return p
	}
	p := tagPattern(name)
	tagPatternCache[name] = p
	return p
}

// FindTagBlock returns the trimmed inner content of the first
// <name>...</name> block in text, case-insensitively. ok is false if no
// such block exists.
func FindTagBlock(text, name string) (content string, ok bool) {
	m := patternFor(name).FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ExtractJSONObject tries, in order: the whole trimmed text (if it
// looks like a JSON object), a fenced code block, then the first
// balanced brace substring. Returns ok=false if nothing parses as JSON.
func ExtractJSONObject(text string) (raw string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if isValidJSON(trimmed) {
			return trimmed, true
		}
	}

	if m := fencedJSONBlock.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if isValidJSON(candidate) {
			return candidate, true
		}
	}

	if m := balancedBrace.FindString(text); m != "" {
		if isValidJSON(m) {
			return m, true
		}
	}

	return "", false
}

func isValidJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// ToolCallPayload is the decoded body of a <tool_call>{...}</tool_call>
// block: {"name": "...", "arguments": {...}}.
type ToolCallPayload struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ParseToolCallPayload first looks inside a <tool_call> block, then
// falls back to scanning the whole text for a JSON object shaped like a
// tool call. Returns ok=false rather than an error on any failure — the
// caller treats that as "no tool call present", not a hard error.
func ParseToolCallPayload(text string) (ToolCallPayload, bool) {
	candidates := make([]string, 0, 2)
	if inner, ok := FindTagBlock(text, "tool_call"); ok {
		candidates = append(candidates, inner)
	}
	candidates = append(candidates, text)

	for _, candidate := range candidates {
		raw, ok := ExtractJSONObject(candidate)
		if !ok {
			continue
		}
		var payload ToolCallPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		if payload.Name == "" {
			continue
		}
		return payload, true
	}
	return ToolCallPayload{}, false
}

// ArgString reads a string argument from a tool-call payload's
// arguments map, tolerating a missing key.
func ArgString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ArgStringSlice reads a []string argument, coercing a bare string into
// a singleton slice — the planner's search query argument may arrive
// either shape depending on the model.
func ArgStringSlice(args map[string]any, key string) ([]string, bool) {
	v, ok := args[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, false
		}
		return []string{t}, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

// ArgInt reads an int argument, tolerating the JSON-number-as-float64
// decoding quirk.
func ArgInt(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// FormatSalvageError wraps a parse failure with the raw text preview,
// useful for the "unparseable_output" fallback paths.
func FormatSalvageError(raw string) error {
	preview := raw
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return fmt.Errorf("tags: unparseable LLM output: %q", preview)
}
