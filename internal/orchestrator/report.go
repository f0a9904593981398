package orchestrator

import (
	"encoding/json"
	"strings"
)

// cleanReportText strips two kinds of model leakage that otherwise end
// up verbatim in the drafted prose: a stray bare "retrieve" line left
// over from a misrendered tool call, and bare JSON-object lines (the
// model echoing a tool_call payload instead of writing prose).
func cleanReportText(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "retrieve" {
			continue
		}
		if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
			var v any
			if json.Unmarshal([]byte(trimmed), &v) == nil {
				continue
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
