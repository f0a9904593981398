package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs
// within a context. Fields flow through context enrichment, so business
// context (run_id, section, step) is included in every log statement
// without threading it through every call site.
type LogFields struct {
	RunID     *string // research run id, e.g. "20260729T120000Z_a1b2c3d4"
	Component string  // e.g. "webweaver.planner", "webweaver.writer"
	Section   *string // outline section title, when writing a section
	Step      *int    // agent step index within the current loop
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values
// taking precedence. Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.RunID != nil {
		result.RunID = new.RunID
	}
	if new.Component != "" {
		result.Component = new.Component
	}
	if new.Section != nil {
		result.Section = new.Section
	}
	if new.Step != nil {
		result.Step = new.Step
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{Step: logger.Ptr(3)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like queries or error messages.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
