// Package llm wraps a chat-completion backend behind a plain text-in,
// text-out contract. Every agent in webweaver (planner, writer, url
// filter, extractor, summarizer, judge) treats the model as an opaque
// completion service and parses its own structure out of the returned
// text — the client never relies on tool-calling or schema-enforced
// JSON output modes.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Message represents one turn in a chat-completion conversation.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// CompletionOptions controls a single Complete call.
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client is a chat-completion backend. Implementations are black boxes:
// callers supply messages and get free text back, never structured
// tool calls or enforced JSON.
type Client interface {
	Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error)
	Model() string
}

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

type openaiClient struct {
	openai openai.Client
	model  string
}

// New creates a Client backed by an OpenAI-compatible chat completions
// endpoint.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &openaiClient{
		openai: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (c *openaiClient) Model() string { return c.model }

func (c *openaiClient) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            convertMessages(messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Temperature:         openai.Float(opts.Temperature),
	}

	start := time.Now()
	resp, err := c.openai.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices in response")
	}

	choice := resp.Choices[0]
	slog.DebugContext(ctx, "llm completion",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason)

	return choice.Message.Content, nil
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			result = append(result, openai.SystemMessage(msg.Content))
		case "assistant":
			result = append(result, openai.AssistantMessage(msg.Content))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

// GenerateSchemaFrom reflects a Go value into a JSON Schema document,
// for embedding as descriptive text inside a prompt (not for enforcing
// structured output at the API level).
func GenerateSchemaFrom(v any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(v)
}
