package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anatolykoptev/go-kit/llm"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// CompletionRequest is one LLM call.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
}

// TextGenerator produces free text for a prompt.
// Implementations classify failures with the engine error taxonomy.
type TextGenerator interface {
	Generate(ctx context.Context, req CompletionRequest) (string, error)
}

// KitGenerator calls an OpenAI-compatible endpoint through go-kit's llm client,
// which rotates fallback API keys on quota errors.
type KitGenerator struct {
	complete func(ctx context.Context, system, prompt string, temperature float64, maxTokens int) (string, error)
	timeout  time.Duration
}

// NewKitGenerator builds a go-kit backed generator from cfg.
func NewKitGenerator(cfg Config) *KitGenerator {
	client := llm.NewClient(cfg.LLMAPIBase, cfg.LLMAPIKey, cfg.LLMModel,
		llm.WithFallbackKeys(cfg.LLMAPIKeyFallbacks),
		llm.WithMaxTokens(cfg.LLMMaxTokens),
		llm.WithTemperature(cfg.LLMTemperature),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout}),
	)
	return &KitGenerator{
		complete: func(ctx context.Context, system, prompt string, temperature float64, maxTokens int) (string, error) {
			return client.Complete(ctx, system, prompt,
				llm.WithChatTemperature(temperature),
				llm.WithChatMaxTokens(maxTokens),
			)
		},
		timeout: cfg.LLMTimeout,
	}
}

// Generate implements TextGenerator.
func (g *KitGenerator) Generate(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	llmCalls.n.Add(1)
	resp, err := g.complete(ctx, req.SystemPrompt, req.UserPrompt, req.Temperature, req.MaxTokens)
	if err != nil {
		llmErrors.n.Add(1)
		return "", classifyLLMError(err)
	}
	return resp, nil
}

// OpenAIGenerator calls the chat completions API through openai-go.
type OpenAIGenerator struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIGenerator builds an openai-go backed generator from cfg.
// An empty LLMAPIBase uses the SDK default endpoint.
func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	opts := []option.RequestOption{option.WithAPIKey(cfg.LLMAPIKey), option.WithMaxRetries(0)}
	if cfg.LLMAPIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.LLMAPIBase))
	}
	return &OpenAIGenerator{
		client:  openai.NewClient(opts...),
		model:   cfg.LLMModel,
		timeout: cfg.LLMTimeout,
	}
}

// Generate implements TextGenerator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(g.model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	llmCalls.n.Add(1)
	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		llmErrors.n.Add(1)
		return "", classifyLLMError(err)
	}
	if len(completion.Choices) == 0 {
		llmErrors.n.Add(1)
		return "", Malformed("llm", errors.New("no completion choices returned"))
	}
	return completion.Choices[0].Message.Content, nil
}

// NewTextGenerator selects the LLM backend named by cfg.LLMProvider.
func NewTextGenerator(cfg Config) (TextGenerator, error) {
	switch cfg.LLMProvider {
	case ProviderGoKit:
		return NewKitGenerator(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIGenerator(cfg), nil
	}
	return nil, fmt.Errorf("llm: unknown provider %q", cfg.LLMProvider)
}

func classifyLLMError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", StatusError("llm", apiErr.StatusCode), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// go-kit reports provider failures as plain errors; any of them may clear on retry.
	return Transient("llm", err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// stripFences removes markdown code fences from LLM output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// DecodeJSON parses an LLM reply into T. It tolerates code fences and prose
// around a single JSON object. Failures wrap ErrMalformed.
func DecodeJSON[T any](raw string) (T, error) {
	var out T
	s := stripFences(raw)
	if s == "" {
		return out, Malformed("decode", errors.New("empty response"))
	}
	err := json.Unmarshal([]byte(s), &out)
	if err == nil {
		return out, nil
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		var retry T
		if json.Unmarshal([]byte(s[start:end+1]), &retry) == nil {
			return retry, nil
		}
	}
	var zero T
	return zero, Malformed("decode", err)
}
