package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scoreReply struct {
	MatchScore int      `json:"match_score"`
	Points     []string `json:"matching_points"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		score int
		err   bool
	}{
		{"plain", `{"match_score": 72, "matching_points": ["go"]}`, 72, false},
		{"fenced", "```json\n{\"match_score\": 40}\n```", 40, false},
		{"prose around", "Here is the result:\n{\"match_score\": 55}\nThanks!", 55, false},
		{"not json", "I think this candidate is a great fit.", 0, true},
		{"empty", "   ", 0, true},
		{"truncated", `{"match_score": 8`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeJSON[scoreReply](tt.raw)
			if tt.err {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.score, got.MatchScore)
		})
	}
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}```"))
	assert.Equal(t, "plain", stripFences("  plain "))
}

func TestKitGeneratorClassifiesErrors(t *testing.T) {
	g := &KitGenerator{
		complete: func(ctx context.Context, system, prompt string, temperature float64, maxTokens int) (string, error) {
			assert.Equal(t, "sys", system)
			assert.Equal(t, 0.3, temperature)
			assert.Equal(t, 100, maxTokens)
			return "", errors.New("upstream 503")
		},
		timeout: time.Second,
	}
	_, err := g.Generate(context.Background(), CompletionRequest{SystemPrompt: "sys", UserPrompt: "u", Temperature: 0.3, MaxTokens: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, IsRetryable(err))
}

func TestKitGeneratorTimeout(t *testing.T) {
	g := &KitGenerator{
		complete: func(ctx context.Context, _, _ string, _ float64, _ int) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		timeout: 10 * time.Millisecond,
	}
	_, err := g.Generate(context.Background(), CompletionRequest{UserPrompt: "slow"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestNewTextGeneratorSelectsBackend(t *testing.T) {
	cfg := Config{LLMProvider: ProviderOpenAI, LLMAPIKey: "k", LLMModel: "gpt-4o-mini", LLMTimeout: time.Second}
	gen, err := NewTextGenerator(cfg)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIGenerator{}, gen)

	cfg.LLMProvider = "bogus"
	_, err = NewTextGenerator(cfg)
	assert.Error(t, err)
}
