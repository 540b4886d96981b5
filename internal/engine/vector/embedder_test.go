package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(128)

	a, err := e.Embed(ctx, "Python SQL data engineer")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "python sql DATA engineer")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 128)
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-6)
}

func TestHashEmbedderSimilarity(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(512)
	profile, _ := e.Embed(ctx, "python sql analytics engineer")
	near, _ := e.Embed(ctx, "python sql aws analytics engineer")
	far, _ := e.Embed(ctx, "registered nurse intensive care")

	assert.Greater(t, Cosine(profile, near), Cosine(profile, far))
}

func TestHashEmbedderRejectsEmpty(t *testing.T) {
	_, err := NewHashEmbedder(16).Embed(context.Background(), "  ... ")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

type countingEmbedder struct {
	calls atomic.Int32
	next  Embedder
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.next.Embed(ctx, text)
}

func (c *countingEmbedder) Dimension() int { return c.next.Dimension() }

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{next: NewHashEmbedder(32)}
	cached := NewCachedEmbedder(inner, engine.NewCache(nil, time.Minute, 100), "hash:test")

	v1, err := cached.Embed(ctx, "golang engineer")
	require.NoError(t, err)
	v2, err := cached.Embed(ctx, "golang engineer")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func newTestOpenAIEmbedder(url string, dim int) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:    openai.NewClient(option.WithAPIKey("test"), option.WithBaseURL(url+"/"), option.WithMaxRetries(0)),
		model:     "text-embedding-3-small",
		dimension: dim,
		timeout:   5 * time.Second,
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body["model"])
		assert.Equal(t, "golang engineer", body["input"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.6,0.8,0]}],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	vec, err := newTestOpenAIEmbedder(srv.URL, 3).Embed(context.Background(), "golang engineer")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8, 0}, vec, 1e-6)
}

func TestOpenAIEmbedderErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, true},
		{"outage", http.StatusBadGateway, `{"error":{"message":"bad gateway"}}`, true},
		{"bad key", http.StatusUnauthorized, `{"error":{"message":"invalid key"}}`, false},
		{"wrong dimension", http.StatusOK, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,0]}]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestOpenAIEmbedder(srv.URL, 3).Embed(context.Background(), "golang engineer")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
			assert.Equal(t, tt.retryable, engine.IsRetryable(err))
		})
	}
}
