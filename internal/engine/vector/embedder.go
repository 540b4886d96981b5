// Package vector turns text into embeddings and stores them in a
// namespaced nearest-neighbor index.
package vector

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pkoukk/tiktoken-go"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// ErrEmbeddingUnavailable is returned when the embedding provider cannot
// produce a vector. Callers skip the index update; they never store a zero vector.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// maxEmbeddingTokens is the input limit of the OpenAI embedding models.
const maxEmbeddingTokens = 8191

// Embedder turns free text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// NewEmbedder selects the embedding backend named by cfg.EmbeddingProvider.
// cache may be nil.
func NewEmbedder(cfg engine.Config, cache *engine.Cache) (Embedder, error) {
	var base Embedder
	switch cfg.EmbeddingProvider {
	case engine.ProviderOpenAI:
		base = NewOpenAIEmbedder(cfg)
	case engine.ProviderHash:
		base = NewHashEmbedder(cfg.EmbeddingDimension)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.EmbeddingProvider)
	}
	return NewCachedEmbedder(base, cache, cfg.EmbeddingProvider+":"+cfg.EmbeddingModel), nil
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    openai.Client
	model     string
	dimension int
	timeout   time.Duration
	encoding  *tiktoken.Tiktoken // nil when the BPE table could not be loaded
}

// NewOpenAIEmbedder builds an embedder from cfg.
// An empty EmbeddingAPIBase uses the SDK default endpoint.
func NewOpenAIEmbedder(cfg engine.Config) *OpenAIEmbedder {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("embedding: tiktoken unavailable, falling back to rune truncation", slog.Any("error", err))
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.EmbeddingAPIKey), option.WithMaxRetries(0)}
	if cfg.EmbeddingAPIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.EmbeddingAPIBase))
	}
	return &OpenAIEmbedder{
		client:    openai.NewClient(opts...),
		model:     cfg.EmbeddingModel,
		dimension: cfg.EmbeddingDimension,
		timeout:   cfg.EmbeddingTimeout,
		encoding:  enc,
	}
}

// Dimension implements Embedder.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, engine.Invalid("embed: empty text")
	}
	text = e.truncate(text)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	}
	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	engine.IncrEmbeddingCalls()
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		engine.IncrEmbeddingErrors()
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, classify(err))
	}
	if len(resp.Data) == 0 {
		engine.IncrEmbeddingErrors()
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, engine.Malformed("embed", errors.New("no embedding returned")))
	}

	raw := resp.Data[0].Embedding
	if e.dimension > 0 && len(raw) != e.dimension {
		engine.IncrEmbeddingErrors()
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable,
			engine.Malformed("embed", fmt.Errorf("dimension %d, want %d", len(raw), e.dimension)))
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (e *OpenAIEmbedder) truncate(text string) string {
	if e.encoding == nil {
		// Roughly four characters per token for English prose.
		return engine.TruncateRunes(text, maxEmbeddingTokens*4, "")
	}
	tokens := e.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxEmbeddingTokens {
		return text
	}
	return e.encoding.Decode(tokens[:maxEmbeddingTokens])
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", engine.StatusError("embed", apiErr.StatusCode), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return engine.Transient("embed", err)
}

// HashEmbedder is a deterministic, offline embedder based on feature hashing
// of word unigrams and bigrams. Texts sharing vocabulary get high cosine
// similarity, which is enough for tests and small single-node deployments.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of length dim.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dimension: dim}
}

// Dimension implements Embedder.
func (h *HashEmbedder) Dimension() int { return h.dimension }

// Embed implements Embedder.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	})
	if len(words) == 0 {
		return nil, engine.Invalid("embed: empty text")
	}

	engine.IncrEmbeddingCalls()
	vec := make([]float64, h.dimension)
	add := func(feature string, weight float64) {
		f := fnv.New64a()
		f.Write([]byte(feature))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dimension))
		if (sum>>63)&1 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, engine.Invalid("embed: text produced no features")
	}
	out := make([]float32, h.dimension)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// CachedEmbedder memoizes another Embedder in the tiered cache.
type CachedEmbedder struct {
	next  Embedder
	cache *engine.Cache
	model string
}

// NewCachedEmbedder wraps next. A nil cache disables memoization.
func NewCachedEmbedder(next Embedder, cache *engine.Cache, model string) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model}
}

// Dimension implements Embedder.
func (c *CachedEmbedder) Dimension() int { return c.next.Dimension() }

// Embed implements Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := engine.CacheKey("embed", c.model, fmt.Sprint(c.next.Dimension()), text)
	if vec, ok := engine.CacheLoadJSON[[]float32](ctx, c.cache, key); ok && len(vec) == c.next.Dimension() {
		return vec, nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	engine.CacheStoreJSON(ctx, c.cache, key, vec)
	return vec, nil
}
