package vector

import (
	"context"
	"maps"
	"math"
	"sort"
	"sync"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// Namespaces partition the index so jobs are never compared with profiles by accident.
const (
	NamespaceJobs     = "jobs"
	NamespaceProfiles = "profiles"
)

// Match is one query hit.
type Match struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Index stores (id, vector, metadata) per namespace.
type Index interface {
	// Upsert replaces any existing vector for id.
	Upsert(ctx context.Context, namespace, id string, vec []float32, meta map[string]string) error
	// Query returns hits with cosine similarity >= minScore, ordered by score
	// descending with ties broken by ascending id.
	Query(ctx context.Context, namespace string, vec []float32, topK int, minScore float64) ([]Match, error)
	Delete(ctx context.Context, namespace, id string) error
	// Get returns the stored vector for id.
	Get(ctx context.Context, namespace, id string) ([]float32, bool, error)
}

// ValidNamespace reports whether ns is a known namespace.
func ValidNamespace(ns string) bool {
	return ns == NamespaceJobs || ns == NamespaceProfiles
}

func checkArgs(namespace string, vec []float32, dim int) error {
	if !ValidNamespace(namespace) {
		return engine.Invalid("vector: unknown namespace %q", namespace)
	}
	if len(vec) == 0 {
		return engine.Invalid("vector: empty vector")
	}
	if dim > 0 && len(vec) != dim {
		return engine.Invalid("vector: dimension %d, want %d", len(vec), dim)
	}
	// Cosine is undefined for these; a stored one would score 0 or NaN
	// against itself.
	var norm float64
	for i, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return engine.Invalid("vector: non-finite component at %d", i)
		}
		norm += f * f
	}
	if norm == 0 || math.IsInf(norm, 0) {
		return engine.Invalid("vector: zero or overflowing norm")
	}
	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SortMatches orders by score descending, then id ascending.
func SortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].ID < ms[j].ID
	})
}

// MemoryIndex is an exact, in-process index. Queries scan the namespace.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	items     map[string]map[string]memItem
}

type memItem struct {
	vec  []float32
	meta map[string]string
}

// NewMemoryIndex returns an empty index. dim <= 0 accepts any dimension.
func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dim,
		items: map[string]map[string]memItem{
			NamespaceJobs:     {},
			NamespaceProfiles: {},
		},
	}
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(_ context.Context, namespace, id string, vec []float32, meta map[string]string) error {
	if err := checkArgs(namespace, vec, m.dimension); err != nil {
		return err
	}
	if id == "" {
		return engine.Invalid("vector: empty id")
	}
	item := memItem{vec: append([]float32(nil), vec...), meta: maps.Clone(meta)}

	m.mu.Lock()
	m.items[namespace][id] = item
	m.mu.Unlock()
	engine.IncrVectorUpserts()
	return nil
}

// Query implements Index.
func (m *MemoryIndex) Query(_ context.Context, namespace string, vec []float32, topK int, minScore float64) ([]Match, error) {
	if err := checkArgs(namespace, vec, m.dimension); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	engine.IncrVectorQueries()

	m.mu.RLock()
	out := make([]Match, 0, len(m.items[namespace]))
	for id, item := range m.items[namespace] {
		score := Cosine(vec, item.vec)
		if score < minScore {
			continue
		}
		out = append(out, Match{ID: id, Score: score, Metadata: maps.Clone(item.meta)})
	}
	m.mu.RUnlock()

	SortMatches(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Delete implements Index. Deleting a missing id is a no-op.
func (m *MemoryIndex) Delete(_ context.Context, namespace, id string) error {
	if !ValidNamespace(namespace) {
		return engine.Invalid("vector: unknown namespace %q", namespace)
	}
	m.mu.Lock()
	delete(m.items[namespace], id)
	m.mu.Unlock()
	return nil
}

// Get implements Index.
func (m *MemoryIndex) Get(_ context.Context, namespace, id string) ([]float32, bool, error) {
	if !ValidNamespace(namespace) {
		return nil, false, engine.Invalid("vector: unknown namespace %q", namespace)
	}
	m.mu.RLock()
	item, ok := m.items[namespace][id]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]float32(nil), item.vec...), true, nil
}

// Len returns the number of vectors stored in namespace.
func (m *MemoryIndex) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items[namespace])
}
