package knowledge

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local development. It
// embeds text with a deterministic bag-of-words hash so similarity behaves
// like a real vector backend without one running.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	description string
	docs        []Document
	vectors     [][]float32
}

const memoryVectorDim = 128

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

func (m *MemoryStore) CreateCollection(_ context.Context, name, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.collections[name]; exists {
		return nil
	}
	m.collections[name] = &memoryCollection{description: description}
	return nil
}

func (m *MemoryStore) Ingest(_ context.Context, collection string, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("knowledge: collection %q does not exist", collection)
	}
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		col.docs = append(col.docs, doc)
		col.vectors = append(col.vectors, hashEmbed(doc.Text))
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, collection, text string, topK int) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("knowledge: collection %q does not exist", collection)
	}
	if topK <= 0 {
		topK = 5
	}

	query := hashEmbed(text)
	scored := make([]Document, len(col.docs))
	for i, doc := range col.docs {
		doc.Distance = 1 - cosineSimilarity(query, col.vectors[i])
		scored[i] = doc
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Distance < scored[j].Distance
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (m *MemoryStore) GetAll(_ context.Context, collection string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("knowledge: collection %q does not exist", collection)
	}
	out := make([]Document, len(col.docs))
	copy(out, col.docs)
	return out, nil
}

// hashEmbed buckets lowercase words into a fixed-size frequency vector.
func hashEmbed(text string) []float32 {
	vector := make([]float32, memoryVectorDim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vector[h.Sum32()%memoryVectorDim]++
	}
	return vector
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
