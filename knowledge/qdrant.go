package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type qdrantHit struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
}

type qdrantClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	vectorSize int
}

func newQdrantClientFromEnv() (*qdrantClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}

	vectorSize := 0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorSize = parsed
		}
	}

	return &qdrantClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		vectorSize: vectorSize,
	}, nil
}

func (c *qdrantClient) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return fmt.Errorf("knowledge: encode qdrant payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("knowledge: create qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge: qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("knowledge: qdrant status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("knowledge: decode qdrant response: %w", err)
		}
	}
	return nil
}

func (c *qdrantClient) ensureCollection(ctx context.Context, name string, vectorSize int) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	size := vectorSize
	if size <= 0 {
		size = c.vectorSize
	}
	if size <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}

	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     size,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), payload, nil)
}

func (c *qdrantClient) upsertPoints(ctx context.Context, collection string, points []qdrantPoint) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	if len(points) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(collection)+"/points", payload, nil)
}

func (c *qdrantClient) search(ctx context.Context, collection string, vector []float32, limit int) ([]qdrantHit, error) {
	if c == nil {
		return nil, errors.New("knowledge: qdrant client is not configured")
	}
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/search", payload, &decoded); err != nil {
		return nil, err
	}

	hits := make([]qdrantHit, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		hits = append(hits, qdrantHit{
			ID:      stringifyQdrantID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return hits, nil
}

// scrollPoints pages through every point in the collection.
func (c *qdrantClient) scrollPoints(ctx context.Context, collection string) ([]qdrantHit, error) {
	if c == nil {
		return nil, errors.New("knowledge: qdrant client is not configured")
	}

	var (
		hits   []qdrantHit
		offset interface{}
	)
	for {
		payload := map[string]interface{}{
			"limit":        256,
			"with_payload": true,
		}
		if offset != nil {
			payload["offset"] = offset
		}

		var decoded struct {
			Result struct {
				Points []struct {
					ID      interface{}            `json:"id"`
					Payload map[string]interface{} `json:"payload"`
				} `json:"points"`
				NextPageOffset interface{} `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/scroll", payload, &decoded); err != nil {
			return nil, err
		}

		for _, item := range decoded.Result.Points {
			hits = append(hits, qdrantHit{
				ID:      stringifyQdrantID(item.ID),
				Payload: item.Payload,
			})
		}
		if decoded.Result.NextPageOffset == nil || len(decoded.Result.Points) == 0 {
			return hits, nil
		}
		offset = decoded.Result.NextPageOffset
	}
}

func stringifyQdrantID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// QdrantStore is the production Store backed by Qdrant over HTTP with an
// external embedding API.
type QdrantStore struct {
	client   *qdrantClient
	embedder Embedder
}

// NewQdrantStoreFromEnv wires a store from QDRANT_* and EMBEDDING_* env vars.
func NewQdrantStoreFromEnv() (*QdrantStore, error) {
	client, err := newQdrantClientFromEnv()
	if err != nil {
		return nil, err
	}
	embedder, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}
	return &QdrantStore{client: client, embedder: embedder}, nil
}

// CreateCollection is idempotent. The description is advisory; Qdrant has no
// collection-level metadata slot, so it is not persisted remotely.
func (s *QdrantStore) CreateCollection(ctx context.Context, name, _ string) error {
	return s.client.ensureCollection(ctx, name, 0)
}

func (s *QdrantStore) Ingest(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("knowledge: embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("knowledge: embedded %d of %d documents", len(vectors), len(docs))
	}

	points := make([]qdrantPoint, 0, len(docs))
	for i, doc := range docs {
		id := doc.ID
		if id == "" {
			id = uuid.NewString()
		}
		points = append(points, qdrantPoint{
			ID:      id,
			Vector:  vectors[i],
			Payload: documentPayload(doc),
		})
	}
	return s.client.upsertPoints(ctx, collection, points)
}

func (s *QdrantStore) Query(ctx context.Context, collection, text string, topK int) ([]Document, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	hits, err := s.client.search(ctx, collection, vectors[0], topK)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		doc := documentFromPayload(hit.ID, hit.Payload)
		// Cosine similarity to distance; query results sort ascending.
		doc.Distance = 1 - hit.Score
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *QdrantStore) GetAll(ctx context.Context, collection string) ([]Document, error) {
	hits, err := s.client.scrollPoints(ctx, collection)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		docs = append(docs, documentFromPayload(hit.ID, hit.Payload))
	}
	return docs, nil
}

func documentPayload(doc Document) map[string]interface{} {
	payload := map[string]interface{}{"text": doc.Text}
	if doc.Instruction != "" {
		payload["instruction"] = doc.Instruction
	}
	if doc.Source != "" {
		payload["source"] = doc.Source
	}
	if doc.FileName != "" {
		payload["file_name"] = doc.FileName
	}
	for k, v := range doc.Metadata {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	return payload
}

func documentFromPayload(id string, payload map[string]interface{}) Document {
	doc := Document{ID: id}
	metadata := make(map[string]string)
	for k, v := range payload {
		value, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "text":
			doc.Text = value
		case "instruction":
			doc.Instruction = value
		case "source":
			doc.Source = value
		case "file_name":
			doc.FileName = value
		default:
			metadata[k] = value
		}
	}
	if len(metadata) > 0 {
		doc.Metadata = metadata
	}
	return doc
}
