package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// QdrantIndex talks to Qdrant's REST API. Point ids are UUIDv5 of the chunk
// id because Qdrant only accepts integers or UUIDs.
type QdrantIndex struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

func NewQdrantIndex(cfg QdrantConfig) *QdrantIndex {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantIndex{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func (q *QdrantIndex) WithHTTPClient(c *http.Client) *QdrantIndex {
	q.client = c
	return q
}

var chunkNamespace = uuid.MustParse("6f1c1d5e-3b57-4c55-9f0e-0b2b7a9d6c11")

func pointID(chunkID string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(chunkID)).String()
}

func (q *QdrantIndex) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", q.url, q.collection, suffix)
}

func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	if q.dimension <= 0 {
		return errors.New("qdrant: invalid dimension")
	}
	err := q.do(ctx, http.MethodGet, q.collectionURL(""), nil, nil)
	if err == nil {
		return nil
	}
	var he *httpError
	if !errors.As(err, &he) || he.status != http.StatusNotFound {
		return err
	}
	body := map[string]any{"vectors": map[string]any{"size": q.dimension, "distance": "Cosine"}}
	if err := q.do(ctx, http.MethodPut, q.collectionURL(""), body, nil); err != nil {
		return err
	}
	for _, field := range []string{"owner_id", "visibility", "source_type", "document_id"} {
		idx := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := q.do(ctx, http.MethodPut, q.collectionURL("/index"), idx, nil); err != nil {
			return err
		}
	}
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	out := make([]map[string]any, len(points))
	for i, p := range points {
		out[i] = map[string]any{
			"id":     pointID(p.ChunkID),
			"vector": p.Vector,
			"payload": map[string]any{
				"chunk_id":    p.ChunkID,
				"document_id": p.DocumentID,
				"owner_id":    p.OwnerID,
				"visibility":  string(p.Visibility),
				"source_type": string(p.SourceType),
				"ordinal":     p.Ordinal,
				"superseded":  p.Superseded,
			},
		}
	}
	return q.do(ctx, http.MethodPut, q.collectionURL("/points?wait=true"), map[string]any{"points": out}, nil)
}

func match(key string, value any) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

// qdrantFilter renders Filter in Qdrant's must/should syntax.
func qdrantFilter(f Filter) map[string]any {
	var must []any
	if f.ExcludeSuperseded {
		must = append(must, match("superseded", false))
	}
	if !f.Admin {
		must = append(must, map[string]any{"should": []any{
			match("owner_id", f.OwnerID),
			match("visibility", "public"),
		}})
	}
	if len(f.SourceTypes) > 0 {
		types := make([]string, len(f.SourceTypes))
		for i, t := range f.SourceTypes {
			types[i] = string(t)
		}
		must = append(must, map[string]any{"key": "source_type", "match": map[string]any{"any": types}})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func (q *QdrantIndex) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": []string{"chunk_id", "document_id"},
	}
	if f := qdrantFilter(filter); f != nil {
		req["filter"] = f
	}
	var resp struct {
		Result []struct {
			Score   float64 `json:"score"`
			Payload struct {
				ChunkID    string `json:"chunk_id"`
				DocumentID string `json:"document_id"`
			} `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionURL("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{ChunkID: r.Payload.ChunkID, DocumentID: r.Payload.DocumentID, Score: r.Score})
	}
	return hits, nil
}

func (q *QdrantIndex) MarkSuperseded(ctx context.Context, documentID string) error {
	body := map[string]any{
		"payload": map[string]any{"superseded": true},
		"filter":  map[string]any{"must": []any{match("document_id", documentID)}},
	}
	return q.do(ctx, http.MethodPost, q.collectionURL("/points/payload?wait=true"), body, nil)
}

func (q *QdrantIndex) DeleteDocument(ctx context.Context, documentID string) error {
	body := map[string]any{"filter": map[string]any{"must": []any{match("document_id", documentID)}}}
	return q.do(ctx, http.MethodPost, q.collectionURL("/points/delete?wait=true"), body, nil)
}

type httpError struct {
	method, url string
	status      int
	body        string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("qdrant %s %s: status %d: %s", e.method, e.url, e.status, e.body)
}

func (q *QdrantIndex) do(ctx context.Context, method, url string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &httpError{method: method, url: url, status: resp.StatusCode, body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
