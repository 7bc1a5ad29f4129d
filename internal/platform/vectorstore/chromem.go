package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Record is one embedded chunk.
type Record struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]string
}

type Match struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// Chromem keeps one chromem collection per namespace. Vectors are always
// computed by the caller.
type Chromem struct {
	db *chromem.DB
	mu sync.Mutex
}

func precomputed(context.Context, string) ([]float32, error) {
	return nil, errors.New("vectors must be computed before insertion")
}

// NewChromem opens a persistent store under dir, or an in-memory one when dir is empty.
func NewChromem(dir string, compress bool) (*Chromem, error) {
	if dir == "" {
		return &Chromem{db: chromem.NewDB()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("create vector dir failed: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, compress)
	if err != nil {
		return nil, fmt.Errorf("open vector db failed: %w", err)
	}
	return &Chromem{db: db}, nil
}

func (c *Chromem) Replace(ctx context.Context, namespace string, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.DeleteCollection(namespace); err != nil {
		return fmt.Errorf("drop collection %s failed: %w", namespace, err)
	}
	col, err := c.db.GetOrCreateCollection(namespace, nil, precomputed)
	if err != nil {
		return fmt.Errorf("create collection %s failed: %w", namespace, err)
	}
	if len(records) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		docs = append(docs, chromem.Document{
			ID:        r.ID,
			Content:   r.Text,
			Embedding: r.Vector,
			Metadata:  r.Metadata,
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents to %s failed: %w", namespace, err)
	}
	return nil
}

// Query returns up to topK matches ordered by similarity. A missing or empty
// namespace yields no matches.
func (c *Chromem) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	col := c.db.GetCollection(namespace, precomputed)
	if col == nil {
		return nil, nil
	}
	n := min(topK, col.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s failed: %w", namespace, err)
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{ID: r.ID, Text: r.Content, Score: r.Similarity, Metadata: r.Metadata})
	}
	return matches, nil
}

func (c *Chromem) DeleteNamespace(_ context.Context, namespace string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.DeleteCollection(namespace); err != nil {
		return fmt.Errorf("drop collection %s failed: %w", namespace, err)
	}
	return nil
}

func (c *Chromem) Count(namespace string) int {
	col := c.db.GetCollection(namespace, precomputed)
	if col == nil {
		return 0
	}
	return col.Count()
}
