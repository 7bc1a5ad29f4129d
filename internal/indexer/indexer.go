package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/pkg/tokenizer"
	"aiknowledge/internal/platform/vectorstore"
)

const defaultEmbeddingBatchSize = 16

var ErrEmptyContent = errors.New("no indexable content")

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	Replace(ctx context.Context, namespace string, records []vectorstore.Record) error
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]vectorstore.Match, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Namespace is the vector namespace holding one knowledge unit's chunks.
func Namespace(knowledgeID string) string {
	return "knowledge-" + knowledgeID
}

type Input struct {
	KnowledgeID    string
	SourceFilename string
	Text           string
}

type Result struct {
	ChunkCount      int
	TotalTokenCount int
}

type Indexer struct {
	splitter  *Splitter
	counter   tokenizer.Counter
	embedder  Embedder
	store     VectorStore
	batchSize int
	logger    *slog.Logger
}

type Option func(*Indexer)

func WithBatchSize(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = l }
}

func New(splitter *Splitter, counter tokenizer.Counter, embedder Embedder, store VectorStore, opts ...Option) *Indexer {
	ix := &Indexer{
		splitter:  splitter,
		counter:   counter,
		embedder:  embedder,
		store:     store,
		batchSize: defaultEmbeddingBatchSize,
		logger:    logger.Discard(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With("component", "indexer")
	return ix
}

// Index chunks, embeds and stores text under the unit's namespace, replacing
// whatever was indexed for it before.
func (ix *Indexer) Index(ctx context.Context, in Input) (*Result, error) {
	chunks := ix.splitter.Split(in.Text)
	if len(chunks) == 0 {
		return nil, ErrEmptyContent
	}

	records := make([]vectorstore.Record, 0, len(chunks))
	for start := 0; start < len(chunks); start += ix.batchSize {
		end := min(start+ix.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks failed: %w", err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))
		}
		for i, c := range chunks[start:end] {
			records = append(records, vectorstore.Record{
				ID:     fmt.Sprintf("%s-%d", in.KnowledgeID, c.Index),
				Text:   c.Text,
				Vector: vectors[i],
				Metadata: map[string]string{
					"knowledgeId":    in.KnowledgeID,
					"sourceFilename": in.SourceFilename,
					"chunkIndex":     strconv.Itoa(c.Index),
					"tokenCount":     strconv.Itoa(c.TokenCount),
				},
			})
		}
	}

	if err := ix.store.Replace(ctx, Namespace(in.KnowledgeID), records); err != nil {
		return nil, fmt.Errorf("store chunks failed: %w", err)
	}

	total := ix.counter.Count(in.Text)
	ix.logger.Debug("indexed knowledge", "knowledge_id", in.KnowledgeID, "chunks", len(chunks), "tokens", total)
	return &Result{ChunkCount: len(chunks), TotalTokenCount: total}, nil
}

func (ix *Indexer) Delete(ctx context.Context, knowledgeID string) error {
	if err := ix.store.DeleteNamespace(ctx, Namespace(knowledgeID)); err != nil {
		return fmt.Errorf("delete namespace failed: %w", err)
	}
	return nil
}
