package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"aiknowledge/internal/pkg/logger"
)

// EmbeddingConfig holds settings for an OpenAI-compatible embedding endpoint.
type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

func (c EmbeddingConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("embedding base url is required")
	}
	if c.Model == "" {
		return errors.New("embedding model is required")
	}
	return nil
}

// Embedder wraps the langchaingo embedder over an OpenAI-compatible client.
type Embedder struct {
	embedder embeddings.Embedder
	logger   *slog.Logger
}

func NewEmbedder(cfg EmbeddingConfig, log *slog.Logger) (*Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	token := cfg.APIKey
	if token == "" {
		// local OpenAI-compatible servers accept any token
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding client failed: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("create embedder failed: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Embedder{embedder: embedder, logger: log.With("component", "embedder")}, nil
}

func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.logger.Debug("embedding documents", "count", len(texts))
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("embed documents failed", "count", len(texts), "err", err)
		return nil, withStatus(err)
	}
	return vectors, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		e.logger.Error("embed query failed", "err", err)
		return nil, withStatus(err)
	}
	return vector, nil
}
