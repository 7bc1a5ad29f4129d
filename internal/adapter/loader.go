package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aiknowledge/internal/indexer"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/extract"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/platform/blob"
)

// Loader is the synchronous tail shared by every adapter: extract text,
// index it, and keep the extracted text for full-document retrieval.
type Loader struct {
	indexer *indexer.Indexer
	blobs   blob.Store
	exists  func(ctx context.Context, knowledgeID string) (bool, error)
	logger  *slog.Logger
}

type LoaderOption func(*Loader)

// WithExistenceCheck makes the loader confirm a unit still exists after
// indexing it, so a unit deleted mid-index leaves nothing behind.
func WithExistenceCheck(exists func(ctx context.Context, knowledgeID string) (bool, error)) LoaderOption {
	return func(l *Loader) { l.exists = exists }
}

func NewLoader(ix *indexer.Indexer, blobs blob.Store, log *slog.Logger, opts ...LoaderOption) *Loader {
	if log == nil {
		log = logger.Discard()
	}
	l := &Loader{indexer: ix, blobs: blobs, logger: log.With("component", "loader")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) Load(ctx context.Context, k *model.Knowledge, filename, mimeType string, data []byte) (*IndexResult, error) {
	doc, err := extract.Text(data, mimeType)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedType) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("extract %s failed: %w", filename, err)
	}
	return l.LoadText(ctx, k, filename, doc.Text, doc.Parts)
}

// LoadText indexes already extracted text. Empty text completes the unit
// with zero tokens and clears anything indexed for it before.
func (l *Loader) LoadText(ctx context.Context, k *model.Knowledge, filename, text string, parts int) (*IndexResult, error) {
	res, err := l.indexer.Index(ctx, indexer.Input{KnowledgeID: k.ID, SourceFilename: filename, Text: text})
	if errors.Is(err, indexer.ErrEmptyContent) {
		if err := l.indexer.Delete(ctx, k.ID); err != nil {
			return nil, Transient(err)
		}
		l.logger.Info("knowledge has no text", "knowledge_id", k.ID, "file", filename)
		return &IndexResult{
			Status: model.IndexStatusCompleted,
			Metadata: map[string]any{
				model.MetaDocumentCount:   parts,
				model.MetaTotalTokenCount: 0,
				"chunkCount":              0,
			},
		}, nil
	}
	if err != nil {
		return nil, indexError(err)
	}

	key := blob.ExtractedKey(k.ID)
	if err := l.blobs.Put(ctx, key, bytes.NewReader([]byte(text)), int64(len(text)), extract.MimePlain); err != nil {
		return nil, Transient(fmt.Errorf("store extracted text failed: %w", err))
	}
	if err := l.ensureExists(ctx, k.ID); err != nil {
		return nil, err
	}

	return &IndexResult{
		Status: model.IndexStatusCompleted,
		Metadata: map[string]any{
			model.MetaDocumentCount:   max(parts, 1),
			model.MetaTotalTokenCount: res.TotalTokenCount,
			"chunkCount":              res.ChunkCount,
		},
		ExtractedBlobRef: key,
	}, nil
}

// Delete removes a unit's vectors and extracted text.
func (l *Loader) Delete(ctx context.Context, knowledgeID string) error {
	if err := l.indexer.Delete(ctx, knowledgeID); err != nil {
		return err
	}
	if err := l.blobs.Delete(ctx, blob.ExtractedKey(knowledgeID)); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("delete extracted text failed: %w", err)
	}
	return nil
}

// ensureExists drops what was just written for a unit that was deleted
// while it was being indexed.
func (l *Loader) ensureExists(ctx context.Context, knowledgeID string) error {
	if l.exists == nil {
		return nil
	}
	ok, err := l.exists(ctx, knowledgeID)
	if err != nil {
		return Transient(err)
	}
	if ok {
		return nil
	}
	l.logger.Warn("knowledge deleted while indexing", "knowledge_id", knowledgeID)
	if err := l.Delete(ctx, knowledgeID); err != nil {
		return Transient(err)
	}
	return fmt.Errorf("knowledge %s: %w", knowledgeID, ErrNotFound)
}

// indexError keeps a rejected embedding call from being retried as if the
// endpoint were only unavailable.
func indexError(err error) error {
	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		return FromHTTPStatus(status.HTTPStatus(), err)
	}
	return Transient(err)
}
