package fileupload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/extract"
	"aiknowledge/internal/platform/blob"
)

// File is one upload already written to blob storage.
type File struct {
	BlobKey  string `json:"blobKey"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type Config struct {
	Files []File `json:"files"`
}

type Adapter struct {
	blobs  blob.Store
	loader *adapter.Loader
}

func New(blobs blob.Store, loader *adapter.Loader) *Adapter {
	return &Adapter{blobs: blobs, loader: loader}
}

func (a *Adapter) Type() model.DataSourceType { return model.DataSourceTypeFileUpload }

func (a *Adapter) Async() bool { return false }

func (a *Adapter) PrepareConfig(raw json.RawMessage) (json.RawMessage, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	if len(cfg.Files) == 0 {
		return nil, fmt.Errorf("%w: no files", adapter.ErrInvalidConfig)
	}
	for _, f := range cfg.Files {
		if f.BlobKey == "" || f.FileName == "" {
			return nil, fmt.Errorf("%w: upload without blob key or name", adapter.ErrInvalidConfig)
		}
	}
	return raw, nil
}

func (a *Adapter) ListItems(_ context.Context, src adapter.Source) ([]adapter.Item, error) {
	var cfg Config
	if err := adapter.DecodeConfig(src, &cfg); err != nil {
		return nil, err
	}
	items := make([]adapter.Item, 0, len(cfg.Files))
	for _, f := range cfg.Files {
		if f.BlobKey == "" {
			return nil, fmt.Errorf("%w: upload without blob key", adapter.ErrInvalidConfig)
		}
		items = append(items, adapter.Item{
			Key:  f.BlobKey,
			Name: f.FileName,
			Type: "file",
			Metadata: map[string]any{
				model.MetaMimeType: f.MimeType,
				model.MetaBlobRef:  f.BlobKey,
				model.MetaFileName: f.FileName,
				"size":             f.Size,
			},
		})
	}
	return items, nil
}

func (a *Adapter) IndexItem(ctx context.Context, k *model.Knowledge, _ adapter.Source) (*adapter.IndexResult, error) {
	mimeType := k.MimeType()
	if !extract.Supported(mimeType) {
		return nil, fmt.Errorf("%w: %s", adapter.ErrUnsupported, mimeType)
	}
	data, err := a.blobs.Get(ctx, k.MetaString(model.MetaBlobRef))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: upload %s", adapter.ErrNotFound, k.MetaString(model.MetaBlobRef))
		}
		return nil, adapter.Transient(err)
	}
	return a.loader.Load(ctx, k, k.Name, mimeType, data)
}

func (a *Adapter) PollStatus(_ context.Context, k *model.Knowledge) (*adapter.IndexResult, error) {
	return adapter.CurrentState(k), nil
}

func (a *Adapter) HandleAsyncEvent(context.Context, *model.Knowledge, json.RawMessage) (*adapter.IndexResult, error) {
	return nil, fmt.Errorf("%w: uploads complete synchronously", adapter.ErrUnsupported)
}

func (a *Adapter) DeleteItem(ctx context.Context, knowledgeID string) error {
	return a.loader.Delete(ctx, knowledgeID)
}
