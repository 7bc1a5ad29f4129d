package clouddrive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/extract"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/pkg/secretbox"
)

const (
	MimeFolder       = "application/vnd.google-apps.folder"
	MimeGoogleDoc    = "application/vnd.google-apps.document"
	MimeGoogleSheet  = "application/vnd.google-apps.spreadsheet"
	MimeGoogleSlides = "application/vnd.google-apps.presentation"
)

// supportedMimeTypes lists the files a drive listing turns into units.
var supportedMimeTypes = map[string]bool{
	extract.MimePlain:    true,
	extract.MimeCSV:      true,
	extract.MimeEPUB:     true,
	extract.MimePDF:      true,
	extract.MimeMarkdown: true,
	extract.MimeDOCX:     true,
	MimeGoogleDoc:        true,
	MimeGoogleSheet:      true,
	MimeGoogleSlides:     true,
}

// exportFormats maps native formats to the format they are exported as.
var exportFormats = map[string]string{
	MimeGoogleDoc:    extract.MimeDOCX,
	MimeGoogleSheet:  extract.MimeCSV,
	MimeGoogleSlides: extract.MimePDF,
}

func Supported(mimeType string) bool {
	return supportedMimeTypes[mimeType]
}

type File struct {
	ID       string
	Name     string
	MimeType string
}

// Client is the slice of the drive API the adapter needs.
type Client interface {
	ListChildren(ctx context.Context, folderID string) ([]File, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	Export(ctx context.Context, fileID, mimeType string) ([]byte, error)
}

// ClientFactory builds a client for one access token.
type ClientFactory func(ctx context.Context, accessToken string) (Client, error)

// Config is stored on the data source. Credential is a sealed access token.
type Config struct {
	FolderID   string `json:"folderId"`
	FolderName string `json:"folderName,omitempty"`
	Credential string `json:"credential"`
}

type Adapter struct {
	newClient ClientFactory
	box       *secretbox.Box
	loader    *adapter.Loader
	logger    *slog.Logger
}

func New(newClient ClientFactory, box *secretbox.Box, loader *adapter.Loader, log *slog.Logger) *Adapter {
	if log == nil {
		log = logger.Discard()
	}
	return &Adapter{newClient: newClient, box: box, loader: loader, logger: log.With("component", "clouddrive")}
}

func (a *Adapter) Type() model.DataSourceType { return model.DataSourceTypeCloudDrive }

func (a *Adapter) Async() bool { return false }

// SealConfig encrypts the access token before the config is persisted.
func (a *Adapter) SealConfig(folderID, folderName, accessToken string) (json.RawMessage, error) {
	sealed, err := a.box.Seal(accessToken)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Config{FolderID: folderID, FolderName: folderName, Credential: sealed})
}

// ConnectRequest is the config a user submits. The token never reaches the
// database unsealed.
type ConnectRequest struct {
	FolderID    string `json:"folderId"`
	FolderName  string `json:"folderName"`
	AccessToken string `json:"accessToken"`
}

func (a *Adapter) PrepareConfig(raw json.RawMessage) (json.RawMessage, error) {
	var req ConnectRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	if req.FolderID == "" || req.AccessToken == "" {
		return nil, fmt.Errorf("%w: folderId and accessToken are required", adapter.ErrInvalidConfig)
	}
	return a.SealConfig(req.FolderID, req.FolderName, req.AccessToken)
}

func (a *Adapter) client(ctx context.Context, src adapter.Source) (Client, *Config, error) {
	var cfg Config
	if err := adapter.DecodeConfig(src, &cfg); err != nil {
		return nil, nil, err
	}
	if cfg.FolderID == "" {
		return nil, nil, fmt.Errorf("%w: folderId is required", adapter.ErrInvalidConfig)
	}
	token, err := a.box.Open(cfg.Credential)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", adapter.ErrUnauthorized, err)
	}
	c, err := a.newClient(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	return c, &cfg, nil
}

// ListItems walks the folder tree and returns every supported file.
func (a *Adapter) ListItems(ctx context.Context, src adapter.Source) ([]adapter.Item, error) {
	c, cfg, err := a.client(ctx, src)
	if err != nil {
		return nil, err
	}

	var items []adapter.Item
	seen := map[string]bool{cfg.FolderID: true}
	queue := []string{cfg.FolderID}
	skipped := 0
	for len(queue) > 0 {
		folderID := queue[0]
		queue = queue[1:]
		children, err := c.ListChildren(ctx, folderID)
		if err != nil {
			return nil, err
		}
		for _, f := range children {
			if f.MimeType == MimeFolder {
				if !seen[f.ID] {
					seen[f.ID] = true
					queue = append(queue, f.ID)
				}
				continue
			}
			if !Supported(f.MimeType) {
				skipped++
				continue
			}
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			items = append(items, adapter.Item{
				Key:  f.ID,
				Name: f.Name,
				Type: "file",
				Metadata: map[string]any{
					model.MetaFileID:   f.ID,
					model.MetaFileName: f.Name,
					model.MetaMimeType: f.MimeType,
				},
			})
		}
	}
	a.logger.Debug("listed drive folder", "data_source_id", src.ID, "items", len(items), "skipped", skipped)
	return items, nil
}

func (a *Adapter) IndexItem(ctx context.Context, k *model.Knowledge, src adapter.Source) (*adapter.IndexResult, error) {
	c, _, err := a.client(ctx, src)
	if err != nil {
		return nil, err
	}
	fileID := k.MetaString(model.MetaFileID)
	mimeType := k.MimeType()
	if !Supported(mimeType) {
		return nil, fmt.Errorf("%w: %s", adapter.ErrUnsupported, mimeType)
	}

	var data []byte
	if target, ok := exportFormats[mimeType]; ok {
		data, err = c.Export(ctx, fileID, target)
		mimeType = target
	} else {
		data, err = c.Download(ctx, fileID)
	}
	if err != nil {
		return nil, err
	}

	res, err := a.loader.Load(ctx, k, k.Name, mimeType, data)
	if err != nil {
		return nil, err
	}
	res.Metadata["indexedMimeType"] = mimeType
	return res, nil
}

func (a *Adapter) PollStatus(_ context.Context, k *model.Knowledge) (*adapter.IndexResult, error) {
	return adapter.CurrentState(k), nil
}

func (a *Adapter) HandleAsyncEvent(context.Context, *model.Knowledge, json.RawMessage) (*adapter.IndexResult, error) {
	return nil, fmt.Errorf("%w: drive files are indexed synchronously", adapter.ErrUnsupported)
}

func (a *Adapter) DeleteItem(ctx context.Context, knowledgeID string) error {
	return a.loader.Delete(ctx, knowledgeID)
}
