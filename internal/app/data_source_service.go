package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/adapter/fileupload"
	"aiknowledge/internal/adapter/webcrawl"
	"aiknowledge/internal/events"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/extract"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/platform/blob"
	"aiknowledge/internal/repository"
)

// DataSourceService is the request-facing side of ingestion. It validates
// and records intent, then hands the work to the pipeline through events.
type DataSourceService struct {
	sources   *repository.DataSourceRepository
	knowledge *repository.KnowledgeRepository
	agents    *repository.AgentDataSourceRepository
	registry  *adapter.Registry
	blobs     blob.Store
	publisher events.Publisher
	logger    *slog.Logger
}

func NewDataSourceService(
	sources *repository.DataSourceRepository,
	knowledge *repository.KnowledgeRepository,
	agents *repository.AgentDataSourceRepository,
	registry *adapter.Registry,
	blobs blob.Store,
	publisher events.Publisher,
	log *slog.Logger,
) *DataSourceService {
	if log == nil {
		log = logger.Discard()
	}
	return &DataSourceService{
		sources:   sources,
		knowledge: knowledge,
		agents:    agents,
		registry:  registry,
		blobs:     blobs,
		publisher: publisher,
		logger:    log.With("component", "data-source"),
	}
}

type CreateDataSourceInput struct {
	OrgID         string
	UserID        string
	Name          string
	Type          model.DataSourceType
	RefreshPeriod model.RefreshPeriod
	Config        json.RawMessage
}

// DataSourceDetail is a source with its units.
type DataSourceDetail struct {
	model.DataSource
	Knowledge []model.Knowledge `json:"knowledge"`
}

// Create stores a new source in INITIALIZED and starts ingestion.
func (s *DataSourceService) Create(ctx context.Context, input CreateDataSourceInput) (*model.DataSource, error) {
	name := strings.TrimSpace(input.Name)
	if input.OrgID == "" || input.UserID == "" || name == "" || !input.Type.Valid() {
		return nil, ErrInvalidInput
	}
	period := input.RefreshPeriod
	if period == "" {
		period = model.RefreshPeriodNever
	}
	if !period.Valid() {
		return nil, ErrInvalidInput
	}

	a, err := s.registry.Get(input.Type)
	if err != nil {
		return nil, err
	}
	config := input.Config
	if p, ok := a.(adapter.ConfigPreparer); ok {
		config, err = p.PrepareConfig(input.Config)
		if err != nil {
			return nil, err
		}
	}

	ds := &model.DataSource{
		OrgID:         input.OrgID,
		OwnerUserID:   input.UserID,
		Name:          name,
		Type:          input.Type,
		RefreshPeriod: period,
		IndexStatus:   model.IndexStatusInitialized,
		Config:        []byte(config),
	}
	if err := s.sources.Create(ctx, ds); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, events.New(events.SourceInitialized, ds.ID, ds.Type)); err != nil {
		return nil, err
	}
	s.logger.Info("data source created", "data_source_id", ds.ID, "org_id", ds.OrgID, "type", ds.Type)
	return ds, nil
}

type UploadFile struct {
	FileName string
	MimeType string
	Size     int64
	Body     io.Reader
}

type UploadInput struct {
	OrgID         string
	UserID        string
	Name          string
	RefreshPeriod model.RefreshPeriod
	Files         []UploadFile
}

// Upload writes the files to blob storage and creates a FILE_UPLOAD source
// over them. Files of unsupported types are kept and fail as units.
func (s *DataSourceService) Upload(ctx context.Context, input UploadInput) (*model.DataSource, error) {
	if input.OrgID == "" || input.UserID == "" || len(input.Files) == 0 {
		return nil, ErrInvalidInput
	}

	uploadID := uuid.NewString()
	cfg := fileupload.Config{Files: make([]fileupload.File, 0, len(input.Files))}
	for _, f := range input.Files {
		if strings.TrimSpace(f.FileName) == "" || f.Body == nil {
			return nil, ErrInvalidInput
		}
		mimeType := extract.DetectMimeType(f.FileName, f.MimeType)
		key := blob.UploadKey(input.OrgID, uploadID, f.FileName)
		if err := s.blobs.Put(ctx, key, f.Body, f.Size, mimeType); err != nil {
			return nil, fmt.Errorf("store upload %s failed: %w", f.FileName, err)
		}
		cfg.Files = append(cfg.Files, fileupload.File{BlobKey: key, FileName: f.FileName, MimeType: mimeType, Size: f.Size})
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	name := input.Name
	if strings.TrimSpace(name) == "" {
		name = input.Files[0].FileName
	}
	return s.Create(ctx, CreateDataSourceInput{
		OrgID:         input.OrgID,
		UserID:        input.UserID,
		Name:          name,
		Type:          model.DataSourceTypeFileUpload,
		RefreshPeriod: input.RefreshPeriod,
		Config:        raw,
	})
}

func (s *DataSourceService) List(ctx context.Context, orgID string) ([]model.DataSource, error) {
	if orgID == "" {
		return nil, ErrInvalidInput
	}
	return s.sources.ListByOrgID(ctx, orgID)
}

func (s *DataSourceService) Get(ctx context.Context, orgID, id string) (*DataSourceDetail, error) {
	ds, err := s.owned(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	units, err := s.knowledge.ListByDataSourceID(ctx, ds.ID)
	if err != nil {
		return nil, err
	}
	return &DataSourceDetail{DataSource: *ds, Knowledge: units}, nil
}

// RequestRefresh re-lists and re-indexes a settled source.
func (s *DataSourceService) RequestRefresh(ctx context.Context, orgID, id string) error {
	ds, err := s.owned(ctx, orgID, id)
	if err != nil {
		return err
	}
	if !ds.IndexStatus.Terminal() {
		return ErrSourceBusy
	}
	return s.publish(ctx, events.New(events.RefreshRequested, ds.ID, ds.Type))
}

// RequestDelete schedules deletion; the source disappears once the
// pipeline has cleaned up its units.
func (s *DataSourceService) RequestDelete(ctx context.Context, orgID, id string) error {
	ds, err := s.owned(ctx, orgID, id)
	if err != nil {
		return err
	}
	return s.publish(ctx, events.New(events.DeleteRequested, ds.ID, ds.Type))
}

// RetryKnowledge resets a FAILED unit and indexes it again.
func (s *DataSourceService) RetryKnowledge(ctx context.Context, orgID, knowledgeID string) (*model.Knowledge, error) {
	k, err := s.knowledge.GetByID(ctx, knowledgeID)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrKnowledgeNotFound
	}
	ds, err := s.sources.GetByIDAndOrgID(ctx, k.OwnerDataSourceID, orgID)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, ErrKnowledgeNotFound
	}
	if k.IndexStatus != model.IndexStatusFailed {
		return nil, ErrKnowledgeNotRetryable
	}

	meta := model.MergeMetadata(k.Metadata, nil)
	delete(meta, model.MetaErrors)
	ok, err := s.knowledge.Transition(ctx, k.ID, []model.IndexStatus{model.IndexStatusFailed}, repository.KnowledgeUpdate{
		Status:   model.IndexStatusInitialized,
		Metadata: meta,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKnowledgeNotRetryable
	}
	k.IndexStatus = model.IndexStatusInitialized
	k.Metadata = meta

	if err := s.publish(ctx, events.New(events.KnowledgeInitialized, ds.ID, ds.Type).WithKnowledge(k.ID)); err != nil {
		return nil, err
	}
	return k, nil
}

func (s *DataSourceService) AttachToAgent(ctx context.Context, orgID, agentID, dataSourceID string) error {
	if agentID == "" {
		return ErrInvalidInput
	}
	if _, err := s.owned(ctx, orgID, dataSourceID); err != nil {
		return err
	}
	return s.agents.Attach(ctx, agentID, dataSourceID)
}

func (s *DataSourceService) DetachFromAgent(ctx context.Context, orgID, agentID, dataSourceID string) error {
	if agentID == "" {
		return ErrInvalidInput
	}
	if _, err := s.owned(ctx, orgID, dataSourceID); err != nil {
		return err
	}
	return s.agents.Detach(ctx, agentID, dataSourceID)
}

func (s *DataSourceService) ListAgentDataSources(ctx context.Context, orgID, agentID string) ([]model.DataSource, error) {
	if orgID == "" || agentID == "" {
		return nil, ErrInvalidInput
	}
	return s.agents.ListDataSources(ctx, agentID, orgID)
}

// ReceiveCrawlWebhook turns a crawl service callback into a pipeline event.
// The event id is derived from the run and event type, so a callback the
// service delivers twice is handled once.
func (s *DataSourceService) ReceiveCrawlWebhook(ctx context.Context, body []byte) error {
	var p webcrawl.WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil || p.KnowledgeID == "" || p.EventType == "" {
		return ErrInvalidInput
	}
	k, err := s.knowledge.GetByID(ctx, p.KnowledgeID)
	if err != nil {
		return err
	}
	if k == nil {
		return ErrWebhookUnknown
	}

	eventType := events.KnowledgeContentRetrieved
	if p.EventType == webcrawl.EventCrawlProgress {
		eventType = events.KnowledgeChunkReceived
	}
	e := events.New(eventType, k.OwnerDataSourceID, model.DataSourceTypeWebCrawl).
		WithKnowledge(k.ID).
		WithPayload(body)
	if eventType == events.KnowledgeContentRetrieved {
		e.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(k.ID+"/"+p.EventData.ActorRunID+"/"+p.EventType)).String()
	}
	return s.publish(ctx, e)
}

func (s *DataSourceService) owned(ctx context.Context, orgID, id string) (*model.DataSource, error) {
	if orgID == "" || id == "" {
		return nil, ErrInvalidInput
	}
	ds, err := s.sources.GetByIDAndOrgID(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, ErrDataSourceNotFound
	}
	return ds, nil
}

func (s *DataSourceService) publish(ctx context.Context, e events.Event) error {
	if err := s.publisher.Publish(ctx, e); err != nil {
		return fmt.Errorf("publish %s failed: %w", e.Type, err)
	}
	return nil
}

// IsInputError reports whether err was caused by the caller's request.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, adapter.ErrInvalidConfig)
}
