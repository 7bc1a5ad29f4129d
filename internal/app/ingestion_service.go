package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/events"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/pkg/retry"
	"aiknowledge/internal/repository"
)

const (
	defaultWorkerPoolSize = 4
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultStaleAfter     = time.Hour
)

type IngestionConfig struct {
	WorkerPoolSize    int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	AggregateAttempts int
	// StaleAfter is how long an async source may sit in INDEXING without
	// any update before the sweep polls it.
	StaleAfter time.Duration
}

func (c IngestionConfig) withDefaults() IngestionConfig {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = defaultWorkerPoolSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.AggregateAttempts <= 0 {
		c.AggregateAttempts = defaultAggregateAttempts
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	return c
}

// IngestionService drives DataSources through listing, per-unit indexing,
// aggregation, refresh and deletion. It is the handler behind every
// pipeline event.
type IngestionService struct {
	sources   *repository.DataSourceRepository
	knowledge *repository.KnowledgeRepository
	registry  *adapter.Registry
	publisher events.Publisher
	pool      *ants.Pool
	cfg       IngestionConfig
	now       func() time.Time
	logger    *slog.Logger
}

func NewIngestionService(
	sources *repository.DataSourceRepository,
	knowledge *repository.KnowledgeRepository,
	registry *adapter.Registry,
	publisher events.Publisher,
	cfg IngestionConfig,
	log *slog.Logger,
) (*IngestionService, error) {
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("component", "ingestion")
	cfg = cfg.withDefaults()

	pool, err := ants.NewPool(cfg.WorkerPoolSize, ants.WithPanicHandler(func(p any) {
		log.Error("indexing task panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool failed: %w", err)
	}

	return &IngestionService{
		sources:   sources,
		knowledge: knowledge,
		registry:  registry,
		publisher: publisher,
		pool:      pool,
		cfg:       cfg,
		now:       time.Now,
		logger:    log,
	}, nil
}

func (s *IngestionService) Close() {
	s.pool.Release()
}

// RetryableEvent reports whether a failed event is worth handling again.
// Errors that will not change on redelivery are dropped.
func RetryableEvent(err error) bool {
	switch adapter.Kind(err) {
	case adapter.KindTransient, adapter.KindInternal:
		return true
	}
	return false
}

func (s *IngestionService) Handle(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.SourceInitialized:
		return s.handleSourceInitialized(ctx, e)
	case events.ItemListReceived:
		return s.handleItemListReceived(ctx, e)
	case events.KnowledgeInitialized:
		return s.handleKnowledgeInitialized(ctx, e)
	case events.KnowledgeChunkReceived, events.KnowledgeContentRetrieved:
		return s.handleAsyncEvent(ctx, e)
	case events.RefreshRequested:
		return s.handleRefreshRequested(ctx, e)
	case events.DeleteRequested:
		return s.handleDeleteRequested(ctx, e)
	}
	s.logger.Warn("ignoring unknown event", "event_id", e.ID, "type", e.Type)
	return nil
}

func (s *IngestionService) handleSourceInitialized(ctx context.Context, e events.Event) error {
	ds, a, err := s.resolve(ctx, e.DataSourceID)
	if err != nil || ds == nil {
		return err
	}

	items, err := s.listItems(ctx, ds, a)
	if err != nil {
		return s.listingFailed(ctx, ds.ID, err)
	}
	created, err := s.createUnits(ctx, ds, items)
	if err != nil {
		return err
	}
	s.logger.Info("items listed", "data_source_id", ds.ID, "type", ds.Type, "listed", len(items), "created", created)

	if err := s.aggregate(ctx, ds.ID); err != nil {
		return err
	}
	return s.publish(ctx, events.New(events.ItemListReceived, ds.ID, ds.Type))
}

func (s *IngestionService) handleItemListReceived(ctx context.Context, e events.Event) error {
	ds, a, err := s.resolve(ctx, e.DataSourceID)
	if err != nil || ds == nil {
		return err
	}

	units, err := s.knowledge.ListByDataSourceIDAndStatus(ctx, ds.ID, []model.IndexStatus{model.IndexStatusInitialized})
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return s.aggregate(ctx, ds.ID)
	}

	src := adapter.SourceOf(ds)
	return s.runOnPool(units, func(k *model.Knowledge) {
		s.indexUnit(ctx, a, src, k)
	})
}

func (s *IngestionService) handleKnowledgeInitialized(ctx context.Context, e events.Event) error {
	k, err := s.knowledge.GetByID(ctx, e.KnowledgeID)
	if err != nil {
		return err
	}
	if k == nil {
		s.logger.Info("knowledge no longer exists", "knowledge_id", e.KnowledgeID)
		return nil
	}
	ds, a, err := s.resolve(ctx, k.OwnerDataSourceID)
	if err != nil || ds == nil {
		return err
	}

	if err := s.aggregate(ctx, ds.ID); err != nil {
		return err
	}
	src := adapter.SourceOf(ds)
	return s.runOnPool([]model.Knowledge{*k}, func(k *model.Knowledge) {
		s.indexUnit(ctx, a, src, k)
	})
}

// handleAsyncEvent applies a progress or completion notification from an
// async adapter. Events for deleted or already settled units are dropped.
func (s *IngestionService) handleAsyncEvent(ctx context.Context, e events.Event) error {
	k, err := s.knowledge.GetByID(ctx, e.KnowledgeID)
	if err != nil {
		return err
	}
	if k == nil {
		s.logger.Info("dropping event for removed knowledge", "event_id", e.ID, "knowledge_id", e.KnowledgeID)
		return nil
	}
	if k.IndexStatus.Terminal() {
		s.logger.Info("dropping late event", "event_id", e.ID, "knowledge_id", k.ID, "status", k.IndexStatus)
		return nil
	}
	ds, a, err := s.resolve(ctx, k.OwnerDataSourceID)
	if err != nil || ds == nil {
		return err
	}

	var res *adapter.IndexResult
	err = retry.Do(ctx, s.retryPolicy(), func(ctx context.Context) error {
		r, err := a.HandleAsyncEvent(ctx, k, e.Payload)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if errors.Is(err, adapter.ErrUnsupported) {
			s.logger.Warn("ignoring unusable async event", "event_id", e.ID, "knowledge_id", k.ID, "err", err)
			return nil
		}
		s.logger.Warn("async event failed", "event_id", e.ID, "knowledge_id", k.ID, "kind", adapter.Kind(err), "err", err)
		res = failureResult("collect", err, s.now())
	}
	return s.apply(ctx, k, res)
}

func (s *IngestionService) handleDeleteRequested(ctx context.Context, e events.Event) error {
	ds, err := s.sources.GetByID(ctx, e.DataSourceID)
	if err != nil {
		return err
	}
	if ds == nil {
		return nil
	}

	units, err := s.knowledge.ListByDataSourceID(ctx, ds.ID)
	if err != nil {
		return err
	}
	a, err := s.registry.Get(ds.Type)
	if err != nil {
		s.logger.Warn("no adapter to clean up items", "data_source_id", ds.ID, "type", ds.Type, "err", err)
	} else {
		for _, k := range units {
			if err := a.DeleteItem(ctx, k.ID); err != nil {
				s.logger.Warn("delete item failed", "data_source_id", ds.ID, "knowledge_id", k.ID, "err", err)
			}
		}
	}

	if err := s.sources.DeleteCascade(ctx, ds.ID); err != nil {
		return err
	}
	s.logger.Info("data source deleted", "data_source_id", ds.ID, "knowledge", len(units))
	return nil
}

// indexUnit claims an INITIALIZED unit, indexes it with retries and records
// the outcome. Failures end up on the unit, never on its siblings.
func (s *IngestionService) indexUnit(ctx context.Context, a adapter.Adapter, src adapter.Source, k *model.Knowledge) {
	claimed, err := s.knowledge.Transition(ctx, k.ID, []model.IndexStatus{model.IndexStatusInitialized},
		repository.KnowledgeUpdate{Status: model.IndexStatusIndexing})
	if err != nil {
		s.logger.Error("claim knowledge failed", "knowledge_id", k.ID, "err", err)
		return
	}
	if !claimed {
		s.logger.Debug("knowledge already claimed", "knowledge_id", k.ID)
		return
	}
	k.IndexStatus = model.IndexStatusIndexing

	started := s.now()
	var res *adapter.IndexResult
	err = retry.Do(ctx, s.retryPolicy(), func(ctx context.Context) error {
		r, err := a.IndexItem(ctx, k, src)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		s.logger.Warn("index item failed", "knowledge_id", k.ID, "name", k.Name, "kind", adapter.Kind(err), "err", err)
		res = failureResult("index", err, s.now())
	} else {
		s.logger.Info("index item finished", "knowledge_id", k.ID, "status", res.Status, "elapsed", s.now().Sub(started))
	}

	if err := s.apply(ctx, k, res); err != nil {
		s.logger.Error("record index result failed", "knowledge_id", k.ID, "err", err)
	}
}

// runOnPool runs fn for every unit on the shared worker pool and waits.
func (s *IngestionService) runOnPool(units []model.Knowledge, fn func(k *model.Knowledge)) error {
	var wg sync.WaitGroup
	var submitErr error
	for i := range units {
		k := &units[i]
		wg.Add(1)
		if err := s.pool.Submit(func() {
			defer wg.Done()
			fn(k)
		}); err != nil {
			wg.Done()
			submitErr = fmt.Errorf("submit indexing task failed: %w", err)
			break
		}
	}
	wg.Wait()
	return submitErr
}

// apply persists a unit result and re-aggregates the owning source.
func (s *IngestionService) apply(ctx context.Context, k *model.Knowledge, res *adapter.IndexResult) error {
	applied, err := s.persist(ctx, k, res)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return s.aggregate(ctx, k.OwnerDataSourceID)
}

// persist writes res onto the unit only while it is still in flight.
func (s *IngestionService) persist(ctx context.Context, k *model.Knowledge, res *adapter.IndexResult) (bool, error) {
	update := repository.KnowledgeUpdate{
		Status:           res.Status,
		Metadata:         model.MergeMetadata(k.Metadata, res.Metadata),
		ExtractedBlobRef: res.ExtractedBlobRef,
	}
	if res.Status.Terminal() {
		now := s.now()
		update.LastIndexedAt = &now
	}

	applied, err := s.knowledge.Transition(ctx, k.ID, model.NonTerminalStatuses, update)
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.Info("knowledge settled or removed, dropping result", "knowledge_id", k.ID, "status", res.Status)
		return false, nil
	}
	k.IndexStatus = res.Status
	k.Metadata = update.Metadata
	return true, nil
}

func (s *IngestionService) resolve(ctx context.Context, dataSourceID string) (*model.DataSource, adapter.Adapter, error) {
	ds, err := s.sources.GetByID(ctx, dataSourceID)
	if err != nil {
		return nil, nil, err
	}
	if ds == nil {
		s.logger.Info("data source no longer exists", "data_source_id", dataSourceID)
		return nil, nil, nil
	}
	a, err := s.registry.Get(ds.Type)
	if err != nil {
		return nil, nil, err
	}
	return ds, a, nil
}

func (s *IngestionService) listItems(ctx context.Context, ds *model.DataSource, a adapter.Adapter) ([]adapter.Item, error) {
	var items []adapter.Item
	err := retry.Do(ctx, s.retryPolicy(), func(ctx context.Context) error {
		list, err := a.ListItems(ctx, adapter.SourceOf(ds))
		if err != nil {
			return err
		}
		items = list
		return nil
	})
	return items, err
}

func (s *IngestionService) createUnits(ctx context.Context, ds *model.DataSource, items []adapter.Item) (int, error) {
	units := make([]*model.Knowledge, 0, len(items))
	for _, it := range items {
		units = append(units, &model.Knowledge{
			SourceKey:      it.Key,
			Name:           it.Name,
			SourceItemType: it.Type,
			Metadata:       model.MergeMetadata(nil, it.Metadata),
		})
	}
	return s.knowledge.CreateIfAbsent(ctx, ds.ID, units)
}

// listingFailed handles a source that could not be listed. A source with
// units keeps the status aggregated from them; one without units has
// nothing to aggregate and is marked FAILED.
func (s *IngestionService) listingFailed(ctx context.Context, dataSourceID string, cause error) error {
	s.logger.Error("list items failed", "data_source_id", dataSourceID, "kind", adapter.Kind(cause), "err", cause)
	n, err := s.knowledge.CountByDataSourceID(ctx, dataSourceID)
	if err != nil {
		return err
	}
	if n > 0 {
		return s.aggregate(ctx, dataSourceID)
	}
	return s.failSource(ctx, dataSourceID)
}

func (s *IngestionService) failSource(ctx context.Context, dataSourceID string) error {
	for attempt := 0; attempt < s.cfg.AggregateAttempts; attempt++ {
		ds, err := s.sources.GetByID(ctx, dataSourceID)
		if err != nil {
			return err
		}
		if ds == nil {
			return nil
		}
		now := s.now()
		ok, err := s.sources.UpdateIndexProgress(ctx, ds.ID, ds.Version, model.IndexStatusFailed, ds.IndexPercentage, &now, now)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("fail %s: %w", dataSourceID, ErrAggregationConflict)
}

func (s *IngestionService) publish(ctx context.Context, e events.Event) error {
	if err := s.publisher.Publish(ctx, e); err != nil {
		return fmt.Errorf("publish %s failed: %w", e.Type, err)
	}
	return nil
}

func (s *IngestionService) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: s.cfg.MaxAttempts,
		BaseDelay:   s.cfg.RetryBaseDelay,
		Retryable:   adapter.IsTransient,
	}
}

func failureResult(step string, err error, at time.Time) *adapter.IndexResult {
	return &adapter.IndexResult{
		Status: model.IndexStatusFailed,
		Metadata: map[string]any{
			model.MetaErrors: map[string]model.StepError{
				step: {Kind: adapter.Kind(err), Message: err.Error(), At: at},
			},
		},
	}
}
