package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"aiknowledge/internal/model"
)

type DataSourceRepository struct {
	db *gorm.DB
}

func NewDataSourceRepository(db *gorm.DB) *DataSourceRepository {
	return &DataSourceRepository{db: db}
}

func (r *DataSourceRepository) Create(ctx context.Context, ds *model.DataSource) error {
	if err := r.db.WithContext(ctx).Create(ds).Error; err != nil {
		return fmt.Errorf("create data source failed: %w", err)
	}
	return nil
}

func (r *DataSourceRepository) GetByID(ctx context.Context, id string) (*model.DataSource, error) {
	var ds model.DataSource
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&ds).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get data source failed: %w", err)
	}
	return &ds, nil
}

func (r *DataSourceRepository) GetByIDAndOrgID(ctx context.Context, id, orgID string) (*model.DataSource, error) {
	var ds model.DataSource
	if err := r.db.WithContext(ctx).Where("id = ? AND org_id = ?", id, orgID).First(&ds).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get data source failed: %w", err)
	}
	return &ds, nil
}

func (r *DataSourceRepository) ListByOrgID(ctx context.Context, orgID string) ([]model.DataSource, error) {
	var list []model.DataSource
	if err := r.db.WithContext(ctx).Where("org_id = ?", orgID).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list data sources failed: %w", err)
	}
	return list, nil
}

// UpdateIndexProgress writes an aggregation result only if the row still has
// the expected version. It reports false when another writer got there first
// or the row is gone. A nil lastIndexedAt leaves the column untouched.
func (r *DataSourceRepository) UpdateIndexProgress(
	ctx context.Context,
	id string,
	expectedVersion int64,
	status model.IndexStatus,
	percentage int,
	lastIndexedAt *time.Time,
	at time.Time,
) (bool, error) {
	values := map[string]any{
		"index_status":     status,
		"index_percentage": percentage,
		"version":          gorm.Expr("version + 1"),
		"updated_at":       at,
	}
	if lastIndexedAt != nil {
		values["last_indexed_at"] = *lastIndexedAt
	}
	res := r.db.WithContext(ctx).
		Model(&model.DataSource{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("update data source progress failed: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FindStale returns the least recently updated INDEXING source of one of the
// given types whose last update is older than before.
func (r *DataSourceRepository) FindStale(ctx context.Context, types []model.DataSourceType, before time.Time) (*model.DataSource, error) {
	if len(types) == 0 {
		return nil, nil
	}
	var ds model.DataSource
	err := r.db.WithContext(ctx).
		Where("index_status = ? AND type IN ? AND updated_at < ?", model.IndexStatusIndexing, types, before).
		Order("updated_at ASC").
		First(&ds).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find stale data source failed: %w", err)
	}
	return &ds, nil
}

// ListDueForRefresh returns settled sources whose refresh period has elapsed
// since they were last indexed.
func (r *DataSourceRepository) ListDueForRefresh(ctx context.Context, now time.Time) ([]model.DataSource, error) {
	var candidates []model.DataSource
	err := r.db.WithContext(ctx).
		Where("refresh_period <> ? AND index_status IN ?", model.RefreshPeriodNever, []model.IndexStatus{
			model.IndexStatusCompleted,
			model.IndexStatusPartiallyCompleted,
			model.IndexStatusFailed,
		}).
		Order("last_indexed_at ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("list refresh candidates failed: %w", err)
	}

	due := make([]model.DataSource, 0, len(candidates))
	for _, ds := range candidates {
		interval := ds.RefreshPeriod.Interval()
		if interval == 0 {
			continue
		}
		if ds.LastIndexedAt == nil || !ds.LastIndexedAt.Add(interval).After(now) {
			due = append(due, ds)
		}
	}
	return due, nil
}

// DeleteCascade removes the source, its attachments, its join rows and the
// Knowledge units it owns in one transaction.
func (r *DataSourceRepository) DeleteCascade(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		knowledgeIDs := tx.Model(&model.DataSourceKnowledge{}).Select("knowledge_id").Where("data_source_id = ?", id)
		if err := tx.Where("data_source_id = ?", id).Delete(&model.AgentDataSource{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN (?)", knowledgeIDs).Delete(&model.Knowledge{}).Error; err != nil {
			return err
		}
		if err := tx.Where("owner_data_source_id = ?", id).Delete(&model.Knowledge{}).Error; err != nil {
			return err
		}
		if err := tx.Where("data_source_id = ?", id).Delete(&model.DataSourceKnowledge{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.DataSource{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete data source failed: %w", err)
	}
	return nil
}
