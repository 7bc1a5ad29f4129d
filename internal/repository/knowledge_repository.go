package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aiknowledge/internal/model"
)

type KnowledgeRepository struct {
	db *gorm.DB
}

func NewKnowledgeRepository(db *gorm.DB) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

// KnowledgeUpdate is the result of one indexing step applied to a unit.
type KnowledgeUpdate struct {
	Status           model.IndexStatus
	Metadata         datatypes.JSONMap
	ExtractedBlobRef string
	LastIndexedAt    *time.Time
}

// CreateIfAbsent inserts the units that are not yet known for the owning
// source, deduplicated on source key, and links them through the join table.
// It returns the number of rows actually created.
func (r *KnowledgeRepository) CreateIfAbsent(ctx context.Context, dataSourceID string, units []*model.Knowledge) (int, error) {
	created := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range units {
			k.OwnerDataSourceID = dataSourceID
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(k)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			link := &model.DataSourceKnowledge{DataSourceID: dataSourceID, KnowledgeID: k.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error; err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create knowledge failed: %w", err)
	}
	return created, nil
}

func (r *KnowledgeRepository) GetByID(ctx context.Context, id string) (*model.Knowledge, error) {
	var k model.Knowledge
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&k).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get knowledge failed: %w", err)
	}
	return &k, nil
}

func (r *KnowledgeRepository) ListByDataSourceID(ctx context.Context, dataSourceID string) ([]model.Knowledge, error) {
	var list []model.Knowledge
	err := r.db.WithContext(ctx).
		Joins("JOIN data_source_knowledges dsk ON dsk.knowledge_id = knowledges.id").
		Where("dsk.data_source_id = ?", dataSourceID).
		Order("knowledges.created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list knowledge failed: %w", err)
	}
	return list, nil
}

func (r *KnowledgeRepository) ListByDataSourceIDAndStatus(ctx context.Context, dataSourceID string, statuses []model.IndexStatus) ([]model.Knowledge, error) {
	var list []model.Knowledge
	err := r.db.WithContext(ctx).
		Joins("JOIN data_source_knowledges dsk ON dsk.knowledge_id = knowledges.id").
		Where("dsk.data_source_id = ? AND knowledges.index_status IN ?", dataSourceID, statuses).
		Order("knowledges.created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list knowledge by status failed: %w", err)
	}
	return list, nil
}

func (r *KnowledgeRepository) ListStatusesByDataSourceID(ctx context.Context, dataSourceID string) ([]model.IndexStatus, error) {
	var statuses []model.IndexStatus
	err := r.db.WithContext(ctx).
		Model(&model.Knowledge{}).
		Joins("JOIN data_source_knowledges dsk ON dsk.knowledge_id = knowledges.id").
		Where("dsk.data_source_id = ?", dataSourceID).
		Pluck("knowledges.index_status", &statuses).Error
	if err != nil {
		return nil, fmt.Errorf("list knowledge statuses failed: %w", err)
	}
	return statuses, nil
}

// ListByDataSourceIDs returns the units of every given source.
func (r *KnowledgeRepository) ListByDataSourceIDs(ctx context.Context, dataSourceIDs []string) ([]model.Knowledge, error) {
	if len(dataSourceIDs) == 0 {
		return nil, nil
	}
	var list []model.Knowledge
	err := r.db.WithContext(ctx).
		Joins("JOIN data_source_knowledges dsk ON dsk.knowledge_id = knowledges.id").
		Where("dsk.data_source_id IN ?", dataSourceIDs).
		Order("knowledges.created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list knowledge by data sources failed: %w", err)
	}
	return list, nil
}

// Transition applies update only while the unit is in one of the from
// states. It reports false when the unit has moved on or no longer exists,
// which makes late or duplicated completions harmless.
func (r *KnowledgeRepository) Transition(ctx context.Context, id string, from []model.IndexStatus, update KnowledgeUpdate) (bool, error) {
	values := map[string]any{
		"index_status": update.Status,
		"updated_at":   time.Now(),
	}
	if update.Metadata != nil {
		values["metadata"] = update.Metadata
	}
	if update.ExtractedBlobRef != "" {
		values["extracted_blob_ref"] = update.ExtractedBlobRef
	}
	if update.LastIndexedAt != nil {
		values["last_indexed_at"] = *update.LastIndexedAt
	}
	res := r.db.WithContext(ctx).
		Model(&model.Knowledge{}).
		Where("id = ? AND index_status IN ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("transition knowledge failed: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DeleteByIDs removes units and their join rows for one source.
func (r *KnowledgeRepository) DeleteByIDs(ctx context.Context, dataSourceID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("data_source_id = ? AND knowledge_id IN ?", dataSourceID, ids).Delete(&model.DataSourceKnowledge{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&model.Knowledge{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete knowledge failed: %w", err)
	}
	return nil
}

func (r *KnowledgeRepository) CountByDataSourceID(ctx context.Context, dataSourceID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.DataSourceKnowledge{}).Where("data_source_id = ?", dataSourceID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count knowledge failed: %w", err)
	}
	return n, nil
}
