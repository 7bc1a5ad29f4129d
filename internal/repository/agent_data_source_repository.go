package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aiknowledge/internal/model"
)

type AgentDataSourceRepository struct {
	db *gorm.DB
}

func NewAgentDataSourceRepository(db *gorm.DB) *AgentDataSourceRepository {
	return &AgentDataSourceRepository{db: db}
}

func (r *AgentDataSourceRepository) Attach(ctx context.Context, agentID, dataSourceID string) error {
	link := &model.AgentDataSource{AgentID: agentID, DataSourceID: dataSourceID}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error; err != nil {
		return fmt.Errorf("attach data source failed: %w", err)
	}
	return nil
}

func (r *AgentDataSourceRepository) Detach(ctx context.Context, agentID, dataSourceID string) error {
	if err := r.db.WithContext(ctx).Where("agent_id = ? AND data_source_id = ?", agentID, dataSourceID).Delete(&model.AgentDataSource{}).Error; err != nil {
		return fmt.Errorf("detach data source failed: %w", err)
	}
	return nil
}

func (r *AgentDataSourceRepository) ListDataSourceIDs(ctx context.Context, agentID string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&model.AgentDataSource{}).Where("agent_id = ?", agentID).Order("created_at ASC").Pluck("data_source_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list agent data sources failed: %w", err)
	}
	return ids, nil
}

// ListDataSources returns the sources attached to the agent within one org.
func (r *AgentDataSourceRepository) ListDataSources(ctx context.Context, agentID, orgID string) ([]model.DataSource, error) {
	var list []model.DataSource
	err := r.db.WithContext(ctx).
		Joins("JOIN agent_data_sources ads ON ads.data_source_id = data_sources.id").
		Where("ads.agent_id = ? AND data_sources.org_id = ?", agentID, orgID).
		Order("ads.created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list agent data sources failed: %w", err)
	}
	return list, nil
}
