package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DataSource is a user-configured origin of knowledge. Its IndexStatus and
// IndexPercentage are derived from its Knowledge children and must only be
// written through the aggregation path.
type DataSource struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	OrgID           string         `gorm:"size:64;not null;index" json:"org_id"`
	OwnerUserID     string         `gorm:"size:64;not null;index" json:"owner_user_id"`
	Name            string         `gorm:"size:256;not null" json:"name"`
	Type            DataSourceType `gorm:"size:32;not null;index" json:"type"`
	RefreshPeriod   RefreshPeriod  `gorm:"size:16;not null;default:NEVER" json:"refresh_period"`
	IndexStatus     IndexStatus    `gorm:"size:32;not null;index" json:"index_status"`
	IndexPercentage int            `gorm:"not null;default:0" json:"index_percentage"`
	Config          datatypes.JSON `json:"-"`
	LastIndexedAt   *time.Time     `json:"last_indexed_at,omitempty"`
	Version         int64          `gorm:"not null;default:0" json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `gorm:"index" json:"updated_at"`
}

func (d *DataSource) BeforeCreate(*gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.RefreshPeriod == "" {
		d.RefreshPeriod = RefreshPeriodNever
	}
	if d.IndexStatus == "" {
		d.IndexStatus = IndexStatusInitialized
	}
	return nil
}

// DataSourceKnowledge links a DataSource to the Knowledge units it owns.
type DataSourceKnowledge struct {
	DataSourceID string    `gorm:"primaryKey;size:36" json:"data_source_id"`
	KnowledgeID  string    `gorm:"primaryKey;size:36;index" json:"knowledge_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// AgentDataSource attaches a DataSource to an externally managed agent.
type AgentDataSource struct {
	AgentID      string    `gorm:"primaryKey;size:64" json:"agent_id"`
	DataSourceID string    `gorm:"primaryKey;size:36;index" json:"data_source_id"`
	CreatedAt    time.Time `json:"created_at"`
}
