package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Metadata keys shared by the adapters and the ingestion service.
const (
	MetaMimeType        = "mimeType"
	MetaBlobRef         = "blobRef"
	MetaErrors          = "errors"
	MetaPercentComplete = "percentComplete"
	MetaDocumentCount   = "documentCount"
	MetaTotalTokenCount = "totalTokenCount"
	MetaRunID           = "runId"
	MetaDatasetID       = "datasetId"
	MetaFileID          = "fileId"
	MetaFileName        = "fileName"
	MetaURL             = "url"
)

// Knowledge is one indexable unit produced by listing a DataSource.
type Knowledge struct {
	ID                string            `gorm:"primaryKey;size:36" json:"id"`
	OwnerDataSourceID string            `gorm:"size:36;not null;uniqueIndex:idx_knowledge_owner_key" json:"data_source_id"`
	SourceKey         string            `gorm:"size:512;not null;uniqueIndex:idx_knowledge_owner_key" json:"source_key"`
	Name              string            `gorm:"size:512;not null" json:"name"`
	SourceItemType    string            `gorm:"size:64" json:"source_item_type"`
	IndexStatus       IndexStatus       `gorm:"size:32;not null;index" json:"index_status"`
	Metadata          datatypes.JSONMap `json:"metadata"`
	ExtractedBlobRef  string            `gorm:"size:512" json:"extracted_blob_ref,omitempty"`
	LastIndexedAt     *time.Time        `json:"last_indexed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (k *Knowledge) BeforeCreate(*gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.IndexStatus == "" {
		k.IndexStatus = IndexStatusInitialized
	}
	return nil
}

func (k *Knowledge) MetaString(key string) string {
	if k.Metadata == nil {
		return ""
	}
	s, _ := k.Metadata[key].(string)
	return s
}

// MetaInt reads a numeric metadata value. Values decoded from the database
// arrive as float64, values set in process as int.
func (k *Knowledge) MetaInt(key string) int {
	if k.Metadata == nil {
		return 0
	}
	switch v := k.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func (k *Knowledge) MimeType() string {
	return k.MetaString(MetaMimeType)
}

func (k *Knowledge) TotalTokenCount() int {
	return k.MetaInt(MetaTotalTokenCount)
}

// StepError is the structured failure recorded under metadata.errors.<step>.
type StepError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// MergeMetadata overlays patch onto base and returns a new map. The errors
// sub-map is merged key by key so earlier step failures survive.
func MergeMetadata(base, patch map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if k == MetaErrors {
			out[k] = mergeErrors(out[k], v)
			continue
		}
		out[k] = v
	}
	return out
}

func mergeErrors(existing, incoming any) map[string]any {
	merged := map[string]any{}
	if m, ok := existing.(map[string]any); ok {
		for k, v := range m {
			merged[k] = v
		}
	}
	switch m := incoming.(type) {
	case map[string]any:
		for k, v := range m {
			merged[k] = v
		}
	case map[string]StepError:
		for k, v := range m {
			merged[k] = map[string]any{"kind": v.Kind, "message": v.Message, "at": v.At.UTC().Format(time.RFC3339)}
		}
	}
	return merged
}
