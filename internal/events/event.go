package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"aiknowledge/internal/model"
)

type Type string

const (
	SourceInitialized         Type = "SOURCE_INITIALIZED"
	ItemListReceived          Type = "ITEM_LIST_RECEIVED"
	KnowledgeInitialized      Type = "KNOWLEDGE_INITIALIZED"
	KnowledgeChunkReceived    Type = "KNOWLEDGE_CHUNK_RECEIVED"
	KnowledgeContentRetrieved Type = "KNOWLEDGE_CONTENT_RETRIEVED"
	RefreshRequested          Type = "REFRESH_REQUESTED"
	DeleteRequested           Type = "DELETE_REQUESTED"
)

// Event is one step of the ingestion pipeline. ID is the idempotency key:
// redeliveries of the same event carry the same ID.
type Event struct {
	ID           string               `json:"id"`
	Type         Type                 `json:"type"`
	DataSourceID string               `json:"data_source_id,omitempty"`
	KnowledgeID  string               `json:"knowledge_id,omitempty"`
	SourceType   model.DataSourceType `json:"source_type,omitempty"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
	Attempt      int                  `json:"attempt"`
	CreatedAt    time.Time            `json:"created_at"`
}

func New(t Type, dataSourceID string, sourceType model.DataSourceType) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         t,
		DataSourceID: dataSourceID,
		SourceType:   sourceType,
		CreatedAt:    time.Now().UTC(),
	}
}

func (e Event) WithKnowledge(id string) Event {
	e.KnowledgeID = id
	return e
}

func (e Event) WithPayload(payload json.RawMessage) Event {
	e.Payload = payload
	return e
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Handler interface {
	Handle(ctx context.Context, e Event) error
}

type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}
