package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"aiknowledge/internal/model"
)

// Source is the adapter's view of a DataSource.
type Source struct {
	ID          string
	OrgID       string
	OwnerUserID string
	Type        model.DataSourceType
	Config      json.RawMessage
}

func SourceOf(ds *model.DataSource) Source {
	return Source{
		ID:          ds.ID,
		OrgID:       ds.OrgID,
		OwnerUserID: ds.OwnerUserID,
		Type:        ds.Type,
		Config:      json.RawMessage(ds.Config),
	}
}

// Item is one listed unit. Key must be stable across listings of the same source.
type Item struct {
	Key      string
	Name     string
	Type     string
	Metadata map[string]any
}

// IndexResult is the outcome of one indexing step for a unit. Metadata is
// merged into the unit's existing metadata.
type IndexResult struct {
	Status           model.IndexStatus
	Metadata         map[string]any
	ExtractedBlobRef string
}

// Adapter connects one kind of external source to the ingestion pipeline.
type Adapter interface {
	Type() model.DataSourceType
	// Async adapters finish units out of band and rely on events or polling.
	Async() bool
	ListItems(ctx context.Context, src Source) ([]Item, error)
	IndexItem(ctx context.Context, k *model.Knowledge, src Source) (*IndexResult, error)
	PollStatus(ctx context.Context, k *model.Knowledge) (*IndexResult, error)
	HandleAsyncEvent(ctx context.Context, k *model.Knowledge, payload json.RawMessage) (*IndexResult, error)
	DeleteItem(ctx context.Context, knowledgeID string) error
}

// ConfigPreparer is implemented by adapters that validate, and possibly
// rewrite, the config a user submits before it is stored.
type ConfigPreparer interface {
	PrepareConfig(raw json.RawMessage) (json.RawMessage, error)
}

// CurrentState reports a unit as it is, for polls that have nothing to do.
func CurrentState(k *model.Knowledge) *IndexResult {
	return &IndexResult{Status: k.IndexStatus}
}

// DecodeConfig unmarshals a source's config blob into v.
func DecodeConfig(src Source, v any) error {
	if len(src.Config) == 0 {
		return fmt.Errorf("%w: empty config", ErrInvalidConfig)
	}
	if err := json.Unmarshal(src.Config, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

type Registry struct {
	adapters map[model.DataSourceType]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.DataSourceType]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

func (r *Registry) Get(t model.DataSourceType) (Adapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", ErrUnsupported, t)
	}
	return a, nil
}

func (r *Registry) AsyncTypes() []model.DataSourceType {
	var types []model.DataSourceType
	for t, a := range r.adapters {
		if a.Async() {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
