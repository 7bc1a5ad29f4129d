package app

import (
	"context"

	"github.com/google/uuid"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/events"
	"aiknowledge/internal/model"
	"aiknowledge/internal/repository"
)

// handleRefreshRequested re-lists a source. New items become units,
// vanished items are deleted through the adapter, and settled units are
// reset so the following ITEM_LIST_RECEIVED indexes everything again.
func (s *IngestionService) handleRefreshRequested(ctx context.Context, e events.Event) error {
	ds, a, err := s.resolve(ctx, e.DataSourceID)
	if err != nil || ds == nil {
		return err
	}

	items, err := s.listItems(ctx, ds, a)
	if err != nil {
		// existing units keep their state; the source status stays derived from them
		s.logger.Error("refresh listing failed", "data_source_id", ds.ID, "kind", adapter.Kind(err), "err", err)
		return s.aggregate(ctx, ds.ID)
	}
	listed := make(map[string]bool, len(items))
	for _, it := range items {
		listed[it.Key] = true
	}

	existing, err := s.knowledge.ListByDataSourceID(ctx, ds.ID)
	if err != nil {
		return err
	}
	var vanished []string
	for _, k := range existing {
		if listed[k.SourceKey] {
			continue
		}
		if err := a.DeleteItem(ctx, k.ID); err != nil {
			s.logger.Warn("delete vanished item failed", "data_source_id", ds.ID, "knowledge_id", k.ID, "err", err)
		}
		vanished = append(vanished, k.ID)
	}
	if err := s.knowledge.DeleteByIDs(ctx, ds.ID, vanished); err != nil {
		return err
	}

	created, err := s.createUnits(ctx, ds, items)
	if err != nil {
		return err
	}

	reset := 0
	for _, k := range existing {
		if !listed[k.SourceKey] || !k.IndexStatus.Terminal() {
			continue
		}
		meta := model.MergeMetadata(k.Metadata, nil)
		delete(meta, model.MetaErrors)
		ok, err := s.knowledge.Transition(ctx, k.ID, model.TerminalStatuses, repository.KnowledgeUpdate{
			Status:   model.IndexStatusInitialized,
			Metadata: meta,
		})
		if err != nil {
			return err
		}
		if ok {
			reset++
		}
	}
	s.logger.Info("data source refreshed", "data_source_id", ds.ID,
		"created", created, "removed", len(vanished), "reset", reset)

	if err := s.aggregate(ctx, ds.ID); err != nil {
		return err
	}
	return s.publish(ctx, events.New(events.ItemListReceived, ds.ID, ds.Type))
}

// RefreshDue requests a refresh for every source whose refresh period has
// elapsed. The event id is derived from the source and its last index time,
// so repeated checks before the refresh runs are deduplicated downstream.
func (s *IngestionService) RefreshDue(ctx context.Context) (int, error) {
	due, err := s.sources.ListDueForRefresh(ctx, s.now())
	if err != nil {
		return 0, err
	}

	requested := 0
	for _, ds := range due {
		e := events.New(events.RefreshRequested, ds.ID, ds.Type)
		e.ID = refreshEventID(&ds)
		if err := s.publish(ctx, e); err != nil {
			return requested, err
		}
		requested++
	}
	if requested > 0 {
		s.logger.Info("scheduled refreshes requested", "count", requested)
	}
	return requested, nil
}

func refreshEventID(ds *model.DataSource) string {
	name := ds.ID + "/refresh"
	if ds.LastIndexedAt != nil {
		name += "/" + ds.LastIndexedAt.UTC().Format("20060102T150405.000000000")
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
