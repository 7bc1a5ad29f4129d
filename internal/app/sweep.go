package app

import (
	"context"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/model"
)

type SweepResult struct {
	DataSourceID string `json:"data_source_id,omitempty"`
	Polled       int    `json:"polled"`
	Settled      int    `json:"settled"`
}

// Sweep recovers at most one async DataSource that has been INDEXING
// without an update for longer than the stale threshold. Each in-flight
// unit is polled and persisted, units that were never started are indexed,
// and the source is re-aggregated. Re-aggregation always bumps the source's
// update time, so stale sources are visited in rotation.
func (s *IngestionService) Sweep(ctx context.Context) (*SweepResult, error) {
	ds, err := s.sources.FindStale(ctx, s.registry.AsyncTypes(), s.now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return &SweepResult{}, nil
	}
	a, err := s.registry.Get(ds.Type)
	if err != nil {
		return nil, err
	}

	units, err := s.knowledge.ListByDataSourceIDAndStatus(ctx, ds.ID, model.NonTerminalStatuses)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{DataSourceID: ds.ID}
	src := adapter.SourceOf(ds)
	for i := range units {
		k := &units[i]
		result.Polled++

		if k.IndexStatus == model.IndexStatusInitialized {
			s.indexUnit(ctx, a, src, k)
			if k.IndexStatus.Terminal() {
				result.Settled++
			}
			continue
		}

		res, err := a.PollStatus(ctx, k)
		if err != nil {
			if adapter.IsTransient(err) {
				s.logger.Warn("poll failed, leaving for next sweep", "knowledge_id", k.ID, "err", err)
				continue
			}
			res = failureResult("poll", err, s.now())
		}
		if res.Status == k.IndexStatus && len(res.Metadata) == 0 {
			continue
		}
		applied, err := s.persist(ctx, k, res)
		if err != nil {
			return result, err
		}
		if applied && res.Status.Terminal() {
			result.Settled++
		}
	}

	if err := s.aggregate(ctx, ds.ID); err != nil {
		return result, err
	}
	s.logger.Info("stale data source swept", "data_source_id", ds.ID, "polled", result.Polled, "settled", result.Settled)
	return result, nil
}
