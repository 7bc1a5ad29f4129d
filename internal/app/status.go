package app

import (
	"context"
	"fmt"
	"time"

	"aiknowledge/internal/model"
)

const defaultAggregateAttempts = 5

// Progress is the derived state of a DataSource.
type Progress struct {
	Status     model.IndexStatus
	Percentage int
}

// AggregateStatus derives a parent's status from its children. FAILED wins
// over PARTIALLY_COMPLETED, which wins over COMPLETED. A source with no
// children is complete.
func AggregateStatus(children []model.IndexStatus) Progress {
	total := len(children)
	if total == 0 {
		return Progress{Status: model.IndexStatusCompleted, Percentage: 100}
	}

	var completed, partial, failed int
	for _, s := range children {
		switch s {
		case model.IndexStatusCompleted:
			completed++
		case model.IndexStatusPartiallyCompleted:
			partial++
		case model.IndexStatusFailed:
			failed++
		}
	}

	p := Progress{Percentage: 100 * completed / total}
	switch {
	case failed > 0:
		p.Status = model.IndexStatusFailed
	case partial > 0:
		p.Status = model.IndexStatusPartiallyCompleted
	case completed == total:
		p.Status = model.IndexStatusCompleted
	default:
		p.Status = model.IndexStatusIndexing
	}
	return p
}

// aggregate recomputes one DataSource from its children. The version is read
// before the children so a concurrent writer forces a retry instead of being
// overwritten with older counts.
func (s *IngestionService) aggregate(ctx context.Context, dataSourceID string) error {
	for attempt := 0; attempt < s.cfg.AggregateAttempts; attempt++ {
		ds, err := s.sources.GetByID(ctx, dataSourceID)
		if err != nil {
			return err
		}
		if ds == nil {
			return nil
		}

		statuses, err := s.knowledge.ListStatusesByDataSourceID(ctx, dataSourceID)
		if err != nil {
			return err
		}
		p := AggregateStatus(statuses)

		now := s.now()
		var lastIndexedAt *time.Time
		if p.Status != model.IndexStatusIndexing {
			lastIndexedAt = &now
		}

		ok, err := s.sources.UpdateIndexProgress(ctx, ds.ID, ds.Version, p.Status, p.Percentage, lastIndexedAt, now)
		if err != nil {
			return err
		}
		if ok {
			if p.Status != ds.IndexStatus {
				s.logger.Info("data source status changed",
					"data_source_id", ds.ID, "from", ds.IndexStatus, "to", p.Status, "percentage", p.Percentage)
			}
			return nil
		}
	}
	return fmt.Errorf("aggregate %s: %w", dataSourceID, ErrAggregationConflict)
}
