package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aiknowledge/internal/cache"
	"aiknowledge/internal/pkg/logger"
)

// Locker serializes a job across replicas.
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs periodic maintenance jobs such as the stale-poll sweep.
// A nil locker runs jobs without cross-replica exclusion.
type Scheduler struct {
	jobs   []Job
	locker Locker
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(locker Locker, log *slog.Logger, jobs ...Job) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{jobs: jobs, locker: locker, logger: log.With("component", "scheduler")}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.logger.Warn("job disabled", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-schedCtx.Done():
					return
				case <-ticker.C:
					if err := s.run(schedCtx, job); err != nil {
						s.logger.Error("job failed", "job", job.Name, "err", err)
					}
				}
			}
		}(job)
	}
}

// RunOnce runs the named job immediately.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.run(ctx, job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	if s.locker == nil {
		return job.Run(ctx)
	}
	err := s.locker.WithLock(ctx, job.Name, max(job.Interval, time.Minute), job.Run)
	if errors.Is(err, cache.ErrLockHeld) {
		s.logger.Debug("job running elsewhere", "job", job.Name)
		return nil
	}
	return err
}

func (s *Scheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
