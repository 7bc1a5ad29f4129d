package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/pkg/retry"
)

// Marker records which events were handled so redeliveries are skipped.
type Marker interface {
	// Claim reports false when the event is already being handled or done.
	Claim(ctx context.Context, eventID string) (bool, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

// Dispatcher runs a handler at most once per event ID and retries the
// failures the policy considers transient.
type Dispatcher struct {
	handler Handler
	marker  Marker
	policy  retry.Policy
	logger  *slog.Logger
}

func NewDispatcher(handler Handler, marker Marker, policy retry.Policy, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{handler: handler, marker: marker, policy: policy, logger: log.With("component", "dispatcher")}
}

func (d *Dispatcher) Handle(ctx context.Context, e Event) error {
	claimed, err := d.marker.Claim(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("claim event failed: %w", err)
	}
	if !claimed {
		d.logger.Info("skipping duplicate event", "event_id", e.ID, "type", e.Type)
		return nil
	}

	started := time.Now()
	err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.handler.Handle(ctx, e)
	})
	if err != nil {
		if releaseErr := d.marker.Release(ctx, e.ID); releaseErr != nil {
			d.logger.Warn("release event marker failed", "event_id", e.ID, "err", releaseErr)
		}
		d.logger.Error("event handling failed", "event_id", e.ID, "type", e.Type, "attempt", e.Attempt, "err", err)
		return err
	}
	if err := d.marker.Complete(ctx, e.ID); err != nil {
		d.logger.Warn("complete event marker failed", "event_id", e.ID, "err", err)
	}
	d.logger.Debug("event handled", "event_id", e.ID, "type", e.Type, "elapsed", time.Since(started))
	return nil
}

// MemoryMarker is the in-process Marker used with the local bus.
type MemoryMarker struct {
	mu    sync.Mutex
	state map[string]bool
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{state: map[string]bool{}}
}

func (m *MemoryMarker) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state[id]; ok {
		return false, nil
	}
	m.state[id] = false
	return true, nil
}

func (m *MemoryMarker) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[id] = true
	return nil
}

func (m *MemoryMarker) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, id)
	return nil
}
