package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"aiknowledge/internal/pkg/logger"
)

var ErrNoSubscriber = errors.New("local bus has no subscriber")

// LocalBus delivers events to a handler on background goroutines. It backs
// single-process runs and tests; Wait blocks until the pipeline is idle.
type LocalBus struct {
	mu      sync.RWMutex
	handler Handler
	wg      sync.WaitGroup
	ctx     context.Context
	logger  *slog.Logger
}

func NewLocalBus(ctx context.Context, log *slog.Logger) *LocalBus {
	if log == nil {
		log = logger.Discard()
	}
	return &LocalBus{ctx: context.WithoutCancel(ctx), logger: log.With("component", "local-bus")}
}

func (b *LocalBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *LocalBus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h == nil {
		return ErrNoSubscriber
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := h.Handle(b.ctx, e); err != nil {
			b.logger.Error("local event failed", "event_id", e.ID, "type", e.Type, "err", err)
		}
	}()
	return nil
}

func (b *LocalBus) Wait() {
	b.wg.Wait()
}
