package cache

import (
	"context"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

const (
	markerProcessing = "processing"
	markerDone       = "done"
)

// EventMarker stores per-event idempotency markers in redis.
type EventMarker struct {
	client        *redisv9.Client
	processingTTL time.Duration
	doneTTL       time.Duration
}

func NewEventMarker(client *redisv9.Client, processingTTL, doneTTL time.Duration) *EventMarker {
	if processingTTL <= 0 {
		processingTTL = 10 * time.Minute
	}
	if doneTTL <= 0 {
		doneTTL = 24 * time.Hour
	}
	return &EventMarker{client: client, processingTTL: processingTTL, doneTTL: doneTTL}
}

func (m *EventMarker) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key(eventID), markerProcessing, m.processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim event failed: %w", err)
	}
	return ok, nil
}

func (m *EventMarker) Complete(ctx context.Context, eventID string) error {
	if err := m.client.Set(ctx, m.key(eventID), markerDone, m.doneTTL).Err(); err != nil {
		return fmt.Errorf("redis complete event failed: %w", err)
	}
	return nil
}

func (m *EventMarker) Release(ctx context.Context, eventID string) error {
	if err := m.client.Del(ctx, m.key(eventID)).Err(); err != nil {
		return fmt.Errorf("redis release event failed: %w", err)
	}
	return nil
}

func (m *EventMarker) key(eventID string) string {
	return fmt.Sprintf("knowledge:event:%s", eventID)
}
