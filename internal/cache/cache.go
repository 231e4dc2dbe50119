package cache

import (
	"context"
	"time"
)

// AnalyticsCache holds serialized analytics payloads keyed by query shape.
// Entries are advisory: a miss or an error always falls through to the
// repository.
type AnalyticsCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

type NoopAnalyticsCache struct{}

func (NoopAnalyticsCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopAnalyticsCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}
