package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore keeps executed_task markers in the shared Redis node.
// Markers carry a TTL so a crashed batch that never reached cleanup cannot
// pin a project forever.
type IdempotencyStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewIdempotencyStore creates a store. ttl <= 0 means markers never expire.
func NewIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

// IsExecuted reports whether taskKey already ran for projectID.
func (s *IdempotencyStore) IsExecuted(ctx context.Context, projectID, taskKey string) (bool, error) {
	n, err := s.client.Exists(ctx, ExecutedKey(projectID, taskKey)).Result()
	if err != nil {
		return false, fmt.Errorf("check executed %s/%s: %w", projectID, taskKey, err)
	}
	return n > 0, nil
}

// MarkExecuted records that taskKey completed for projectID.
func (s *IdempotencyStore) MarkExecuted(ctx context.Context, projectID, taskKey string) error {
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, ExecutedKey(projectID, taskKey), "true", ttl).Err(); err != nil {
		return fmt.Errorf("mark executed %s/%s: %w", projectID, taskKey, err)
	}
	return nil
}

// ClearAll deletes every executed_task marker for projectID.
func (s *IdempotencyStore) ClearAll(ctx context.Context, projectID string) (int, error) {
	return deletePrefix(ctx, s.client, ExecutedKey(projectID, ""))
}
