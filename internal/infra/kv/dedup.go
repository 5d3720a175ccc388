package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupWindow admits the first occurrence of a key per project and rejects
// repeats until the window expires. The window is shared across processes.
type DedupWindow struct {
	client redis.UniversalClient
	window time.Duration
}

// NewDedupWindow creates a window of the given length.
func NewDedupWindow(client redis.UniversalClient, window time.Duration) *DedupWindow {
	return &DedupWindow{client: client, window: window}
}

// Allow returns true the first time key is seen for projectID within the window.
func (d *DedupWindow) Allow(ctx context.Context, projectID, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupKey(projectID, key), 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	return ok, nil
}

// Window returns the configured window length.
func (d *DedupWindow) Window() time.Duration { return d.window }
