package kv

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
)

// decrementScript refuses to take the counter below zero. It returns -1 when
// the counter was already zero and deletes the key when it reaches zero.
var decrementScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v <= 0 then
	return -1
end
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
	redis.call("DEL", KEYS[1])
end
return n
`)

// IssueCounter is the per-project UnresolvedIssueCount.
type IssueCounter struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewIssueCounter creates a counter whose keys expire ttl after the last increment.
func NewIssueCounter(client redis.UniversalClient, ttl time.Duration) *IssueCounter {
	return &IssueCounter{client: client, ttl: ttl}
}

// Increment marks one more issue as in triage and returns the new count.
func (c *IssueCounter) Increment(ctx context.Context, projectID string) (int64, error) {
	key := UnresolvedKey(projectID)
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		if c.ttl > 0 {
			p.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	n := incr.Val()
	metrics.UnresolvedIssues.WithLabelValues(projectID).Set(float64(n))
	return n, nil
}

// Decrement marks one issue as triaged and returns the new count. When the
// count is already zero it stays zero, a warning is logged and
// ErrCounterUnderflow is returned alongside 0.
func (c *IssueCounter) Decrement(ctx context.Context, projectID string) (int64, error) {
	key := UnresolvedKey(projectID)
	n, err := decrementScript.Run(ctx, c.client, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("decrement %s: %w", key, err)
	}
	if n < 0 {
		log.Printf("[counter] WARNING: decrement of %s below zero ignored, unbalanced increment/decrement", key)
		metrics.CounterUnderflows.Inc()
		metrics.UnresolvedIssues.WithLabelValues(projectID).Set(0)
		return 0, domain.ErrCounterUnderflow
	}
	metrics.UnresolvedIssues.WithLabelValues(projectID).Set(float64(n))
	return n, nil
}

// Get returns the current count, 0 when unset.
func (c *IssueCounter) Get(ctx context.Context, projectID string) (int64, error) {
	n, err := c.client.Get(ctx, UnresolvedKey(projectID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", UnresolvedKey(projectID), err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// Reset drops the counter for projectID.
func (c *IssueCounter) Reset(ctx context.Context, projectID string) error {
	return c.client.Del(ctx, UnresolvedKey(projectID)).Err()
}

// ─── Repair Iterations ──────────────────────────────────────────────────────

// RepairIterations counts failed verification cycles per project. It advances
// once per re-observation that still finds critical errors, however many
// errors that observation produced.
type RepairIterations struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRepairIterations creates an iteration counter.
func NewRepairIterations(client redis.UniversalClient, ttl time.Duration) *RepairIterations {
	return &RepairIterations{client: client, ttl: ttl}
}

// Get returns the number of completed cycles for projectID, 0 when unset.
func (r *RepairIterations) Get(ctx context.Context, projectID string) (int64, error) {
	n, err := r.client.Get(ctx, repairKey(projectID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", repairKey(projectID), err)
	}
	return n, nil
}

// Next increments and returns the cycle count for projectID.
func (r *RepairIterations) Next(ctx context.Context, projectID string) (int64, error) {
	key := repairKey(projectID)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Reset clears the iteration count after a verified stable build.
func (r *RepairIterations) Reset(ctx context.Context, projectID string) error {
	return r.client.Del(ctx, repairKey(projectID)).Err()
}
