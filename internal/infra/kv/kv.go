// Package kv holds the Redis-backed state shared by every worker process:
// idempotency markers, unresolved-issue counters, the error dedup window and
// repair iteration counters. All keys are namespaced per project so a project's
// state can be cleared as a set.
package kv

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Key prefixes. Lock keys live here too so the whole layout is in one place.
const (
	lockPrefix       = "lock"
	executedPrefix   = "executed_task"
	unresolvedPrefix = "unresolvedIssues"
	dedupPrefix      = "errdedup"
	repairPrefix     = "repairIterations"
)

// joinKey builds prefix:seg1:seg2... with every segment query-escaped, so a
// ':' inside a project id or task key cannot shift a segment boundary.
func joinKey(prefix string, segments ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, s := range segments {
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(s))
	}
	return b.String()
}

// LockKey returns lock:{projectID}:{taskKey}.
func LockKey(projectID, taskKey string) string {
	return joinKey(lockPrefix, projectID, taskKey)
}

// ExecutedKey returns executed_task:{projectID}:{taskKey}.
func ExecutedKey(projectID, taskKey string) string {
	return joinKey(executedPrefix, projectID, taskKey)
}

// UnresolvedKey returns unresolvedIssues:{projectID}.
func UnresolvedKey(projectID string) string {
	return joinKey(unresolvedPrefix, projectID)
}

func dedupKey(projectID, key string) string {
	return joinKey(dedupPrefix, projectID, key)
}

func repairKey(projectID string) string {
	return joinKey(repairPrefix, projectID)
}

// NewClient builds a client for a node given as a redis:// URL or host:port.
// It does not connect. password and db apply when the address leaves them unset.
func NewClient(address, password string, db int) (*redis.Client, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	if !strings.Contains(address, "://") {
		address = "redis://" + address
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if options.Password == "" {
		options.Password = password
	}
	if options.DB == 0 {
		options.DB = db
	}
	return redis.NewClient(options), nil
}

// escapeGlob escapes SCAN MATCH metacharacters in a literal key fragment.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// deletePrefix removes every key starting with prefix and returns the count.
func deletePrefix(ctx context.Context, client redis.UniversalClient, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	match := escapeGlob(prefix) + "*"
	for {
		keys, next, err := client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			n, err := client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete %s: %w", prefix, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
