// Package health runs periodic dependency checks with auto-recovery.
package health

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cerebrum-dev/cerebrum/internal/infra/healing"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
	"github.com/cerebrum-dev/cerebrum/internal/infra/sqlite"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	timeout  time.Duration
}

// Deps are the components the standard checks cover. Nil fields are skipped.
type Deps struct {
	DB         *sqlite.DB
	Redis      redis.UniversalClient   // idempotency, counters, dedup
	LockNodes  []redis.UniversalClient // quorum lock nodes
	SitesDir   string
	Generation *healing.Breaker
}

// NewChecker creates a health checker with the standard checks.
func NewChecker(deps Deps, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	c := &Checker{interval: interval, timeout: 5 * time.Second}

	if deps.DB != nil {
		c.Add(Check{
			Name:    "sqlite",
			CheckFn: func(ctx context.Context) error { return deps.DB.Ping() },
		})
	}
	if deps.Redis != nil {
		c.Add(Check{
			Name:    "redis",
			CheckFn: func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
		})
	}
	if len(deps.LockNodes) > 0 {
		nodes := deps.LockNodes
		c.Add(Check{
			Name:    "lock_quorum",
			CheckFn: func(ctx context.Context) error { return checkQuorum(ctx, nodes) },
		})
	}
	if deps.SitesDir != "" {
		dir := deps.SitesDir
		c.Add(Check{
			Name:    "sites_dir",
			CheckFn: func(ctx context.Context) error { return checkDir(dir) },
			RecoverFn: func(ctx context.Context) error {
				return os.MkdirAll(dir, 0o755)
			},
		})
	}
	if deps.Generation != nil {
		b := deps.Generation
		c.Add(Check{
			Name: "text_generation",
			CheckFn: func(ctx context.Context) error {
				if s := b.State(); s == healing.Open {
					return fmt.Errorf("circuit %s", s)
				}
				return nil
			},
		})
	}
	return c
}

// Add registers an extra check.
func (c *Checker) Add(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	timeout := c.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	statuses := make([]Status, len(checks))
	for i, check := range checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := check.CheckFn(cctx)
		if err != nil {
			s.Error = err.Error()
			log.Printf("[health] %s unhealthy: %v", check.Name, err)
			// Attempt recovery
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(cctx); rerr != nil {
					log.Printf("[health] %s recovery failed: %v", check.Name, rerr)
				}
			}
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		cancel()
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// checkQuorum fails when fewer than a majority of lock nodes answer.
func checkQuorum(ctx context.Context, nodes []redis.UniversalClient) error {
	up := 0
	for _, n := range nodes {
		if n.Ping(ctx).Err() == nil {
			up++
		}
	}
	if quorum := len(nodes)/2 + 1; up < quorum {
		return fmt.Errorf("%d/%d lock nodes reachable, quorum is %d", up, len(nodes), quorum)
	}
	return nil
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
