// Package lock implements the distributed lock coordinator.
// Locks use the Redlock algorithm over N independent Redis nodes: a lock is
// valid only while a majority of nodes agree it is held, so a single faulty
// node cannot hand the same key to two workers.
//
// Lifecycle:
//   - Acquire → bounded tries → Handle (or ErrLockBusy)
//   - Handle auto-extends the TTL while the holder is alive
//   - Release stops extension and unlocks; a crashed holder's lock expires
package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
)

// Config configures lock acquisition and auto-extension.
type Config struct {
	TTL             time.Duration // default lock lifetime
	ExtendThreshold time.Duration // extend when this much validity remains
	Tries           int           // acquisition attempts before reporting busy
	RetryDelay      time.Duration // delay between acquisition attempts
}

// DefaultConfig returns production lock defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             30 * time.Second,
		ExtendThreshold: 10 * time.Second,
		Tries:           3,
		RetryDelay:      200 * time.Millisecond,
	}
}

// Coordinator hands out quorum locks.
type Coordinator struct {
	rs     *redsync.Redsync
	config Config
	nodes  int
}

// NewCoordinator creates a coordinator over independent Redis nodes.
// Use an odd number of nodes; quorum is nodes/2+1.
func NewCoordinator(clients []redis.UniversalClient, cfg Config) *Coordinator {
	pools := make([]redsyncredis.Pool, 0, len(clients))
	for _, c := range clients {
		pools = append(pools, goredis.NewPool(c))
	}
	if cfg.Tries <= 0 {
		cfg.Tries = 1
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.ExtendThreshold <= 0 || cfg.ExtendThreshold >= cfg.TTL {
		cfg.ExtendThreshold = cfg.TTL / 3
	}
	return &Coordinator{
		rs:     redsync.New(pools...),
		config: cfg,
		nodes:  len(pools),
	}
}

// Nodes returns the number of backing nodes.
func (c *Coordinator) Nodes() int { return c.nodes }

// Quorum returns the number of nodes that must agree.
func (c *Coordinator) Quorum() int { return c.nodes/2 + 1 }

// Acquire takes the lock for key. ttl <= 0 uses the configured TTL.
// Returns an error wrapping domain.ErrLockBusy when another holder owns the key
// or a quorum could not be reached within the configured tries.
func (c *Coordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	threshold := c.config.ExtendThreshold
	if threshold >= ttl {
		threshold = ttl / 3
	}

	mutex := c.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(c.config.Tries),
		redsync.WithRetryDelay(c.config.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			metrics.LockAcquisitions.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
		metrics.LockAcquisitions.WithLabelValues("busy").Inc()
		return nil, fmt.Errorf("%w: %s (%v)", domain.ErrLockBusy, key, err)
	}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()

	h := &Handle{
		key:       key,
		mutex:     mutex,
		ttl:       ttl,
		threshold: threshold,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		lost:      make(chan struct{}),
	}
	go h.keepAlive()
	return h, nil
}

// Release unlocks a lease returned by Acquire. Safe to call more than once.
func (c *Coordinator) Release(ctx context.Context, l domain.Lease) error {
	if l == nil {
		return nil
	}
	return l.Release(ctx)
}

// ─── Handle ─────────────────────────────────────────────────────────────────

// Handle is a held lock. Caller MUST call Release() (use defer).
type Handle struct {
	key       string
	mutex     *redsync.Mutex
	ttl       time.Duration
	threshold time.Duration

	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
	once     sync.Once
	err      error
}

// Key returns the locked key.
func (h *Handle) Key() string { return h.key }

// Lost is closed when an extension fails and the lock can no longer be trusted.
func (h *Handle) Lost() <-chan struct{} { return h.lost }

// keepAlive extends the lock whenever threshold validity remains.
func (h *Handle) keepAlive() {
	defer close(h.done)

	timer := time.NewTimer(h.nextExtension())
	defer timer.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.threshold)
			ok, err := h.mutex.ExtendContext(ctx)
			cancel()
			if err != nil || !ok {
				metrics.LockExtensions.WithLabelValues("failed").Inc()
				log.Printf("[lock] WARNING: failed to extend %s: ok=%v err=%v, lock may expire", h.key, ok, err)
				h.lostOnce.Do(func() { close(h.lost) })
				return
			}
			metrics.LockExtensions.WithLabelValues("ok").Inc()
			timer.Reset(h.nextExtension())
		}
	}
}

func (h *Handle) nextExtension() time.Duration {
	d := time.Until(h.mutex.Until()) - h.threshold
	if d <= 0 {
		d = h.ttl / 10
	}
	return d
}

// Release stops auto-extension and unlocks on all nodes.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		close(h.stop)
		<-h.done

		ok, err := h.mutex.UnlockContext(ctx)
		if err != nil {
			h.err = fmt.Errorf("unlock %s: %w", h.key, err)
			return
		}
		if !ok {
			h.err = fmt.Errorf("unlock %s: lock no longer held", h.key)
		}
	})
	return h.err
}
