package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

func newCluster(t *testing.T, n int) ([]*miniredis.Miniredis, []redis.UniversalClient) {
	t.Helper()
	var nodes []*miniredis.Miniredis
	var clients []redis.UniversalClient
	for i := 0; i < n; i++ {
		mr := miniredis.RunT(t)
		c := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { c.Close() })
		nodes = append(nodes, mr)
		clients = append(clients, c)
	}
	return nodes, clients
}

func testConfig() Config {
	return Config{
		TTL:             5 * time.Second,
		ExtendThreshold: time.Second,
		Tries:           1,
		RetryDelay:      10 * time.Millisecond,
	}
}

func TestAcquire_ExclusiveUntilRelease(t *testing.T) {
	_, clients := newCluster(t, 3)
	c := NewCoordinator(clients, testConfig())
	ctx := context.Background()

	h, err := c.Acquire(ctx, "lock:p1:index.html", 0)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	_, err = c.Acquire(ctx, "lock:p1:index.html", 0)
	if !errors.Is(err, domain.ErrLockBusy) {
		t.Fatalf("second Acquire() error = %v, want ErrLockBusy", err)
	}

	// Other keys are independent
	other, err := c.Acquire(ctx, "lock:p1:script.js", 0)
	if err != nil {
		t.Fatalf("Acquire(other) error: %v", err)
	}
	defer other.Release(ctx)

	if err := c.Release(ctx, h); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	// Idempotent
	if err := h.Release(ctx); err != nil {
		t.Errorf("second Release() error: %v", err)
	}

	h2, err := c.Acquire(ctx, "lock:p1:index.html", 0)
	if err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	h2.Release(ctx)
}

func TestAcquire_QuorumToleratesMinorityFailure(t *testing.T) {
	nodes, clients := newCluster(t, 3)
	c := NewCoordinator(clients, testConfig())
	ctx := context.Background()

	if c.Quorum() != 2 {
		t.Fatalf("Quorum() = %d, want 2", c.Quorum())
	}

	nodes[2].Close()
	h, err := c.Acquire(ctx, "lock:p1:a.js", 0)
	if err != nil {
		t.Fatalf("Acquire() with 2/3 nodes error: %v", err)
	}
	h.Release(ctx)

	nodes[1].Close()
	if _, err := c.Acquire(ctx, "lock:p1:b.js", 0); !errors.Is(err, domain.ErrLockBusy) {
		t.Errorf("Acquire() with 1/3 nodes error = %v, want ErrLockBusy", err)
	}
}

func TestAcquire_ExpiresWhenHolderDies(t *testing.T) {
	nodes, clients := newCluster(t, 3)
	cfg := testConfig()
	cfg.TTL = 30 * time.Second
	cfg.ExtendThreshold = 5 * time.Second
	c := NewCoordinator(clients, cfg)
	ctx := context.Background()

	crashed, err := c.Acquire(ctx, "lock:p1:index.html", 0)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	// The holder never extends before the TTL elapses on the nodes
	for _, n := range nodes {
		n.FastForward(31 * time.Second)
	}

	h, err := c.Acquire(ctx, "lock:p1:index.html", 0)
	if err != nil {
		t.Fatalf("Acquire() after expiry error: %v", err)
	}
	defer h.Release(ctx)

	// The stale holder cannot unlock the new owner's lock
	if err := crashed.Release(ctx); err == nil {
		t.Error("stale Release() should report the lock as lost")
	}
	if _, err := c.Acquire(ctx, "lock:p1:index.html", 0); !errors.Is(err, domain.ErrLockBusy) {
		t.Errorf("lock should still be held by the new owner, got %v", err)
	}
}

func TestHandle_AutoExtends(t *testing.T) {
	nodes, clients := newCluster(t, 3)
	cfg := testConfig()
	cfg.TTL = 2 * time.Second
	cfg.ExtendThreshold = 1900 * time.Millisecond
	c := NewCoordinator(clients, cfg)
	ctx := context.Background()

	h, err := c.Acquire(ctx, "lock:p1:slow.js", 0)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer h.Release(ctx)

	for _, n := range nodes {
		n.FastForward(1800 * time.Millisecond)
	}
	time.Sleep(400 * time.Millisecond)

	for i, n := range nodes {
		if ttl := n.TTL("lock:p1:slow.js"); ttl < time.Second {
			t.Errorf("node %d TTL = %v, want refreshed by extension", i, ttl)
		}
	}
	select {
	case <-h.Lost():
		t.Error("lock reported lost while nodes are healthy")
	default:
	}
}

func TestHandle_LostWhenExtensionFails(t *testing.T) {
	nodes, clients := newCluster(t, 3)
	cfg := testConfig()
	cfg.TTL = 2 * time.Second
	cfg.ExtendThreshold = 1900 * time.Millisecond
	c := NewCoordinator(clients, cfg)

	h, err := c.Acquire(context.Background(), "lock:p1:x.js", 0)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	nodes[0].Close()
	nodes[1].Close()

	select {
	case <-h.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("Lost() not closed after quorum loss")
	}
}
