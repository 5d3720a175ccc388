// Package healing protects the build loop from a failing dependency.
// A Breaker wraps calls to a slow or flaky collaborator (text generation) and
// stops hammering it once it is clearly down:
//
//   - closed  → consecutive failures reach threshold → open
//   - open    → cooldown elapsed → probing (one call at a time)
//   - probing → probe succeeds → closed, probe fails → open
package healing

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// State is the breaker state.
type State int

const (
	Closed  State = iota // calls pass through
	Open                 // calls rejected with domain.ErrCircuitOpen
	Probing              // a single trial call is allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Probing:
		return "probing"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	FailureThreshold int           // consecutive failures that open the breaker
	Cooldown         time.Duration // time spent open before probing
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	name     string
	config   Config
	state    State
	failures int
	probing  bool
	openedAt time.Time
	trips    int
	now      func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{name: name, config: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open. Context cancellation by the caller
// is not counted as a dependency failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.success()
	case ctx.Err() != nil:
		b.abandon()
	default:
		b.failure()
	}
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.state = Probing
	}
	switch b.state {
	case Open:
		return fmt.Errorf("%s: %w", b.name, domain.ErrCircuitOpen)
	case Probing:
		if b.probing {
			return fmt.Errorf("%s: %w (probe in flight)", b.name, domain.ErrCircuitOpen)
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Probing {
		log.Printf("[healing] %s: probe succeeded, closing", b.name)
	}
	b.state = Closed
	b.failures = 0
	b.probing = false
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == Probing || b.failures >= b.config.FailureThreshold {
		if b.state != Open {
			log.Printf("[healing] %s: opening after %d consecutive failures", b.name, b.failures)
			b.trips++
		}
		b.state = Open
		b.openedAt = b.now()
	}
	b.probing = false
}

func (b *Breaker) abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State returns the current state, moving open → probing once cooled down.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.state = Probing
	}
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	Trips    int       `json:"trips"`
	OpenedAt time.Time `json:"openedAt,omitempty"`
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	st := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:     b.name,
		State:    st.String(),
		Failures: b.failures,
		Trips:    b.trips,
		OpenedAt: b.openedAt,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}
