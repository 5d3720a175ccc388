package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
)

// ─── Browser Interface ──────────────────────────────────────────────────────
// This abstracts the headless browser. Production uses chromedp; tests use a
// fake implementation.

// Browser is a running headless browser.
type Browser interface {
	// Observe opens url in a new page, sends every runtime event to sink
	// until the observation window closes, then closes the page.
	Observe(ctx context.Context, url string, sink chan<- domain.ErrorEvent) error
	Close() error
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// ─── Session Manager (lazy + reference counting) ────────────────────────────

// SessionManager owns at most one browser. It is launched on first use,
// shared by concurrent callers and closed by the idle reaper once nobody
// holds it.
type SessionManager struct {
	mu       sync.Mutex
	launcher Launcher
	browser  Browser
	refs     int
	lastUsed time.Time
	closed   bool
	pending  *launch // in-flight launch, nil when none

	idleTimeout  time.Duration
	reapInterval time.Duration
	now          func() time.Time
}

// launch is one Launcher call shared by every Acquire that arrives while it runs.
type launch struct {
	done chan struct{}
	err  error
}

// Session is returned by Acquire. Caller MUST call Release() (use defer).
type Session struct {
	browser Browser
	mgr     *SessionManager
	once    sync.Once
}

// NewSessionManager creates a manager that closes the browser after idleTimeout.
func NewSessionManager(launcher Launcher, idleTimeout time.Duration) *SessionManager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	reap := idleTimeout / 3
	if reap < 100*time.Millisecond {
		reap = 100 * time.Millisecond
	}
	return &SessionManager{
		launcher:     launcher,
		idleTimeout:  idleTimeout,
		reapInterval: reap,
		now:          time.Now,
	}
}

// Acquire returns the shared browser, launching it if none is running. The
// launch runs outside the manager lock; concurrent callers wait for it and
// share its result. A launch failure is returned as ErrMonitorLaunch and is
// not retried until the next call.
func (m *SessionManager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrMonitorClosed
	}
	if m.browser != nil {
		defer m.mu.Unlock()
		return m.hold(), nil
	}
	if l := m.pending; l != nil {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
		}
		if l.err != nil {
			return nil, l.err
		}
		return m.Acquire(ctx)
	}

	l := &launch{done: make(chan struct{})}
	m.pending = l
	m.mu.Unlock()

	b, err := m.launcher.Launch(ctx)

	m.mu.Lock()
	m.pending = nil
	switch {
	case err != nil:
		log.Printf("[monitor] browser launch failed: %v", err)
		l.err = fmt.Errorf("%w: %v", domain.ErrMonitorLaunch, err)
	case m.closed:
		l.err = domain.ErrMonitorClosed
	default:
		m.browser = b
		metrics.BrowserSessions.Set(1)
		log.Printf("[monitor] browser session started")
	}
	var s *Session
	if l.err == nil {
		s = m.hold()
	}
	close(l.done)
	m.mu.Unlock()

	if l.err != nil {
		if err == nil {
			b.Close()
		}
		return nil, l.err
	}
	return s, nil
}

// hold takes a reference on the running browser. Caller holds m.mu.
func (m *SessionManager) hold() *Session {
	m.refs++
	m.lastUsed = m.now()
	return &Session{browser: m.browser, mgr: m}
}

// Browser returns the underlying browser.
func (s *Session) Browser() Browser { return s.browser }

// Release drops the reference. Safe to call more than once.
func (s *Session) Release() {
	s.once.Do(func() {
		m := s.mgr
		m.mu.Lock()
		m.refs--
		m.lastUsed = m.now()
		m.mu.Unlock()
	})
}

// Active reports whether a browser is running, and how many holders it has.
func (m *SessionManager) Active() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil, m.refs
}

// IdleReaper runs in background, closing the browser once it has no holders
// and has been idle longer than the idle timeout.
func (m *SessionManager) IdleReaper(ctx context.Context) {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle closes an idle browser. Reports whether it did.
func (m *SessionManager) reapIdle() bool {
	m.mu.Lock()
	if m.browser == nil || m.refs > 0 || m.now().Sub(m.lastUsed) <= m.idleTimeout {
		m.mu.Unlock()
		return false
	}
	b := m.browser
	m.browser = nil
	m.mu.Unlock()

	log.Printf("[monitor] closing idle browser session")
	m.teardown(b)
	return true
}

// Close shuts the browser down and refuses further sessions.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	m.closed = true
	b := m.browser
	m.browser = nil
	m.mu.Unlock()

	if b == nil {
		return nil
	}
	return m.teardown(b)
}

// teardown is the single path that closes a browser.
func (m *SessionManager) teardown(b Browser) error {
	metrics.BrowserSessions.Set(0)
	if err := b.Close(); err != nil {
		log.Printf("[monitor] browser close: %v", err)
		return err
	}
	return nil
}
