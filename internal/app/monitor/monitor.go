// Package monitor watches running generated sites in a headless browser and
// reports what goes wrong on each page.
//
//	Report → SessionManager.Acquire → page per target (parallel, bounded)
//	       → per-page event channel → aggregation loop → MonitorReport
package monitor

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
)

// Config configures page observation.
type Config struct {
	ObservationWindow time.Duration // wait after navigation for async output
	NavigationTimeout time.Duration
	MaxParallelPages  int
	IdleTimeout       time.Duration // browser teardown after last use
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ObservationWindow: 2 * time.Second,
		NavigationTimeout: 15 * time.Second,
		MaxParallelPages:  4,
		IdleTimeout:       30 * time.Second,
	}
}

const pageBuffer = 64

// Monitor produces runtime error reports.
type Monitor struct {
	config   Config
	sessions *SessionManager
}

// New creates a monitor over a session manager.
func New(cfg Config, sessions *SessionManager) *Monitor {
	if cfg.MaxParallelPages <= 0 {
		cfg.MaxParallelPages = DefaultConfig().MaxParallelPages
	}
	return &Monitor{config: cfg, sessions: sessions}
}

// Sessions returns the session manager.
func (m *Monitor) Sessions() *SessionManager { return m.sessions }

type pageEvent struct {
	page  int
	event domain.ErrorEvent
}

// Report observes every target under baseURL and aggregates the events.
// Targets are paths relative to baseURL; none means the root page. A page
// that fails to load is recorded in its PageResult and does not fail the
// report. Only a browser that cannot start is an error.
func (m *Monitor) Report(ctx context.Context, baseURL, projectID string, targets []string) (domain.MonitorReport, error) {
	report := domain.MonitorReport{ProjectID: projectID, Events: []domain.ErrorEvent{}}

	urls, err := resolveTargets(baseURL, targets)
	if err != nil {
		return report, err
	}

	sess, err := m.sessions.Acquire(ctx)
	if err != nil {
		return report, err
	}
	defer sess.Release()

	report.Pages = make([]domain.PageResult, len(urls))
	agg := make(chan pageEvent, pageBuffer)
	aggDone := make(chan struct{})

	// Aggregation loop: the only writer of report.
	go func() {
		defer close(aggDone)
		for pe := range agg {
			report.Events = append(report.Events, pe.event)
			report.Pages[pe.page].Events++
			metrics.RuntimeEvents.WithLabelValues(string(pe.event.Type)).Inc()
		}
	}()

	pageErrs := make([]error, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.MaxParallelPages)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			pageErrs[i] = m.observePage(gctx, sess.Browser(), i, u, agg)
			return nil
		})
	}
	_ = g.Wait()
	close(agg)
	<-aggDone

	for i, u := range urls {
		report.Pages[i].URL = u
		if pageErrs[i] != nil {
			report.Pages[i].Error = pageErrs[i].Error()
			metrics.PagesObserved.WithLabelValues("error").Inc()
			log.Printf("[monitor] %s: %v", u, pageErrs[i])
			continue
		}
		metrics.PagesObserved.WithLabelValues("ok").Inc()
	}
	log.Printf("[monitor] project %s: %d page(s), %d event(s)", projectID, len(urls), len(report.Events))
	return report, nil
}

// observePage runs one page and forwards its channel into the aggregator.
func (m *Monitor) observePage(ctx context.Context, b Browser, idx int, target string, agg chan<- pageEvent) error {
	ch := make(chan domain.ErrorEvent, pageBuffer)
	errc := make(chan error, 1)
	go func() {
		defer close(ch)
		errc <- b.Observe(ctx, target, ch)
	}()

	for ev := range ch {
		if ev.URL == "" {
			ev.URL = target
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		agg <- pageEvent{page: idx, event: ev}
	}
	return <-errc
}

// resolveTargets joins targets onto baseURL, keeping their order.
func resolveTargets(baseURL string, targets []string) ([]string, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return []string{base.String()}, nil
	}
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		ref, err := url.Parse(strings.TrimPrefix(t, "/"))
		if err != nil {
			return nil, err
		}
		out = append(out, base.ResolveReference(ref).String())
	}
	return out, nil
}
