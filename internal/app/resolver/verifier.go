package resolver

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/app/ingest"
	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
	"github.com/cerebrum-dev/cerebrum/internal/infra/progress"
)

// Observer re-observes a deployed site. Implemented by monitor.Monitor.
type Observer interface {
	Report(ctx context.Context, baseURL, projectID string, targets []string) (domain.MonitorReport, error)
}

// Enqueuer feeds new errors back into the queue. Implemented by ingest.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.JobRequest) (ingest.EnqueueResult, error)
}

// VerifierConfig configures verification runs.
type VerifierConfig struct {
	Delay time.Duration // wait before re-observing
	// SiteBaseURL is the deployed site root; "{projectId}" is substituted.
	SiteBaseURL string
	// MaxIterations is the number of failed verifications before escalating.
	MaxIterations int
}

// Verifier re-observes a project once it has no issues in triage and either
// declares it stable or feeds the new errors back into the queue.
type Verifier struct {
	config     VerifierConfig
	observer   Observer
	queue      Enqueuer
	iterations Iterations
	progress   domain.ProgressRecorder

	mu      sync.Mutex
	base    context.Context
	pending map[string]bool
	wg      sync.WaitGroup
}

// NewVerifier creates a verifier.
func NewVerifier(cfg VerifierConfig, observer Observer, queue Enqueuer, iterations Iterations, rec domain.ProgressRecorder) *Verifier {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	return &Verifier{
		config:     cfg,
		observer:   observer,
		queue:      queue,
		iterations: iterations,
		progress:   rec,
		base:       context.Background(),
		pending:    make(map[string]bool),
	}
}

// Bind sets the context scheduled runs derive from. Cancelling it stops them.
func (v *Verifier) Bind(ctx context.Context) {
	v.mu.Lock()
	v.base = ctx
	v.mu.Unlock()
}

// Wait blocks until scheduled runs have finished.
func (v *Verifier) Wait() { v.wg.Wait() }

// SiteURL returns the deployed root of projectID.
func (v *Verifier) SiteURL(projectID string) string {
	return strings.ReplaceAll(v.config.SiteBaseURL, "{projectId}", projectID)
}

// Schedule starts a background verification for projectID unless one is
// already pending. Reports whether a run was scheduled.
func (v *Verifier) Schedule(projectID, userID string) bool {
	v.mu.Lock()
	if v.pending[projectID] {
		v.mu.Unlock()
		return false
	}
	v.pending[projectID] = true
	ctx := v.base
	v.wg.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.wg.Done()
		defer func() {
			v.mu.Lock()
			delete(v.pending, projectID)
			v.mu.Unlock()
		}()
		if _, err := v.Verify(ctx, projectID, userID); err != nil && ctx.Err() == nil {
			log.Printf("[verify] project %s: %v", projectID, err)
		}
	}()
	return true
}

// Verify waits the configured delay, observes the site root and reports
// whether it is stable. An unstable result advances the project's repair
// cycle once; its critical errors are enqueued for the next cycle unless
// that reaches the ceiling, in which case the project is escalated.
func (v *Verifier) Verify(ctx context.Context, projectID, userID string) (bool, error) {
	if v.config.Delay > 0 {
		timer := time.NewTimer(v.config.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	report, err := v.observer.Report(ctx, v.SiteURL(projectID), projectID, nil)
	if err != nil {
		metrics.Verifications.WithLabelValues("error").Inc()
		return false, fmt.Errorf("observe: %w", err)
	}

	critical := ingest.FilterCritical(report.Events)
	for _, p := range report.Pages {
		if p.Error != "" {
			critical = append(critical, domain.ErrorEvent{
				URL:       p.URL,
				Type:      domain.EventPageError,
				Text:      "page failed to load: " + p.Error,
				Timestamp: time.Now(),
			})
		}
	}

	if len(critical) > 0 {
		metrics.Verifications.WithLabelValues("unstable").Inc()
		log.Printf("[verify] project %s: %d critical issue(s) remain", projectID, len(critical))
		n, err := v.iterations.Next(ctx, projectID)
		if err != nil {
			return false, fmt.Errorf("repair iteration: %w", err)
		}
		if n >= int64(v.config.MaxIterations) {
			log.Printf("[verify] project %s: %d repair cycles without a stable build, escalating", projectID, n)
			escalate(ctx, v.progress, projectID, userID, v.config.MaxIterations)
			return false, nil
		}
		for _, ev := range critical {
			if _, err := v.queue.Enqueue(ctx, domain.JobRequest{Event: ev, ProjectID: projectID, UserID: userID}); err != nil {
				return false, fmt.Errorf("enqueue: %w", err)
			}
		}
		return false, nil
	}

	metrics.Verifications.WithLabelValues("stable").Inc()
	log.Printf("[verify] project %s is stable", projectID)
	if err := v.iterations.Reset(ctx, projectID); err != nil {
		log.Printf("[verify] reset repair iterations for %s: %v", projectID, err)
	}
	progress.Emit(ctx, v.progress, domain.ProgressEntry{
		ProjectID: projectID,
		UserID:    userID,
		Step:      "verify",
		Status:    domain.ProgressStable,
		Message:   "no runtime errors detected",
	})
	return true, nil
}
