package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cerebrum-dev/cerebrum/internal/app/ingest"
	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
)

// Scheduler starts verification runs. Implemented by Verifier.
type Scheduler interface {
	Schedule(projectID, userID string) bool
}

// Triage is the error queue handler.
type Triage struct {
	resolver *Resolver
	counter  domain.IssueCounter
	verifier Scheduler
}

// NewTriage creates the handler. verifier may be nil to skip verification.
func NewTriage(r *Resolver, counter domain.IssueCounter, verifier Scheduler) *Triage {
	return &Triage{resolver: r, counter: counter, verifier: verifier}
}

// Handle classifies one job and repairs it when critical. The issue counter
// covers the repair; the decrement that brings it to zero schedules
// verification.
func (t *Triage) Handle(ctx context.Context, job domain.ErrorJob) error {
	sev := ingest.Classify(job.Event)
	metrics.EventsClassified.WithLabelValues(string(sev)).Inc()
	if sev != domain.SeverityCritical {
		log.Printf("[triage] project %s: ignoring non-critical %s: %.120s", job.ProjectID, job.Event.Type, job.Event.Text)
		return nil
	}

	if _, err := t.counter.Increment(ctx, job.ProjectID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueueProcessing, err)
	}

	verify := false
	defer func() {
		n, err := t.counter.Decrement(context.WithoutCancel(ctx), job.ProjectID)
		if err != nil {
			if !errors.Is(err, domain.ErrCounterUnderflow) {
				log.Printf("[triage] project %s: decrement: %v", job.ProjectID, err)
			}
			return
		}
		if n == 0 && verify && t.verifier != nil {
			t.verifier.Schedule(job.ProjectID, job.UserID)
		}
	}()

	res, err := t.resolver.Resolve(ctx, job.ProjectID, job.UserID, []domain.ErrorEvent{job.Event})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueueProcessing, err)
	}
	verify = res.Outcome != OutcomeEscalated
	return nil
}
