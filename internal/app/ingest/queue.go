// Package ingest is the durable, deduplicated queue between runtime error
// observation and the repair loop.
//
//	Enqueue → dedup window → persisted job → worker claim (lease)
//	        → handler → done | retry with backoff | dead
//
// Delivery is at-least-once: a worker that dies mid-job loses its lease and
// the job is claimed again once the visibility timeout passes.
package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
)

// Store persists jobs. Implemented by sqlite.DB.
type Store interface {
	InsertJob(ctx context.Context, job domain.ErrorJob) error
	ClaimJob(ctx context.Context, owner string, now time.Time, lease time.Duration) (*domain.ErrorJob, error)
	CompleteJob(ctx context.Context, id, owner string) error
	RetryJob(ctx context.Context, id, owner string, nextRun time.Time, lastErr string) error
	KillJob(ctx context.Context, id, owner, lastErr string) error
	QueueStats(ctx context.Context) (domain.QueueStats, error)
	DeadJobs(ctx context.Context, limit int) ([]domain.ErrorJob, error)
	RequeueJob(ctx context.Context, id string, now time.Time) error
	PurgeJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deduper admits the first occurrence of a key per project within a window.
// Implemented by kv.DedupWindow.
type Deduper interface {
	Allow(ctx context.Context, projectID, key string) (bool, error)
}

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job domain.ErrorJob) error

// Config configures the queue.
type Config struct {
	Workers           int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration // lease length; also bounds one handler call
	Retry             RetryPolicy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           2,
		PollInterval:      time.Second,
		VisibilityTimeout: 5 * time.Minute,
		Retry:             DefaultRetryPolicy(),
	}
}

// EnqueueResult reports what happened to an offered event.
type EnqueueResult struct {
	JobID     string `json:"jobId,omitempty"`
	Duplicate bool   `json:"duplicate"`
	DedupKey  string `json:"dedupKey"`
}

// Queue is the error ingestion queue.
type Queue struct {
	config Config
	store  Store
	dedup  Deduper
	owner  string
	wake   chan struct{}
	now    func() time.Time

	mu      sync.Mutex
	running bool
	closed  bool
}

// New creates a queue. dedup may be nil to disable the window.
func New(cfg Config, store Store, dedup Deduper) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	return &Queue{
		config: cfg,
		store:  store,
		dedup:  dedup,
		owner:  "worker-" + uuid.NewString()[:8],
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Owner returns the lease owner id used by this process.
func (q *Queue) Owner() string { return q.owner }

// Enqueue offers an event. Repeats of the same normalized message for the same
// project inside the dedup window are dropped and reported as duplicates.
func (q *Queue) Enqueue(ctx context.Context, req domain.JobRequest) (EnqueueResult, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return EnqueueResult{}, fmt.Errorf("%w: missing projectId", domain.ErrInvalidEvent)
	}
	if strings.TrimSpace(req.Event.Text) == "" {
		return EnqueueResult{}, fmt.Errorf("%w: missing text", domain.ErrInvalidEvent)
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return EnqueueResult{}, domain.ErrQueueClosed
	}

	res := EnqueueResult{DedupKey: DedupKey(req.Event.Text)}
	if q.dedup != nil {
		ok, err := q.dedup.Allow(ctx, req.ProjectID, res.DedupKey)
		if err != nil {
			log.Printf("[ingest] WARNING: dedup unavailable, enqueueing anyway: %v", err)
		} else if !ok {
			res.Duplicate = true
			metrics.JobsEnqueued.WithLabelValues("duplicate").Inc()
			return res, nil
		}
	}

	now := q.now()
	if req.Event.Timestamp.IsZero() {
		req.Event.Timestamp = now
	}
	job := domain.ErrorJob{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Event:     req.Event,
		Status:    domain.JobPending,
		NextRunAt: now,
		CreatedAt: now,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return res, fmt.Errorf("enqueue: %w", err)
	}
	res.JobID = job.ID
	metrics.JobsEnqueued.WithLabelValues("queued").Inc()
	q.notify()
	return res, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run starts the workers and blocks until ctx is done and they have stopped.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("ingest queue already running")
	}
	q.running = true
	q.mu.Unlock()

	log.Printf("[ingest] starting %d worker(s) as %s", q.config.Workers, q.owner)
	var wg sync.WaitGroup
	for i := 0; i < q.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.worker(ctx, id, handler)
		}(i)
	}
	wg.Wait()

	q.mu.Lock()
	q.running = false
	q.closed = true
	q.mu.Unlock()
	log.Printf("[ingest] workers stopped")
	return nil
}

func (q *Queue) worker(ctx context.Context, id int, handler Handler) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := q.ProcessNext(ctx, handler)
		if err != nil && ctx.Err() == nil {
			log.Printf("[ingest] worker %d: %v", id, err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and handles at most one due job. It reports whether a
// job was claimed.
func (q *Queue) ProcessNext(ctx context.Context, handler Handler) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	job, err := q.store.ClaimJob(ctx, q.owner, q.now(), q.config.VisibilityTimeout)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// Attempts include deliveries whose lease expired.
	if job.Attempts > q.config.Retry.MaxAttempts {
		return true, q.kill(ctx, job, "lease expired on final attempt: "+job.LastError)
	}

	hctx, cancel := context.WithTimeout(ctx, q.config.VisibilityTimeout)
	err = q.invoke(hctx, handler, *job)
	cancel()

	// Finish the job even if shutdown began while the handler ran.
	fctx := context.WithoutCancel(ctx)
	if err == nil {
		metrics.JobsProcessed.WithLabelValues("done").Inc()
		if err := q.store.CompleteJob(fctx, job.ID, q.owner); err != nil {
			return true, fmt.Errorf("complete %s: %w", job.ID, err)
		}
		return true, nil
	}

	if q.config.Retry.Exhausted(job.Attempts) {
		return true, q.kill(fctx, job, err.Error())
	}
	delay := q.config.Retry.Backoff(job.Attempts)
	metrics.JobsProcessed.WithLabelValues("retry").Inc()
	log.Printf("[ingest] job %s attempt %d/%d failed, retrying in %s: %v",
		job.ID, job.Attempts, q.config.Retry.MaxAttempts, delay, err)
	if err := q.store.RetryJob(fctx, job.ID, q.owner, q.now().Add(delay), err.Error()); err != nil {
		return true, fmt.Errorf("reschedule %s: %w", job.ID, err)
	}
	return true, nil
}

func (q *Queue) kill(ctx context.Context, job *domain.ErrorJob, reason string) error {
	metrics.JobsProcessed.WithLabelValues("dead").Inc()
	log.Printf("[ingest] job %s dead after %d attempt(s): project=%s event=%q: %s",
		job.ID, job.Attempts, job.ProjectID, job.Event.Text, reason)
	if err := q.store.KillJob(ctx, job.ID, q.owner, reason); err != nil {
		return fmt.Errorf("dead-letter %s: %w", job.ID, err)
	}
	return nil
}

// invoke runs handler, converting a panic into an error.
func (q *Queue) invoke(ctx context.Context, handler Handler, job domain.ErrorJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", domain.ErrQueueProcessing, r)
		}
	}()
	return handler(ctx, job)
}

// ─── Operator Surface ───────────────────────────────────────────────────────

// Stats returns job counts per status.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return q.store.QueueStats(ctx)
}

// DeadJobs lists dead-lettered jobs.
func (q *Queue) DeadJobs(ctx context.Context, limit int) ([]domain.ErrorJob, error) {
	return q.store.DeadJobs(ctx, limit)
}

// Requeue gives a dead job a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.RequeueJob(ctx, id, q.now()); err != nil {
		return err
	}
	log.Printf("[ingest] job %s requeued", id)
	q.notify()
	return nil
}

// Purge deletes done jobs older than age.
func (q *Queue) Purge(ctx context.Context, age time.Duration) (int64, error) {
	return q.store.PurgeJobs(ctx, q.now().Add(-age))
}
