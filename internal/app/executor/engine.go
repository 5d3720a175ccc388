// Package executor runs build task batches exactly once per project.
//
// Per task:
//
//	validate → lock → already executed? → run (≤ N attempts) → mark → record → unlock
//
// Once the whole batch has been attempted the project's idempotency markers are
// cleared so a later batch can re-run the same file names.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/kv"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
	"github.com/cerebrum-dev/cerebrum/internal/infra/progress"
	"github.com/cerebrum-dev/cerebrum/internal/infra/shell"
	"github.com/cerebrum-dev/cerebrum/internal/infra/textgen"
)

// Config tunes the engine.
type Config struct {
	RetryAttempts        int           // attempts per task, including the first
	BaseDelay            time.Duration // wait base×attempt after a failed attempt
	LockTTL              time.Duration
	TaskTimeout          time.Duration // bound on one attempt
	MaxConcurrentBatches int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:        3,
		BaseDelay:            time.Second,
		LockTTL:              30 * time.Second,
		TaskTimeout:          2 * time.Minute,
		MaxConcurrentBatches: 8,
	}
}

// CommandRunner runs Install task command lines.
type CommandRunner interface {
	Run(ctx context.Context, dir, commandLine string) (*shell.Result, error)
}

// Workspace maps a project to its directory on disk.
type Workspace interface {
	ProjectDir(projectID string) (string, error)
}

// Deps are the engine's collaborators. Generator, Commands, Workspace,
// Progress and Tasks are optional.
type Deps struct {
	Locker      domain.Locker
	Idempotency domain.IdempotencyStore
	Storage     domain.FileStorage
	Generator   domain.TextGenerator
	Commands    CommandRunner
	Workspace   Workspace
	Progress    domain.ProgressRecorder
	Tasks       domain.TaskRecorder
}

// Engine executes task batches.
type Engine struct {
	config Config
	deps   Deps
	slots  chan struct{}
	sleep  func(time.Duration)
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	return &Engine{
		config: cfg,
		deps:   deps,
		slots:  make(chan struct{}, cfg.MaxConcurrentBatches),
		sleep:  time.Sleep,
	}
}

// ExecuteBatch runs every task of batch in order and reports each outcome.
// Individual task failures never abort the batch. The only error returned is
// ctx expiring while waiting for a free batch slot.
func (e *Engine) ExecuteBatch(ctx context.Context, batch domain.TaskBatch) (domain.ExecutionReport, error) {
	report := domain.ExecutionReport{
		ProjectID: batch.ProjectID,
		UserID:    batch.UserID,
		Results:   make([]domain.TaskResult, 0, len(batch.Tasks)),
	}

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return report, ctx.Err()
	}
	defer func() { <-e.slots }()

	metrics.BatchesActive.Inc()
	defer metrics.BatchesActive.Dec()

	report.StartedAt = time.Now()
	log.Printf("[executor] batch started: project=%s tasks=%d", batch.ProjectID, len(batch.Tasks))
	e.emit(ctx, batch, "batch", domain.ProgressBuildStarted,
		fmt.Sprintf("Building %d step(s)", len(batch.Tasks)))

	for _, task := range batch.Tasks {
		res := e.executeTask(ctx, batch.ProjectID, batch.UserID, task)
		report.Results = append(report.Results, res)

		switch res.Outcome {
		case domain.OutcomeSucceeded:
			e.emit(ctx, batch, res.TaskKey, domain.ProgressStepSucceeded, res.Analysis)
		case domain.OutcomeFailedAfterRetries, domain.OutcomeInvalid:
			e.emit(ctx, batch, res.TaskKey, domain.ProgressStepFailed, res.Error)
		}
	}

	// Markers exist only to dedupe within a batch window; clear them once.
	cleared, err := e.deps.Idempotency.ClearAll(context.WithoutCancel(ctx), batch.ProjectID)
	if err != nil {
		log.Printf("[executor] WARNING: clear idempotency records for %s: %v", batch.ProjectID, err)
	}
	report.Cleared = cleared
	report.CompletedAt = time.Now()

	summary := fmt.Sprintf("%d succeeded, %d skipped, %d failed, %d invalid",
		report.Count(domain.OutcomeSucceeded),
		report.Count(domain.OutcomeSkippedDuplicate),
		report.Count(domain.OutcomeFailedAfterRetries),
		report.Count(domain.OutcomeInvalid))
	log.Printf("[executor] batch complete: project=%s %s (%s)", batch.ProjectID, summary,
		report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond))
	e.emit(ctx, batch, "batch", domain.ProgressBuildComplete, summary)

	return report, nil
}

func (e *Engine) emit(ctx context.Context, batch domain.TaskBatch, step string, status domain.ProgressStatus, msg string) {
	progress.Emit(context.WithoutCancel(ctx), e.deps.Progress, domain.ProgressEntry{
		ProjectID: batch.ProjectID,
		UserID:    batch.UserID,
		Step:      step,
		Status:    status,
		Message:   msg,
		At:        time.Now(),
	})
}

// executeTask drives one task through the lock/idempotency state machine.
func (e *Engine) executeTask(ctx context.Context, projectID, userID string, task domain.Task) (res domain.TaskResult) {
	start := time.Now()
	res = domain.TaskResult{
		Name:      task.Name,
		Extension: task.Extension,
		TaskKey:   task.Key(),
	}
	defer func() {
		res.DurationMS = time.Since(start).Milliseconds()
		metrics.TasksExecuted.WithLabelValues(string(task.Type), string(res.Outcome)).Inc()
		if res.Attempts > 0 {
			metrics.TaskAttempts.Observe(float64(res.Attempts))
			metrics.TaskDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())
		}
	}()

	if err := task.Validate(); err != nil {
		res.Outcome = domain.OutcomeInvalid
		res.Error = err.Error()
		log.Printf("[executor] %s/%s invalid: %v", projectID, task.Key(), err)
		return res
	}

	// Task work is never cancelled by the caller, only bounded by TaskTimeout.
	work := context.WithoutCancel(ctx)

	lease, err := e.deps.Locker.Acquire(ctx, kv.LockKey(projectID, task.Key()), e.config.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockBusy) {
			res.Outcome = domain.OutcomeSkippedDuplicate
			res.Analysis = "another worker is executing this task"
			return res
		}
		res.Outcome = domain.OutcomeFailedAfterRetries
		res.Error = fmt.Sprintf("acquire lock: %v", err)
		return res
	}
	defer func() {
		rctx, cancel := context.WithTimeout(work, 5*time.Second)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			log.Printf("[executor] WARNING: release lock %s/%s: %v", projectID, task.Key(), err)
		}
	}()

	done, err := e.deps.Idempotency.IsExecuted(work, projectID, task.Key())
	if err != nil {
		res.Outcome = domain.OutcomeFailedAfterRetries
		res.Error = fmt.Sprintf("idempotency check: %v", err)
		return res
	}
	if done {
		res.Outcome = domain.OutcomeSkippedDuplicate
		res.Analysis = "already executed in this batch window"
		return res
	}

	var lastErr error
	for attempt := 1; attempt <= e.config.RetryAttempts; attempt++ {
		res.Attempts = attempt

		actx, cancel := context.WithTimeout(work, e.config.TaskTimeout)
		analysis, err := e.run(actx, projectID, userID, task)
		cancel()

		if err == nil {
			res.Analysis = analysis
			lastErr = nil
			break
		}
		lastErr = err
		if permanent(err) {
			res.Outcome = domain.OutcomeInvalid
			res.Error = err.Error()
			log.Printf("[executor] %s/%s rejected: %v", projectID, task.Key(), err)
			return res
		}
		log.Printf("[executor] %s/%s attempt %d/%d failed: %v",
			projectID, task.Key(), attempt, e.config.RetryAttempts, err)
		if attempt < e.config.RetryAttempts {
			e.sleep(e.config.BaseDelay * time.Duration(attempt))
		}
	}

	if lastErr != nil {
		res.Outcome = domain.OutcomeFailedAfterRetries
		res.Error = lastErr.Error()
		return res
	}

	res.Outcome = domain.OutcomeSucceeded
	if err := e.deps.Idempotency.MarkExecuted(work, projectID, task.Key()); err != nil {
		log.Printf("[executor] WARNING: mark %s/%s executed: %v", projectID, task.Key(), err)
		res.Analysis = joinNote(res.Analysis, "not marked executed")
	}
	if e.deps.Tasks != nil {
		if err := e.deps.Tasks.RecordTask(work, projectID, task); err != nil {
			log.Printf("[executor] WARNING: record %s/%s: %v", projectID, task.Key(), err)
		}
	}
	select {
	case <-lease.Lost():
		res.Analysis = joinNote(res.Analysis, "lock lost during execution")
	default:
	}
	return res
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidTask) ||
		errors.Is(err, domain.ErrCommandNotAllowed) ||
		errors.Is(err, domain.ErrInvalidPath)
}

// ─── Side Effects ───────────────────────────────────────────────────────────

func (e *Engine) run(ctx context.Context, projectID, userID string, task domain.Task) (string, error) {
	switch task.Type {
	case domain.TaskCreate:
		return e.write(ctx, projectID, task.FileName(), task.Payload, "created")
	case domain.TaskModify:
		return e.modify(ctx, projectID, task)
	case domain.TaskGenerate:
		return e.generate(ctx, projectID, userID, task)
	case domain.TaskInstall:
		return e.install(ctx, projectID, task)
	}
	return "", fmt.Errorf("%w: unknown task type %q", domain.ErrInvalidTask, task.Type)
}

func (e *Engine) write(ctx context.Context, projectID, fileName, content, verb string) (string, error) {
	if err := e.deps.Storage.WriteFile(ctx, projectID, fileName, []byte(content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s (%d bytes)", verb, fileName, len(content)), nil
}

func (e *Engine) modify(ctx context.Context, projectID string, task domain.Task) (string, error) {
	old, err := e.deps.Storage.ReadFile(ctx, projectID, task.FileName())
	switch {
	case errors.Is(err, domain.ErrFileNotFound):
		log.Printf("[executor] modify %s/%s: no existing file, creating", projectID, task.FileName())
		return e.write(ctx, projectID, task.FileName(), task.Payload, "created")
	case err != nil:
		return "", err
	}
	analysis, err := e.write(ctx, projectID, task.FileName(), task.Payload, "modified")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s, was %d bytes", analysis, len(old)), nil
}

func (e *Engine) generate(ctx context.Context, projectID, userID string, task domain.Task) (string, error) {
	if e.deps.Generator == nil {
		return "", fmt.Errorf("%w: no text generator configured for %s", domain.ErrInvalidTask, task.Key())
	}
	out, err := e.deps.Generator.Complete(ctx, task.Payload, domain.GenerationContext{
		ProjectID: projectID,
		UserID:    userID,
		FileName:  task.FileName(),
		System: fmt.Sprintf("You write the complete contents of the file %s. "+
			"Reply with the file contents only.", task.FileName()),
	})
	if err != nil {
		return "", err
	}
	content := textgen.StripFences(out)
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty output for %s", domain.ErrGeneration, task.FileName())
	}
	return e.write(ctx, projectID, task.FileName(), content, "generated")
}

func (e *Engine) install(ctx context.Context, projectID string, task domain.Task) (string, error) {
	if e.deps.Commands == nil || e.deps.Workspace == nil {
		return "", fmt.Errorf("%w: install is not enabled on this worker", domain.ErrCommandNotAllowed)
	}
	dir, err := e.deps.Workspace.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	res, err := e.deps.Commands.Run(ctx, dir, task.Payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ran %s %s", res.Command, strings.Join(res.Args, " ")), nil
}

func joinNote(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
