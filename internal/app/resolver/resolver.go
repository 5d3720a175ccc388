// Package resolver closes the build loop: critical runtime errors become a
// corrective task batch that is executed again.
//
//	triage (queue handler) → counter++ → Resolve → engine → counter--
//	                                                  └─ 0 → Verifier
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
	"github.com/cerebrum-dev/cerebrum/internal/infra/progress"
	"github.com/cerebrum-dev/cerebrum/internal/infra/textgen"
)

// Executor runs task batches. Implemented by executor.Engine.
type Executor interface {
	ExecuteBatch(ctx context.Context, batch domain.TaskBatch) (domain.ExecutionReport, error)
}

// Iterations counts failed verification cycles per project. Resolve only
// reads it; Verifier advances and resets it. Implemented by kv.RepairIterations.
type Iterations interface {
	Get(ctx context.Context, projectID string) (int64, error)
	Next(ctx context.Context, projectID string) (int64, error)
	Reset(ctx context.Context, projectID string) error
}

// Outcome is the result of one repair cycle.
type Outcome string

const (
	OutcomeRepaired  Outcome = "repaired"  // corrective batch fully succeeded
	OutcomePartial   Outcome = "partial"   // some corrective tasks failed
	OutcomeEscalated Outcome = "escalated" // iteration ceiling reached
)

// Result reports one Resolve call.
type Result struct {
	Outcome   Outcome                 `json:"outcome"`
	Iteration int64                   `json:"iteration"`
	Report    *domain.ExecutionReport `json:"report,omitempty"`
}

// Config configures the resolver.
type Config struct {
	MaxIterations int // repair cycles before escalating
	MaxFileBytes  int // per referenced file included in the prompt
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxIterations: 5, MaxFileBytes: 16 << 10}
}

// Resolver turns critical errors into corrective task batches.
type Resolver struct {
	config     Config
	generator  domain.TextGenerator
	engine     Executor
	files      domain.FileStorage
	tasks      domain.TaskRecorder
	iterations Iterations
	progress   domain.ProgressRecorder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a resolver. files, tasks and progress may be nil.
func New(cfg Config, gen domain.TextGenerator, engine Executor, files domain.FileStorage,
	tasks domain.TaskRecorder, iterations Iterations, rec domain.ProgressRecorder) *Resolver {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = def.MaxFileBytes
	}
	return &Resolver{
		config:     cfg,
		generator:  gen,
		engine:     engine,
		files:      files,
		tasks:      tasks,
		iterations: iterations,
		progress:   rec,
		locks:      make(map[string]*sync.Mutex),
	}
}

// projectLock returns the mutex serializing resolution for projectID.
func (r *Resolver) projectLock(projectID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[projectID] = l
	}
	return l
}

// Resolve generates and executes a corrective batch for events. Calls for the
// same project run one at a time.
func (r *Resolver) Resolve(ctx context.Context, projectID, userID string, events []domain.ErrorEvent) (Result, error) {
	if len(events) == 0 {
		return Result{}, fmt.Errorf("resolve %s: no events", projectID)
	}
	l := r.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	done, err := r.iterations.Get(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("repair iteration: %w", err)
	}
	if done >= int64(r.config.MaxIterations) {
		log.Printf("[resolver] project %s: %d repair cycles without a stable build, escalating", projectID, done)
		escalate(ctx, r.progress, projectID, userID, r.config.MaxIterations)
		return Result{Outcome: OutcomeEscalated, Iteration: done}, nil
	}
	iter := done + 1

	progress.Emit(ctx, r.progress, domain.ProgressEntry{
		ProjectID: projectID,
		UserID:    userID,
		Step:      "repair",
		Status:    domain.ProgressAdjusting,
		Message:   fmt.Sprintf("fixing %d issue(s), attempt %d of %d", len(events), iter, r.config.MaxIterations),
	})

	prompt, err := r.buildPrompt(ctx, projectID, events)
	if err != nil {
		return Result{}, err
	}
	text, err := r.generator.Complete(ctx, prompt, domain.GenerationContext{
		ProjectID: projectID,
		UserID:    userID,
		System:    repairSystemPrompt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("generate fix: %w", err)
	}
	tasks, err := textgen.ParseTasks(text)
	if err != nil {
		return Result{}, err
	}

	report, err := r.engine.ExecuteBatch(ctx, domain.TaskBatch{ProjectID: projectID, UserID: userID, Tasks: tasks})
	if err != nil {
		return Result{}, fmt.Errorf("execute fix: %w", err)
	}

	res := Result{Outcome: OutcomeRepaired, Iteration: iter, Report: &report}
	if !report.Succeeded() {
		res.Outcome = OutcomePartial
	}
	metrics.RepairCycles.WithLabelValues(string(res.Outcome)).Inc()
	log.Printf("[resolver] project %s iteration %d: %s (%d task(s))", projectID, iter, res.Outcome, len(tasks))
	return res, nil
}

// escalate records that automatic repair gave up on projectID.
func escalate(ctx context.Context, rec domain.ProgressRecorder, projectID, userID string, limit int) {
	metrics.RepairCycles.WithLabelValues(string(OutcomeEscalated)).Inc()
	progress.Emit(ctx, rec, domain.ProgressEntry{
		ProjectID: projectID,
		UserID:    userID,
		Step:      "repair",
		Status:    domain.ProgressEscalated,
		Message:   fmt.Sprintf("automatic repair stopped after %d attempts, needs human attention", limit),
	})
}

// ─── Prompt ─────────────────────────────────────────────────────────────────

const repairSystemPrompt = `You repair generated websites. Reply with ONLY a JSON array of tasks.
Each task is {"name": string, "extension": string, "taskType": "Create"|"Modify"|"Install"|"Generate", "payload": string}.
For Create and Modify the payload is the complete new file content. For Install it is a single npm/npx/yarn/pnpm command line.
Change only what is needed to fix the reported errors.`

var fileRefRe = regexp.MustCompile(`[\w\-./]+\.(?:html|htm|css|js|mjs|cjs|jsx|ts|tsx|json)\b`)

func (r *Resolver) buildPrompt(ctx context.Context, projectID string, events []domain.ErrorEvent) (string, error) {
	var b strings.Builder
	b.WriteString("The site has these runtime errors:\n")
	for i, ev := range events {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, ev.Type, ev.Text)
		if ev.Source != "" {
			fmt.Fprintf(&b, " (at %s:%d:%d)", ev.Source, ev.Line, ev.Column)
		}
		if ev.URL != "" {
			fmt.Fprintf(&b, " on %s", ev.URL)
		}
		b.WriteByte('\n')
	}

	if r.tasks != nil {
		recorded, err := r.tasks.ProjectTasks(ctx, projectID)
		if err != nil {
			return "", fmt.Errorf("load project tasks: %w", err)
		}
		if len(recorded) > 0 {
			b.WriteString("\nCurrent tasks:\n")
			for _, rt := range recorded {
				fmt.Fprintf(&b, "- %s (%s)\n", rt.Task.Key(), rt.Task.Type)
			}
		}
	}

	if r.files != nil {
		for _, name := range referencedFiles(events) {
			content, err := r.files.ReadFile(ctx, projectID, name)
			if errors.Is(err, domain.ErrFileNotFound) {
				continue
			}
			if err != nil {
				log.Printf("[resolver] read %s/%s: %v", projectID, name, err)
				continue
			}
			if len(content) > r.config.MaxFileBytes {
				content = content[:r.config.MaxFileBytes]
			}
			fmt.Fprintf(&b, "\nFile %s:\n```\n%s\n```\n", name, content)
		}
	}
	return b.String(), nil
}

// referencedFiles returns the file names an error points at, sorted.
func referencedFiles(events []domain.ErrorEvent) []string {
	seen := make(map[string]bool)
	add := func(ref string) {
		if ref == "" {
			return
		}
		if u, err := url.Parse(ref); err == nil && u.Path != "" {
			ref = u.Path
		}
		name := path.Base(ref)
		if path.Ext(name) == "" || name == "." || name == "/" {
			return
		}
		seen[name] = true
	}
	for _, ev := range events {
		add(ev.Source)
		if ev.Type == domain.EventRequestFailed {
			add(ev.URL)
		}
		for _, m := range fileRefRe.FindAllString(ev.Text, -1) {
			add(m)
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
