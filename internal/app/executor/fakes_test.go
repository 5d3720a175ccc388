package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/shell"
)

// ─── Locker ─────────────────────────────────────────────────────────────────

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: make(map[string]bool)} }

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (domain.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockBusy, key)
	}
	l.held[key] = true
	l.acquired++
	return &fakeLease{locker: l, key: key, lost: make(chan struct{})}, nil
}

func (l *fakeLocker) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

type fakeLease struct {
	locker *fakeLocker
	key    string
	once   sync.Once
	lost   chan struct{}
}

func (f *fakeLease) Release(context.Context) error {
	f.once.Do(func() {
		f.locker.mu.Lock()
		delete(f.locker.held, f.key)
		f.locker.mu.Unlock()
	})
	return nil
}

func (f *fakeLease) Lost() <-chan struct{} { return f.lost }

// ─── Idempotency ────────────────────────────────────────────────────────────

type fakeIdempotency struct {
	mu     sync.Mutex
	keys   map[string]bool
	marks  int
	clears int
}

func newFakeIdempotency() *fakeIdempotency { return &fakeIdempotency{keys: make(map[string]bool)} }

func (f *fakeIdempotency) IsExecuted(_ context.Context, projectID, taskKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[projectID+":"+taskKey], nil
}

func (f *fakeIdempotency) MarkExecuted(_ context.Context, projectID, taskKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[projectID+":"+taskKey] = true
	f.marks++
	return nil
}

func (f *fakeIdempotency) ClearAll(_ context.Context, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	n := 0
	for k := range f.keys {
		if strings.HasPrefix(k, projectID+":") {
			delete(f.keys, k)
			n++
		}
	}
	return n, nil
}

// ─── Storage ────────────────────────────────────────────────────────────────

type fakeStorage struct {
	mu         sync.Mutex
	files      map[string]string
	writes     map[string]int
	failWrites int
	started    chan struct{} // closed on first write, if set
	gate       chan struct{} // writes block until closed, if set
	startOnce  sync.Once
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{files: make(map[string]string), writes: make(map[string]int)}
}

func (s *fakeStorage) WriteFile(_ context.Context, projectID, fileName string, content []byte) error {
	if s.started != nil {
		s.startOnce.Do(func() { close(s.started) })
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		return errors.New("disk unavailable")
	}
	s.files[projectID+"/"+fileName] = string(content)
	s.writes[projectID+"/"+fileName]++
	return nil
}

func (s *fakeStorage) ReadFile(_ context.Context, projectID, fileName string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.files[projectID+"/"+fileName]
	if !ok {
		return nil, domain.ErrFileNotFound
	}
	return []byte(c), nil
}

func (s *fakeStorage) file(path string) (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[path], s.writes[path]
}

// ─── Collaborators ──────────────────────────────────────────────────────────

type fakeGenerator struct {
	out     string
	prompts []string
}

func (g *fakeGenerator) Complete(_ context.Context, prompt string, _ domain.GenerationContext) (string, error) {
	g.prompts = append(g.prompts, prompt)
	return g.out, nil
}

type fakeRunner struct {
	dir, line string
	err       error
}

func (r *fakeRunner) Run(_ context.Context, dir, line string) (*shell.Result, error) {
	r.dir, r.line = dir, line
	if r.err != nil {
		return nil, r.err
	}
	f := strings.Fields(line)
	return &shell.Result{Command: f[0], Args: f[1:]}, nil
}

type fakeWorkspace struct{ root string }

func (w fakeWorkspace) ProjectDir(projectID string) (string, error) {
	return w.root + "/" + projectID, nil
}

type memProgress struct {
	mu      sync.Mutex
	entries []domain.ProgressEntry
}

func (m *memProgress) Record(_ context.Context, e domain.ProgressEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memProgress) statuses() []domain.ProgressStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProgressStatus
	for _, e := range m.entries {
		out = append(out, e.Status)
	}
	return out
}

type memTasks struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (m *memTasks) RecordTask(_ context.Context, _ string, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, t)
	return nil
}

func (m *memTasks) ProjectTasks(context.Context, string) ([]domain.RecordedTask, error) {
	return nil, nil
}
