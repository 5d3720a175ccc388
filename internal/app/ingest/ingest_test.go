package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/kv"
	"github.com/cerebrum-dev/cerebrum/internal/infra/sqlite"
)

type testQueue struct {
	*Queue
	db    *sqlite.DB
	clock time.Time
}

func (tq *testQueue) advance(d time.Duration) { tq.clock = tq.clock.Add(d) }

func newTestQueue(t *testing.T, dedup bool) *testQueue {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var d Deduper
	if dedup {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		d = kv.NewDedupWindow(client, 30*time.Second)
	}

	q := New(Config{
		Workers:           1,
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		Retry:             RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 4 * time.Second},
	}, db, d)
	tq := &testQueue{Queue: q, db: db, clock: time.Now()}
	q.now = func() time.Time { return tq.clock }
	return tq
}

func pageError(project, text string) domain.JobRequest {
	return domain.JobRequest{
		ProjectID: project,
		UserID:    "u1",
		Event:     domain.ErrorEvent{URL: "http://localhost/sites/" + project + "/", Type: domain.EventPageError, Text: text},
	}
}

// ─── Normalization ──────────────────────────────────────────────────────────

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"TypeError: x is undefined", "typeerror: x is undefined"},
		{"  Uncaught   ReferenceError:\n foo  ", "uncaught referenceerror: foo"},
		{"at http://localhost/app.js?v=123:10:5", "at http://localhost/app.js"},
		{"error at main.js:42:7", "error at main.js"},
		{"retry 3 of 5", "retry # of #"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDedupKey_StableAcrossNoise(t *testing.T) {
	a := DedupKey("TypeError: x is undefined at app.js:10:3")
	b := DedupKey("typeerror:  x is undefined at app.js:99:1")
	if a != b {
		t.Errorf("keys differ for the same error: %s vs %s", a, b)
	}
	if a == DedupKey("TypeError: y is undefined") {
		t.Error("different errors share a key")
	}
	if len(a) != 40 {
		t.Errorf("key length = %d, want 40 hex chars", len(a))
	}
}

// ─── Classification ─────────────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ev   domain.ErrorEvent
		want domain.Severity
	}{
		{"page error", domain.ErrorEvent{Type: domain.EventPageError, Text: "TypeError: x is undefined"}, domain.SeverityCritical},
		{"console error level", domain.ErrorEvent{Type: domain.EventConsole, Level: "error", Text: "something broke"}, domain.SeverityCritical},
		{"console log mentioning reference error", domain.ErrorEvent{Type: domain.EventConsole, Level: "log", Text: "Uncaught ReferenceError: foo"}, domain.SeverityCritical},
		{"console info", domain.ErrorEvent{Type: domain.EventConsole, Level: "info", Text: "loaded"}, domain.SeverityNonCritical},
		{"react devtools banner", domain.ErrorEvent{Type: domain.EventConsole, Level: "info", Text: "Download the React DevTools for a better development experience"}, domain.SeverityNonCritical},
		{"vite hmr", domain.ErrorEvent{Type: domain.EventConsole, Level: "error", Text: "[vite] connecting..."}, domain.SeverityNonCritical},
		{"favicon 404", domain.ErrorEvent{Type: domain.EventRequestFailed, URL: "http://x/favicon.ico", Text: "HTTP 404"}, domain.SeverityNonCritical},
		{"source map", domain.ErrorEvent{Type: domain.EventConsole, Level: "warning", Text: "DevTools failed to load source map"}, domain.SeverityNonCritical},
		{"failed script", domain.ErrorEvent{Type: domain.EventRequestFailed, URL: "http://x/app.js?v=2", Text: "net::ERR_ABORTED"}, domain.SeverityCritical},
		{"failed stylesheet", domain.ErrorEvent{Type: domain.EventRequestFailed, URL: "http://x/style.css", Text: "HTTP 404"}, domain.SeverityCritical},
		{"failed image", domain.ErrorEvent{Type: domain.EventRequestFailed, URL: "http://x/logo.png", Text: "HTTP 404"}, domain.SeverityNonCritical},
		{"failed module import", domain.ErrorEvent{Type: domain.EventRequestFailed, URL: "http://x/chunk", Text: "Failed to fetch dynamically imported module"}, domain.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.ev); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFilterCritical(t *testing.T) {
	events := []domain.ErrorEvent{
		{Type: domain.EventConsole, Level: "info", Text: "hello"},
		{Type: domain.EventPageError, Text: "boom"},
	}
	got := FilterCritical(events)
	if len(got) != 1 || got[0].Text != "boom" {
		t.Errorf("FilterCritical() = %+v", got)
	}
}

// ─── Retry Policy ───────────────────────────────────────────────────────────

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if p.Exhausted(4) || !p.Exhausted(5) {
		t.Error("Exhausted() boundary wrong")
	}
}

// ─── Queue ──────────────────────────────────────────────────────────────────

func TestEnqueue_DebouncesRepeats(t *testing.T) {
	q := newTestQueue(t, true)
	ctx := context.Background()

	queued := 0
	for i := 0; i < 5; i++ {
		req := pageError("p1", "TypeError: x is undefined")
		req.Event.Timestamp = q.clock.Add(time.Duration(i) * 2 * time.Second)
		res, err := q.Enqueue(ctx, req)
		if err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
		if !res.Duplicate {
			queued++
		}
	}
	if queued != 1 {
		t.Errorf("queued %d jobs, want 1", queued)
	}
	stats, _ := q.Stats(ctx)
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}

	// Another project is not debounced by p1's window
	res, _ := q.Enqueue(ctx, pageError("p2", "TypeError: x is undefined"))
	if res.Duplicate {
		t.Error("p2 event debounced by p1")
	}
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	q := newTestQueue(t, false)
	for _, req := range []domain.JobRequest{
		pageError("", "boom"),
		pageError("p1", "   "),
	} {
		if _, err := q.Enqueue(context.Background(), req); !errors.Is(err, domain.ErrInvalidEvent) {
			t.Errorf("Enqueue(%+v) error = %v, want ErrInvalidEvent", req, err)
		}
	}
}

func TestProcessNext_SuccessCompletesJob(t *testing.T) {
	q := newTestQueue(t, false)
	ctx := context.Background()
	res, _ := q.Enqueue(ctx, pageError("p1", "boom"))

	var got domain.ErrorJob
	processed, err := q.ProcessNext(ctx, func(_ context.Context, job domain.ErrorJob) error {
		got = job
		return nil
	})
	if err != nil || !processed {
		t.Fatalf("ProcessNext() = %v, %v", processed, err)
	}
	if got.ID != res.JobID || got.ProjectID != "p1" || got.UserID != "u1" || got.Event.Text != "boom" {
		t.Errorf("handler got %+v", got)
	}
	job, _ := q.db.GetJob(ctx, res.JobID)
	if job.Status != domain.JobDone {
		t.Errorf("status = %s, want done", job.Status)
	}

	processed, _ = q.ProcessNext(ctx, func(context.Context, domain.ErrorJob) error { return nil })
	if processed {
		t.Error("empty queue reported a job")
	}
}

func TestProcessNext_RetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t, false)
	ctx := context.Background()
	res, _ := q.Enqueue(ctx, pageError("p1", "boom"))

	var calls int32
	failing := func(context.Context, domain.ErrorJob) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("resolver down")
	}

	// Attempt 1 fails → backoff 1s
	if ok, _ := q.ProcessNext(ctx, failing); !ok {
		t.Fatal("first delivery missing")
	}
	if ok, _ := q.ProcessNext(ctx, failing); ok {
		t.Fatal("job redelivered before its backoff elapsed")
	}

	// Attempt 2 fails → backoff 2s
	q.advance(1100 * time.Millisecond)
	if ok, _ := q.ProcessNext(ctx, failing); !ok {
		t.Fatal("second delivery missing")
	}
	q.advance(1100 * time.Millisecond)
	if ok, _ := q.ProcessNext(ctx, failing); ok {
		t.Fatal("second backoff should be 2s")
	}

	// Attempt 3 fails → dead
	q.advance(time.Second)
	if ok, _ := q.ProcessNext(ctx, failing); !ok {
		t.Fatal("third delivery missing")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("handler calls = %d, want 3", n)
	}

	q.advance(time.Hour)
	if ok, _ := q.ProcessNext(ctx, failing); ok {
		t.Fatal("dead job redelivered")
	}
	dead, _ := q.DeadJobs(ctx, 10)
	if len(dead) != 1 || dead[0].ID != res.JobID || dead[0].LastError != "resolver down" {
		t.Fatalf("DeadJobs() = %+v", dead)
	}

	// Operator retry
	if err := q.Requeue(ctx, res.JobID); err != nil {
		t.Fatalf("Requeue() error: %v", err)
	}
	ok, _ := q.ProcessNext(ctx, func(context.Context, domain.ErrorJob) error { return nil })
	if !ok {
		t.Fatal("requeued job not delivered")
	}
	stats, _ := q.Stats(ctx)
	if stats.Done != 1 || stats.Dead != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessNext_PanicIsRetried(t *testing.T) {
	q := newTestQueue(t, false)
	ctx := context.Background()
	res, _ := q.Enqueue(ctx, pageError("p1", "boom"))

	ok, err := q.ProcessNext(ctx, func(context.Context, domain.ErrorJob) error { panic("nil map") })
	if !ok || err != nil {
		t.Fatalf("ProcessNext() = %v, %v", ok, err)
	}
	job, _ := q.db.GetJob(ctx, res.JobID)
	if job.Status != domain.JobPending || job.LastError == "" {
		t.Errorf("job after panic = %+v, want pending with error", job)
	}
}

func TestProcessNext_ExpiredLeaseRedelivered(t *testing.T) {
	q := newTestQueue(t, false)
	ctx := context.Background()
	res, _ := q.Enqueue(ctx, pageError("p1", "boom"))

	// Another worker claims the job and dies.
	if job, _ := q.db.ClaimJob(ctx, "crashed", q.clock, time.Minute); job == nil {
		t.Fatal("crashed worker could not claim")
	}
	handled := false
	handler := func(context.Context, domain.ErrorJob) error { handled = true; return nil }

	if ok, _ := q.ProcessNext(ctx, handler); ok {
		t.Fatal("job delivered while the lease is live")
	}
	q.advance(61 * time.Second)
	if ok, _ := q.ProcessNext(ctx, handler); !ok || !handled {
		t.Fatal("job not redelivered after lease expiry")
	}
	job, _ := q.db.GetJob(ctx, res.JobID)
	if job.Status != domain.JobDone || job.Attempts != 2 {
		t.Errorf("job = %+v, want done after 2 deliveries", job)
	}
}

func TestProcessNext_RepeatedCrashesEndDead(t *testing.T) {
	q := newTestQueue(t, false)
	ctx := context.Background()
	res, _ := q.Enqueue(ctx, pageError("p1", "boom"))

	for i := 0; i < 3; i++ {
		if job, _ := q.db.ClaimJob(ctx, "crashed", q.clock, time.Minute); job == nil {
			t.Fatalf("crash claim %d failed", i)
		}
		q.advance(61 * time.Second)
	}
	called := false
	ok, _ := q.ProcessNext(ctx, func(context.Context, domain.ErrorJob) error { called = true; return nil })
	if !ok || called {
		t.Fatalf("ProcessNext() = %v, handler called = %v; want dead-letter without handling", ok, called)
	}
	job, _ := q.db.GetJob(ctx, res.JobID)
	if job.Status != domain.JobDead {
		t.Errorf("status = %s, want dead", job.Status)
	}
}

func TestRun_DeliversAndStops(t *testing.T) {
	q := newTestQueue(t, false)
	q.now = time.Now
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan domain.ErrorJob, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(_ context.Context, job domain.ErrorJob) error {
			got <- job
			return nil
		})
	}()

	if _, err := q.Enqueue(context.Background(), pageError("p1", "boom")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	select {
	case job := <-got:
		if job.Event.Text != "boom" {
			t.Errorf("job = %+v", job)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker never delivered the job")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if _, err := q.Enqueue(context.Background(), pageError("p1", "late")); !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("Enqueue() after shutdown error = %v, want ErrQueueClosed", err)
	}
}

func TestPurge(t *testing.T) {
	q := newTestQueue(t, false)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, pageError("p1", "boom"))
	_, _ = q.ProcessNext(ctx, func(context.Context, domain.ErrorJob) error { return nil })

	n, err := q.Purge(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("Purge() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Purge() = %d, want 1", n)
	}
}
