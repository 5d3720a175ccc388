package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeConn struct {
	mu           sync.Mutex
	published    map[string][][]byte
	handler      nats.MsgHandler
	unsubscribed int32
	closed       int32
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = make(map[string][][]byte)
	}
	c.published[subject] = append(c.published[subject], data)
	return nil
}

func (c *fakeConn) Subscribe(_ string, h nats.MsgHandler) (natsSubscription, error) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return &fakeSub{conn: c}, nil
}

func (c *fakeConn) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

func (c *fakeConn) emit(data []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(&nats.Msg{Data: data})
	}
}

type fakeSub struct{ conn *fakeConn }

func (s *fakeSub) Unsubscribe() error {
	atomic.AddInt32(&s.conn.unsubscribed, 1)
	return nil
}

type memRecorder struct {
	mu      sync.Mutex
	entries []domain.ProgressEntry
	err     error
}

func (m *memRecorder) Record(_ context.Context, e domain.ProgressEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

// ─── Multi ──────────────────────────────────────────────────────────────────

func TestMulti_RecordsToAll(t *testing.T) {
	failing := &memRecorder{err: errors.New("disk full")}
	ok := &memRecorder{}
	m := Multi{failing, nil, ok}

	err := m.Record(context.Background(), domain.ProgressEntry{ProjectID: "p1", Status: domain.ProgressBuildStarted})
	if err == nil {
		t.Error("Record() should surface the failing sink")
	}
	if len(ok.entries) != 1 {
		t.Errorf("healthy sink got %d entries, want 1", len(ok.entries))
	}
	if len(failing.entries) != 1 {
		t.Errorf("failing sink got %d entries, want 1", len(failing.entries))
	}
}

func TestEmit_SwallowsErrors(t *testing.T) {
	r := &memRecorder{err: errors.New("nope")}
	Emit(context.Background(), r, domain.ProgressEntry{ProjectID: "p1"})
	Emit(context.Background(), nil, domain.ProgressEntry{ProjectID: "p1"})
	if len(r.entries) != 1 {
		t.Errorf("entries = %d, want 1", len(r.entries))
	}
}

// ─── NATS ───────────────────────────────────────────────────────────────────

func TestNATSPublisher_Record(t *testing.T) {
	conn := &fakeConn{}
	p := &NATSPublisher{conn: conn, prefix: DefaultSubjectPrefix}

	err := p.Record(context.Background(), domain.ProgressEntry{
		ProjectID: "p1",
		Step:      "index.html",
		Status:    domain.ProgressStepSucceeded,
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	msgs := conn.published["cerebrum.progress.p1"]
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	var got domain.ProgressEntry
	if err := json.Unmarshal(msgs[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Step != "index.html" || got.Status != domain.ProgressStepSucceeded || got.At.IsZero() {
		t.Errorf("published entry = %+v", got)
	}

	if err := p.Close(); err != nil || atomic.LoadInt32(&conn.closed) != 1 {
		t.Errorf("Close() = %v, closed=%d", err, conn.closed)
	}
}

func TestNATSPublisher_WatchDeliversAndStops(t *testing.T) {
	conn := &fakeConn{}
	p := &NATSPublisher{conn: conn, prefix: DefaultSubjectPrefix}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, stop, err := p.Watch(ctx, "p1")
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	raw, _ := json.Marshal(domain.ProgressEntry{ProjectID: "p1", Status: domain.ProgressStable})
	conn.emit(raw)
	conn.emit([]byte("not json"))

	select {
	case e := <-out:
		if e.Status != domain.ProgressStable {
			t.Errorf("entry = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	stop()
	stop()
	if _, ok := <-out; ok {
		t.Error("channel should be closed after stop")
	}
	conn.emit(raw) // must not panic after stop
	if n := atomic.LoadInt32(&conn.unsubscribed); n != 1 {
		t.Errorf("unsubscribed %d times, want 1", n)
	}
}
