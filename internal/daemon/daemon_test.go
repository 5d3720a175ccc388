package daemon

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

func testConfig(t *testing.T, monitorOn bool) Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CEREBRUM_HOME", home)

	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Redis.Address = mr.Addr()
	cfg.Monitor.Enabled = monitorOn
	cfg.Logging.File = ""
	return cfg
}

func TestNewWithConfig_WiresComponents(t *testing.T) {
	cfg := testConfig(t, false)
	d, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if d.Engine == nil || d.Queue == nil || d.Resolver == nil || d.Triage == nil || d.Health == nil {
		t.Fatal("core components not wired")
	}
	if d.Monitor != nil || d.Verifier != nil || d.Sessions != nil {
		t.Error("monitor components built while disabled")
	}
	if len(d.LockNodes) != 1 {
		t.Errorf("LockNodes = %d, want the shared node alone", len(d.LockNodes))
	}
	if !strings.HasPrefix(d.NodeID, "node-") {
		t.Errorf("NodeID = %q", d.NodeID)
	}
}

func TestNewWithConfig_NodeIDPersists(t *testing.T) {
	cfg := testConfig(t, false)
	d1, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	first := d1.NodeID
	d1.Close()

	d2, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	if d2.NodeID != first {
		t.Errorf("NodeID = %q after restart, want %q", d2.NodeID, first)
	}
}

func TestNewWithConfig_MonitorEnabledIsLazy(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Monitor.ChromePath = "/nonexistent/chrome"
	d, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if d.Monitor == nil || d.Verifier == nil {
		t.Fatal("monitor not wired")
	}
	if active, _ := d.Sessions.Active(); active {
		t.Error("browser launched at construction")
	}
	if got := d.Verifier.SiteURL("p1"); got != "http://127.0.0.1:11500/sites/p1/" {
		t.Errorf("SiteURL = %q", got)
	}
}

func TestNewWithConfig_EndToEndEnqueue(t *testing.T) {
	cfg := testConfig(t, false)
	d, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	ctx := context.Background()
	req := domain.JobRequest{
		ProjectID: "p1",
		UserID:    "u1",
		Event:     domain.ErrorEvent{URL: "http://x/", Type: domain.EventPageError, Text: "TypeError: boom"},
	}
	res, err := d.Queue.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if res.Duplicate {
		t.Fatal("first enqueue reported duplicate")
	}
	again, err := d.Queue.Enqueue(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate {
		t.Error("repeat inside the dedup window was not debounced")
	}

	stats, err := d.Queue.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
}

func TestServerHandler_Version(t *testing.T) {
	cfg := testConfig(t, false)
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	d, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	w := httptest.NewRecorder()
	d.Server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "1.2.3") {
		t.Errorf("GET /api/version = %d %s", w.Code, w.Body.String())
	}
}

func TestSetupLogging_TeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cerebrum.log")
	closer, err := setupLogging(LoggingConfig{Level: "info", File: path})
	if err != nil {
		t.Fatalf("setupLogging() error: %v", err)
	}
	log.Printf("[test] hello file")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("[test] hello file")) {
		t.Errorf("log file = %q", data)
	}
}

func TestNewWithConfig_LockNodes(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Redis.LockAddresses = []string{"127.0.0.1:7001", "127.0.0.1:7002", "redis://127.0.0.1:7003/1"}
	d, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if len(d.LockNodes) != 3 {
		t.Fatalf("LockNodes = %d, want 3", len(d.LockNodes))
	}
	if got := d.LockNodes[2].(*redis.Client).Options().DB; got != 1 {
		t.Errorf("third lock node DB = %d, want 1", got)
	}
}

func TestNewWithConfig_BadRedisURL(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Redis.Address = "redis://cache:notaport"
	if _, err := NewWithConfig(cfg); err == nil {
		t.Error("NewWithConfig() with a bad redis url should fail")
	}
}
