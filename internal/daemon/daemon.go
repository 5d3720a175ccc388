package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cerebrum-dev/cerebrum/internal/api"
	"github.com/cerebrum-dev/cerebrum/internal/app/executor"
	"github.com/cerebrum-dev/cerebrum/internal/app/ingest"
	"github.com/cerebrum-dev/cerebrum/internal/app/monitor"
	"github.com/cerebrum-dev/cerebrum/internal/app/resolver"
	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/health"
	"github.com/cerebrum-dev/cerebrum/internal/infra/healing"
	"github.com/cerebrum-dev/cerebrum/internal/infra/kv"
	"github.com/cerebrum-dev/cerebrum/internal/infra/lock"
	_ "github.com/cerebrum-dev/cerebrum/internal/infra/metrics" // Register Prometheus metrics
	"github.com/cerebrum-dev/cerebrum/internal/infra/progress"
	"github.com/cerebrum-dev/cerebrum/internal/infra/shell"
	"github.com/cerebrum-dev/cerebrum/internal/infra/sqlite"
	"github.com/cerebrum-dev/cerebrum/internal/infra/storage"
	"github.com/cerebrum-dev/cerebrum/internal/infra/textgen"
)

// Version is reported by /api/version. Set by the CLI at startup.
var Version = "dev"

// Daemon is the core Cerebrum runtime. It wires together all services.
type Daemon struct {
	Config Config
	NodeID string
	DB     *sqlite.DB
	Server *api.Server
	cancel context.CancelFunc

	// Coordination
	Redis      redis.UniversalClient
	LockNodes  []redis.UniversalClient
	Locks      *lock.Coordinator
	Counter    *kv.IssueCounter
	Iterations *kv.RepairIterations

	// Build
	Files     *storage.FS
	Breaker   *healing.Breaker
	Generator *textgen.Client
	NATS      *progress.NATSPublisher
	Progress  domain.ProgressRecorder
	Engine    *executor.Engine

	// Feedback loop
	Sessions *monitor.SessionManager // nil when the monitor is disabled
	Monitor  *monitor.Monitor
	Queue    *ingest.Queue
	Resolver *resolver.Resolver
	Verifier *resolver.Verifier
	Triage   *resolver.Triage
	Health   *health.Checker

	ownsLockNodes bool
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration. Redis and the
// browser are connected lazily; only SQLite and the sites directory are
// touched here.
func NewWithConfig(cfg Config) (*Daemon, error) {
	// Open SQLite
	db, err := sqlite.Open(cerebrumHome())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sitesDir := cfg.Storage.Dir
	if sitesDir == "" {
		sitesDir = filepath.Join(cerebrumHome(), "sites")
	}
	files, err := storage.New(sitesDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sites dir: %w", err)
	}

	d := &Daemon{
		Config: cfg,
		DB:     db,
		Files:  files,
	}
	d.NodeID = resolveNodeID(db, cfg.Node.ID)

	// ─── Coordination ──────────────────────────────────────────────────

	if err := d.dialRedis(cfg.Redis); err != nil {
		d.Close()
		return nil, err
	}
	d.Locks = lock.NewCoordinator(d.LockNodes, lockConfig(cfg.Lock))
	d.Counter = kv.NewIssueCounter(d.Redis, parseDuration(cfg.Resolver.CounterTTL, 24*time.Hour))
	d.Iterations = kv.NewRepairIterations(d.Redis, parseDuration(cfg.Resolver.CounterTTL, 24*time.Hour))
	idempotency := kv.NewIdempotencyStore(d.Redis, parseDuration(cfg.Engine.IdempotencyTTL, 7*24*time.Hour))

	// ─── Build ─────────────────────────────────────────────────────────

	d.Breaker = healing.NewBreaker("textgen", healing.Config{
		FailureThreshold: cfg.TextGen.BreakerThreshold,
		Cooldown:         parseDuration(cfg.TextGen.BreakerCooldown, 30*time.Second),
	})
	d.Generator = textgen.New(textgen.Config{
		BaseURL:     cfg.TextGen.BaseURL,
		APIKey:      cfg.TextGen.APIKey,
		Model:       cfg.TextGen.Model,
		Temperature: cfg.TextGen.Temperature,
		MaxTokens:   cfg.TextGen.MaxTokens,
		Timeout:     parseDuration(cfg.TextGen.Timeout, 2*time.Minute),
	}, d.Breaker)

	sinks := progress.Multi{db}
	if cfg.NATS.URL != "" {
		pub, err := progress.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Printf("[daemon] WARNING: nats unavailable (%v), live progress disabled", err)
		} else {
			d.NATS = pub
			sinks = append(sinks, pub)
		}
	}
	d.Progress = sinks

	d.Engine = executor.New(engineConfig(cfg), executor.Deps{
		Locker:      d.Locks,
		Idempotency: idempotency,
		Storage:     files,
		Generator:   d.Generator,
		Commands:    shell.New(cfg.Shell.Allowed, parseDuration(cfg.Shell.Timeout, 5*time.Minute)),
		Workspace:   files,
		Progress:    d.Progress,
		Tasks:       db,
	})

	// ─── Feedback loop ─────────────────────────────────────────────────

	d.Queue = ingest.New(queueConfig(cfg.Queue), db,
		kv.NewDedupWindow(d.Redis, parseDuration(cfg.Queue.DedupWindow, 30*time.Second)))

	d.Resolver = resolver.New(resolver.Config{MaxIterations: cfg.Resolver.MaxIterations},
		d.Generator, d.Engine, files, db, d.Iterations, d.Progress)

	var scheduler resolver.Scheduler
	if cfg.Monitor.Enabled {
		monCfg := monitorConfig(cfg.Monitor)
		launcher := monitor.NewChromeLauncher(monitor.ChromeConfig{
			ExecPath:          cfg.Monitor.ChromePath,
			NoSandbox:         cfg.Monitor.NoSandbox,
			ObservationWindow: monCfg.ObservationWindow,
			NavigationTimeout: monCfg.NavigationTimeout,
		})
		d.Sessions = monitor.NewSessionManager(launcher, monCfg.IdleTimeout)
		d.Monitor = monitor.New(monCfg, d.Sessions)
		d.Verifier = resolver.NewVerifier(resolver.VerifierConfig{
			Delay:         parseDuration(cfg.Resolver.VerifyDelay, 3*time.Second),
			SiteBaseURL:   siteBaseURL(cfg),
			MaxIterations: cfg.Resolver.MaxIterations,
		}, d.Monitor, d.Queue, d.Iterations, d.Progress)
		scheduler = d.Verifier
	} else {
		log.Printf("[daemon] runtime monitor disabled, repairs will not be verified")
	}
	d.Triage = resolver.NewTriage(d.Resolver, d.Counter, scheduler)

	d.Health = health.NewChecker(health.Deps{
		DB:         db,
		Redis:      d.Redis,
		LockNodes:  d.LockNodes,
		SitesDir:   sitesDir,
		Generation: d.Breaker,
	}, parseDuration(cfg.Health.Interval, 30*time.Second))

	// ─── API ───────────────────────────────────────────────────────────

	deps := api.Deps{
		Engine:   d.Engine,
		Queue:    d.Queue,
		Progress: db,
		Issues:   d.Counter,
		Sites:    files,
		Health:   d.Health,
	}
	if d.Monitor != nil {
		deps.Monitor = d.Monitor
		deps.SiteURL = d.Verifier.SiteURL
	}
	d.Server = api.NewServer(deps, Version)

	// Enable Prometheus /metrics if configured
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

// Serve starts the background workers and the HTTP server and blocks until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	logFile, err := setupLogging(d.Config.Logging)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	// ─── Background services ───────────────────────────────────────────

	go d.Health.Run(ctx)

	if d.Sessions != nil {
		go d.Sessions.IdleReaper(ctx)
	}
	if d.Verifier != nil {
		d.Verifier.Bind(ctx)
	}

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := d.Queue.Run(ctx, d.Triage.Handle); err != nil {
			log.Printf("[daemon] ingest queue: %v", err)
		}
	}()

	go d.purgeLoop(ctx, parseDuration(d.Config.Queue.Retention, 72*time.Hour))

	addr := net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // batches run inside the request
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			log.Printf("[daemon] shutting down")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	fmt.Printf("Cerebrum serving on http://%s (node %s)\n", addr, d.NodeID)
	if d.Verifier != nil {
		fmt.Printf("  Sites:   %s\n", d.Verifier.SiteURL("{projectId}"))
	}
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	serveErr := httpServer.ListenAndServe()
	cancel()
	<-queueDone
	if d.Verifier != nil {
		d.Verifier.Wait()
	}
	d.Close()

	if !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// purgeLoop drops finished jobs older than retention once an hour.
func (d *Daemon) purgeLoop(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.Queue.Purge(ctx, retention)
			if err != nil {
				log.Printf("[daemon] purge error jobs: %v", err)
			} else if n > 0 {
				log.Printf("[daemon] purged %d finished error job(s)", n)
			}
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Sessions != nil {
		_ = d.Sessions.Close()
	}
	if d.NATS != nil {
		_ = d.NATS.Close()
		d.NATS = nil
	}
	if d.ownsLockNodes {
		for _, c := range d.LockNodes {
			_ = c.Close()
		}
		d.ownsLockNodes = false
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
		d.Redis = nil
	}
	if d.DB != nil {
		_ = d.DB.Close()
		d.DB = nil
	}
}

// ─── Wiring helpers ─────────────────────────────────────────────────────────

// dialRedis builds the shared client and the lock node clients. Nothing
// connects until first use.
func (d *Daemon) dialRedis(cfg RedisConfig) error {
	shared, err := kv.NewClient(cfg.Address, cfg.Password, cfg.DB)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	d.Redis = shared
	if len(cfg.LockAddresses) == 0 {
		log.Printf("[daemon] no lock nodes configured, locking on %s alone", cfg.Address)
		d.LockNodes = []redis.UniversalClient{shared}
		return nil
	}
	d.ownsLockNodes = true
	for _, addr := range cfg.LockAddresses {
		c, err := kv.NewClient(addr, cfg.Password, cfg.DB)
		if err != nil {
			return fmt.Errorf("lock node %s: %w", addr, err)
		}
		d.LockNodes = append(d.LockNodes, c)
	}
	return nil
}

// resolveNodeID returns the configured node id, or the one persisted in
// SQLite, generating it on first start.
func resolveNodeID(db *sqlite.DB, configured string) string {
	if configured != "" {
		return configured
	}
	ctx := context.Background()
	if id, err := db.GetNodeInfo(ctx, "node_id"); err == nil && id != "" {
		return id
	}
	id := "node-" + uuid.NewString()[:8]
	if err := db.SetNodeInfo(ctx, "node_id", id); err != nil {
		log.Printf("[daemon] persist node id: %v", err)
	}
	return id
}

func lockConfig(c LockConfig) lock.Config {
	def := lock.DefaultConfig()
	return lock.Config{
		TTL:             parseDuration(c.TTL, def.TTL),
		ExtendThreshold: parseDuration(c.ExtendThreshold, def.ExtendThreshold),
		Tries:           c.Tries,
		RetryDelay:      parseDuration(c.RetryDelay, def.RetryDelay),
	}
}

func engineConfig(cfg Config) executor.Config {
	def := executor.DefaultConfig()
	return executor.Config{
		RetryAttempts:        cfg.Engine.RetryAttempts,
		BaseDelay:            parseDuration(cfg.Engine.BaseDelay, def.BaseDelay),
		LockTTL:              parseDuration(cfg.Lock.TTL, def.LockTTL),
		TaskTimeout:          parseDuration(cfg.Engine.TaskTimeout, def.TaskTimeout),
		MaxConcurrentBatches: cfg.Engine.MaxConcurrentBatches,
	}
}

func queueConfig(c QueueConfig) ingest.Config {
	def := ingest.DefaultConfig()
	return ingest.Config{
		Workers:           c.Workers,
		PollInterval:      parseDuration(c.PollInterval, def.PollInterval),
		VisibilityTimeout: parseDuration(c.VisibilityTimeout, def.VisibilityTimeout),
		Retry: ingest.RetryPolicy{
			MaxAttempts: c.MaxAttempts,
			BaseBackoff: parseDuration(c.BaseBackoff, def.Retry.BaseBackoff),
			MaxBackoff:  parseDuration(c.MaxBackoff, def.Retry.MaxBackoff),
		},
	}
}

func monitorConfig(c MonitorConfig) monitor.Config {
	def := monitor.DefaultConfig()
	return monitor.Config{
		ObservationWindow: parseDuration(c.ObservationWindow, def.ObservationWindow),
		NavigationTimeout: parseDuration(c.NavigationTimeout, def.NavigationTimeout),
		MaxParallelPages:  c.MaxParallelPages,
		IdleTimeout:       parseDuration(c.IdleTimeout, def.IdleTimeout),
	}
}

// siteBaseURL returns the configured site root template, defaulting to the
// daemon's own /sites route.
func siteBaseURL(cfg Config) string {
	if cfg.Resolver.SiteBaseURL != "" {
		return cfg.Resolver.SiteBaseURL
	}
	host := cfg.API.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/sites/{projectId}/", net.JoinHostPort(host, strconv.Itoa(cfg.API.Port)))
}

// setupLogging tees the standard logger into the configured file.
func setupLogging(cfg LoggingConfig) (io.Closer, error) {
	if cfg.Level == "debug" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}
	if cfg.File == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return restoreOnClose{f}, nil
}

// restoreOnClose points the logger back at stderr before closing the file.
type restoreOnClose struct{ f *os.File }

func (r restoreOnClose) Close() error {
	log.SetOutput(os.Stderr)
	return r.f.Close()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
