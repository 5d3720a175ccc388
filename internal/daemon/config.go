// Package daemon manages the Cerebrum daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Redis     RedisConfig     `toml:"redis"`
	Lock      LockConfig      `toml:"lock"`
	Engine    EngineConfig    `toml:"engine"`
	Queue     QueueConfig     `toml:"queue"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Resolver  ResolverConfig  `toml:"resolver"`
	TextGen   TextGenConfig   `toml:"textgen"`
	NATS      NATSConfig      `toml:"nats"`
	Shell     ShellConfig     `toml:"shell"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Health    HealthConfig    `toml:"health"`
}

// NodeConfig identifies this worker.
type NodeConfig struct {
	ID string `toml:"id"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig controls where generated sites live.
type StorageConfig struct {
	Dir string `toml:"dir"`
}

// RedisConfig points at the shared Redis node and the independent lock nodes.
type RedisConfig struct {
	Address       string   `toml:"address"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	LockAddresses []string `toml:"lock_addresses"` // empty means the shared node alone
}

// LockConfig tunes the quorum lock.
type LockConfig struct {
	TTL             string `toml:"ttl"`
	ExtendThreshold string `toml:"extend_threshold"`
	Tries           int    `toml:"tries"`
	RetryDelay      string `toml:"retry_delay"`
}

// EngineConfig tunes task execution.
type EngineConfig struct {
	RetryAttempts        int    `toml:"retry_attempts"`
	BaseDelay            string `toml:"base_delay"`
	TaskTimeout          string `toml:"task_timeout"`
	MaxConcurrentBatches int    `toml:"max_concurrent_batches"`
	IdempotencyTTL       string `toml:"idempotency_ttl"`
}

// QueueConfig tunes the error ingestion queue.
type QueueConfig struct {
	Workers           int    `toml:"workers"`
	PollInterval      string `toml:"poll_interval"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	MaxAttempts       int    `toml:"max_attempts"`
	BaseBackoff       string `toml:"base_backoff"`
	MaxBackoff        string `toml:"max_backoff"`
	DedupWindow       string `toml:"dedup_window"`
	Retention         string `toml:"retention"` // finished jobs older than this are purged
}

// MonitorConfig controls the headless browser.
type MonitorConfig struct {
	Enabled           bool   `toml:"enabled"`
	ChromePath        string `toml:"chrome_path"`
	NoSandbox         bool   `toml:"no_sandbox"`
	ObservationWindow string `toml:"observation_window"`
	NavigationTimeout string `toml:"navigation_timeout"`
	MaxParallelPages  int    `toml:"max_parallel_pages"`
	IdleTimeout       string `toml:"idle_timeout"`
}

// ResolverConfig controls the feedback loop.
type ResolverConfig struct {
	MaxIterations int    `toml:"max_iterations"`
	VerifyDelay   string `toml:"verify_delay"`
	SiteBaseURL   string `toml:"site_base_url"` // "{projectId}" is substituted
	CounterTTL    string `toml:"counter_ttl"`
}

// TextGenConfig points at an OpenAI-compatible chat completions API.
type TextGenConfig struct {
	BaseURL          string  `toml:"base_url"`
	APIKey           string  `toml:"api_key"`
	Model            string  `toml:"model"`
	Temperature      float32 `toml:"temperature"`
	MaxTokens        int     `toml:"max_tokens"`
	Timeout          string  `toml:"timeout"`
	BreakerThreshold int     `toml:"breaker_threshold"`
	BreakerCooldown  string  `toml:"breaker_cooldown"`
}

// NATSConfig controls live progress publishing. Empty URL disables it.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// ShellConfig controls Install task commands.
type ShellConfig struct {
	Allowed []string `toml:"allowed"`
	Timeout string   `toml:"timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// HealthConfig controls the background health checker.
type HealthConfig struct {
	Interval string `toml:"interval"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := cerebrumHome()
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11500,
		},
		Storage: StorageConfig{
			Dir: filepath.Join(homeDir, "sites"),
		},
		Redis: RedisConfig{
			Address: "127.0.0.1:6379",
		},
		Lock: LockConfig{
			TTL:             "30s",
			ExtendThreshold: "10s",
			Tries:           3,
			RetryDelay:      "200ms",
		},
		Engine: EngineConfig{
			RetryAttempts:        3,
			BaseDelay:            "1s",
			TaskTimeout:          "2m",
			MaxConcurrentBatches: 8,
			IdempotencyTTL:       "168h",
		},
		Queue: QueueConfig{
			Workers:           2,
			PollInterval:      "1s",
			VisibilityTimeout: "5m",
			MaxAttempts:       3,
			BaseBackoff:       "2s",
			MaxBackoff:        "1m",
			DedupWindow:       "30s",
			Retention:         "72h",
		},
		Monitor: MonitorConfig{
			Enabled:           true,
			ObservationWindow: "2s",
			NavigationTimeout: "15s",
			MaxParallelPages:  4,
			IdleTimeout:       "30s",
		},
		Resolver: ResolverConfig{
			MaxIterations: 5,
			VerifyDelay:   "3s",
			CounterTTL:    "24h",
		},
		TextGen: TextGenConfig{
			BaseURL:          "https://api.openai.com",
			Model:            "gpt-4o-mini",
			Temperature:      0.2,
			MaxTokens:        4096,
			Timeout:          "2m",
			BreakerThreshold: 5,
			BreakerCooldown:  "30s",
		},
		NATS: NATSConfig{
			SubjectPrefix: "cerebrum.progress",
		},
		Shell: ShellConfig{
			Allowed: []string{"npm", "npx", "pnpm", "yarn"},
			Timeout: "5m",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "cerebrum.log"),
		},
		Health: HealthConfig{
			Interval: "30s",
		},
	}
}

// LoadConfig reads config from ~/.cerebrum/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(cerebrumHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyEnv(&cfg)
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv lets secrets stay out of the config file.
func applyEnv(cfg *Config) {
	if key := os.Getenv("CEREBRUM_TEXTGEN_API_KEY"); key != "" {
		cfg.TextGen.APIKey = key
	}
	if addr := os.Getenv("CEREBRUM_REDIS_ADDRESS"); addr != "" {
		cfg.Redis.Address = addr
	}
}

// SaveConfig writes the config to ~/.cerebrum/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(cerebrumHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// cerebrumHome returns the Cerebrum data directory.
func cerebrumHome() string {
	if env := os.Getenv("CEREBRUM_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cerebrum")
}

// Home is exported for use by other packages.
func Home() string {
	return cerebrumHome()
}
