// Package config loads server configuration from an optional YAML file and
// TERMMUX_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/remote-agent-terminal/termmux/internal/circuit"
	"github.com/remote-agent-terminal/termmux/internal/metrics"
	"github.com/remote-agent-terminal/termmux/internal/session"
	"github.com/remote-agent-terminal/termmux/internal/ws"
)

// EnvPrefix prefixes every environment variable, e.g. TERMMUX_SERVER_LISTEN_ADDR.
const EnvPrefix = "TERMMUX"

// Config holds all server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	Log     LogConfig     `yaml:"log" envconfig:"LOG"`
	Storage StorageConfig `yaml:"storage" envconfig:"STORAGE"`
	Session SessionConfig `yaml:"session" envconfig:"SESSION"`
	Stream  StreamConfig  `yaml:"stream" envconfig:"STREAM"`
	Breaker BreakerConfig `yaml:"breaker" envconfig:"BREAKER"`
	Backoff BackoffConfig `yaml:"backoff" envconfig:"BACKOFF"`
	Metrics MetricsConfig `yaml:"metrics" envconfig:"METRICS"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	// AllowedOrigins lists WebSocket origins; empty allows any.
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

type StorageConfig struct {
	// DBPath is the session history database. Empty disables history.
	DBPath string `yaml:"db_path" envconfig:"DB_PATH"`
	// RecordDir receives asciicast recordings. Empty disables recording.
	RecordDir        string        `yaml:"record_dir" envconfig:"RECORD_DIR"`
	HistoryQueue     int           `yaml:"history_queue" envconfig:"HISTORY_QUEUE"`
	HistoryRetention time.Duration `yaml:"history_retention" envconfig:"HISTORY_RETENTION"`
}

type SessionConfig struct {
	FocusLimit            int           `yaml:"focus_limit" envconfig:"FOCUS_LIMIT"`
	MaxSessionsPerProject int           `yaml:"max_sessions_per_project" envconfig:"MAX_SESSIONS_PER_PROJECT"`
	IdleTimeout           time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	SweepInterval         time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	ClosedRetention       time.Duration `yaml:"closed_retention" envconfig:"CLOSED_RETENTION"`
	SpawnAttempts         int           `yaml:"spawn_attempts" envconfig:"SPAWN_ATTEMPTS"`
	Shell                 string        `yaml:"shell" envconfig:"SHELL"`
	AssistantCommand      string        `yaml:"assistant_command" envconfig:"ASSISTANT_COMMAND"`
}

type StreamConfig struct {
	BufferLines           int           `yaml:"buffer_lines" envconfig:"BUFFER_LINES"`
	BufferBytes           int           `yaml:"buffer_bytes" envconfig:"BUFFER_BYTES"`
	BindTimeout           time.Duration `yaml:"bind_timeout" envconfig:"BIND_TIMEOUT"`
	SendQueueSize         int           `yaml:"send_queue_size" envconfig:"SEND_QUEUE_SIZE"`
	BackpressureThreshold int           `yaml:"backpressure_threshold" envconfig:"BACKPRESSURE_THRESHOLD"`
	MaxCols               uint16        `yaml:"max_cols" envconfig:"MAX_COLS"`
	MaxRows               uint16        `yaml:"max_rows" envconfig:"MAX_ROWS"`
}

type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD"`
	Window            time.Duration `yaml:"window" envconfig:"WINDOW"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout" envconfig:"RECOVERY_TIMEOUT"`
	RequiredSuccesses int           `yaml:"required_successes" envconfig:"REQUIRED_SUCCESSES"`
}

type BackoffConfig struct {
	BaseDelay time.Duration `yaml:"base_delay" envconfig:"BASE_DELAY"`
	MaxDelay  time.Duration `yaml:"max_delay" envconfig:"MAX_DELAY"`
	MaxJitter time.Duration `yaml:"max_jitter" envconfig:"MAX_JITTER"`
}

type MetricsConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval" envconfig:"SAMPLE_INTERVAL"`
	RingSize       int           `yaml:"ring_size" envconfig:"RING_SIZE"`
}

// Default returns the built-in configuration.
func Default() Config {
	sess := session.DefaultConfig()
	stream := ws.DefaultConfig()
	breaker := circuit.DefaultConfig()
	backoff := circuit.DefaultBackoff()
	m := metrics.DefaultConfig()

	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			DBPath:           "data/termmux.db",
			HistoryQueue:     1024,
			HistoryRetention: 7 * 24 * time.Hour,
		},
		Session: SessionConfig{
			FocusLimit:            sess.FocusLimit,
			MaxSessionsPerProject: sess.MaxSessionsPerProject,
			IdleTimeout:           sess.IdleTimeout,
			SweepInterval:         sess.SweepInterval,
			ClosedRetention:       sess.ClosedRetention,
			SpawnAttempts:         sess.SpawnAttempts,
			Shell:                 sess.Shell,
			AssistantCommand:      sess.AssistantCommand,
		},
		Stream: StreamConfig{
			BufferLines:           stream.BufferLines,
			BufferBytes:           stream.BufferBytes,
			BindTimeout:           stream.BindTimeout,
			SendQueueSize:         stream.SendQueueSize,
			BackpressureThreshold: stream.BackpressureThreshold,
			MaxCols:               stream.MaxCols,
			MaxRows:               stream.MaxRows,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  breaker.FailureThreshold,
			Window:            breaker.Window,
			RecoveryTimeout:   breaker.RecoveryTimeout,
			RequiredSuccesses: breaker.RequiredSuccesses,
		},
		Backoff: BackoffConfig{
			BaseDelay: backoff.BaseDelay,
			MaxDelay:  backoff.MaxDelay,
			MaxJitter: backoff.MaxJitter,
		},
		Metrics: MetricsConfig{SampleInterval: m.SampleInterval, RingSize: m.RingSize},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.ListenAddr != "", "server.listen_addr is required")
	check(c.Server.RateLimitRPS >= 0, "server.rate_limit_rps must not be negative")
	check(c.Server.RateLimitRPS == 0 || c.Server.RateLimitBurst > 0, "server.rate_limit_burst must be positive when rate limiting")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	check(c.Storage.HistoryQueue > 0, "storage.history_queue must be positive")
	check(c.Storage.HistoryRetention >= 0, "storage.history_retention must not be negative")

	check(c.Session.FocusLimit > 0, "session.focus_limit must be positive")
	check(c.Session.MaxSessionsPerProject > 0, "session.max_sessions_per_project must be positive")
	check(c.Session.IdleTimeout > 0, "session.idle_timeout must be positive")
	check(c.Session.SweepInterval > 0, "session.sweep_interval must be positive")
	check(c.Session.ClosedRetention >= 0, "session.closed_retention must not be negative")
	check(c.Session.SpawnAttempts > 0, "session.spawn_attempts must be positive")
	check(c.Session.Shell != "", "session.shell is required")

	check(c.Stream.BufferLines >= 0, "stream.buffer_lines must not be negative")
	check(c.Stream.BufferBytes > 0, "stream.buffer_bytes must be positive")
	check(c.Stream.BindTimeout > 0, "stream.bind_timeout must be positive")
	check(c.Stream.SendQueueSize > 0, "stream.send_queue_size must be positive")
	check(c.Stream.BackpressureThreshold > 0 && c.Stream.BackpressureThreshold <= c.Stream.SendQueueSize,
		"stream.backpressure_threshold must be in (0, send_queue_size]")
	check(c.Stream.MaxCols > 0, "stream.max_cols must be positive")
	check(c.Stream.MaxRows > 0, "stream.max_rows must be positive")

	check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
	check(c.Breaker.Window > 0, "breaker.window must be positive")
	check(c.Breaker.RecoveryTimeout > 0, "breaker.recovery_timeout must be positive")
	check(c.Breaker.RequiredSuccesses > 0, "breaker.required_successes must be positive")

	check(c.Backoff.BaseDelay > 0, "backoff.base_delay must be positive")
	check(c.Backoff.MaxDelay >= c.Backoff.BaseDelay, "backoff.max_delay must be at least base_delay")
	check(c.Backoff.MaxJitter >= 0, "backoff.max_jitter must not be negative")

	check(c.Metrics.SampleInterval > 0, "metrics.sample_interval must be positive")
	check(c.Metrics.RingSize > 1, "metrics.ring_size must be at least 2")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryBackoff returns the shared retry delay bounds.
func (c *Config) RetryBackoff() circuit.Backoff {
	return circuit.Backoff{
		BaseDelay: c.Backoff.BaseDelay,
		MaxDelay:  c.Backoff.MaxDelay,
		MaxJitter: c.Backoff.MaxJitter,
	}
}

// SessionManager projects the session manager settings.
func (c *Config) SessionManager() session.Config {
	return session.Config{
		FocusLimit:            c.Session.FocusLimit,
		MaxSessionsPerProject: c.Session.MaxSessionsPerProject,
		IdleTimeout:           c.Session.IdleTimeout,
		SweepInterval:         c.Session.SweepInterval,
		ClosedRetention:       c.Session.ClosedRetention,
		SpawnAttempts:         c.Session.SpawnAttempts,
		Backoff:               c.RetryBackoff(),
		Shell:                 c.Session.Shell,
		AssistantCommand:      c.Session.AssistantCommand,
	}
}

// StreamManager projects the stream manager settings.
func (c *Config) StreamManager() ws.Config {
	cfg := ws.DefaultConfig()
	cfg.BufferLines = c.Stream.BufferLines
	cfg.BufferBytes = c.Stream.BufferBytes
	cfg.BindTimeout = c.Stream.BindTimeout
	cfg.SendQueueSize = c.Stream.SendQueueSize
	cfg.BackpressureThreshold = c.Stream.BackpressureThreshold
	cfg.MaxCols = c.Stream.MaxCols
	cfg.MaxRows = c.Stream.MaxRows
	cfg.Backoff = c.RetryBackoff()
	return cfg
}

// CircuitBreaker projects the breaker thresholds.
func (c *Config) CircuitBreaker() circuit.Config {
	return circuit.Config{
		FailureThreshold:  c.Breaker.FailureThreshold,
		Window:            c.Breaker.Window,
		RecoveryTimeout:   c.Breaker.RecoveryTimeout,
		RequiredSuccesses: c.Breaker.RequiredSuccesses,
	}
}

// MetricsCollector projects the collector settings.
func (c *Config) MetricsCollector() metrics.Config {
	return metrics.Config{
		SampleInterval: c.Metrics.SampleInterval,
		RingSize:       c.Metrics.RingSize,
	}
}
