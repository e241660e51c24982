package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Lock        LockConfig        `yaml:"lock"`
	Runner      RunnerConfig      `yaml:"runner"`
	HealthCheck HealthCheckConfig `yaml:"healthcheck"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Notify      NotifyConfig      `yaml:"notify"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Security    SecurityConfig    `yaml:"security"`
	TLS         TLSConfig         `yaml:"tls"`
	App         AppConfig         `yaml:"app"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// Migrate applies the embedded schema at startup.
	Migrate bool `yaml:"migrate"`
}

type RedisConfig struct {
	// URL in redis://[user:pass@]host:port/db form.
	URL string `yaml:"url"`
}

// Lock backends.
const (
	LockMemory   = "memory"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

type LockConfig struct {
	Backend       string        `yaml:"backend"`
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RunnerConfig struct {
	// Runtime is "cypress" or "command".
	Runtime        string        `yaml:"runtime"`
	Command        []string      `yaml:"command"`
	Browser        string        `yaml:"browser"`
	Shell          bool          `yaml:"shell"`
	WorkDir        string        `yaml:"work_dir"`
	Env            []string      `yaml:"env"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	Limits         LimitsConfig  `yaml:"limits"`
}

type LimitsConfig struct {
	MaxMemoryMB   float64       `yaml:"max_memory_mb"`
	MaxCPUPercent float64       `yaml:"max_cpu_percent"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type HealthCheckConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type SchedulerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	E2EInterval         time.Duration `yaml:"e2e_interval"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	APIURL   string        `yaml:"api_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Enabled reports whether both credentials are present.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	CronSecret           string   `yaml:"cron_secret"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	// CronRateLimit is requests per minute per client on /cron routes.
	CronRateLimit int `yaml:"cron_rate_limit"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type AppConfig struct {
	// PublicURL is used for dashboard links in notifications.
	PublicURL string `yaml:"public_url"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or env
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // e2e runs and SSE streams outlive any fixed write deadline
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Lock: LockConfig{
			Backend:       LockMemory,
			Timeout:       30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Runner: RunnerConfig{
			Runtime:        "cypress",
			Browser:        "chrome",
			DefaultTimeout: 10 * time.Minute,
			MaxTimeout:     25 * time.Minute,
			KillGrace:      5 * time.Second,
			Limits: LimitsConfig{
				MaxMemoryMB:   2048,
				MaxCPUPercent: 90,
				CheckInterval: 5 * time.Second,
			},
		},
		HealthCheck: HealthCheckConfig{
			Timeout:   30 * time.Second,
			UserAgent: "App-Monitor/1.0",
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			HealthCheckInterval: 5 * time.Minute,
			E2EInterval:         time.Hour,
		},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{
				APIURL:  "https://api.telegram.org",
				Timeout: 10 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			CronRateLimit:  10,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		App: AppConfig{
			PublicURL: "http://localhost:8080",
		},
	}
}

// ApplyEnv overrides secrets and deployment settings from the environment.
// lookup is os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TELEGRAM_BOT_TOKEN"); ok {
		c.Notify.Telegram.BotToken = v
	}
	if v, ok := lookup("TELEGRAM_CHAT_ID"); ok {
		c.Notify.Telegram.ChatID = v
	}
	if v, ok := lookup("CRON_SECRET"); ok {
		c.Security.CronSecret = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		c.Redis.URL = v
		if !strings.Contains(v, "://") {
			c.Redis.URL = "redis://" + v
		}
	}
	if v, ok := lookup("APP_PUBLIC_URL"); ok {
		c.App.PublicURL = v
	}
	if v, ok := lookup("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT=%q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("API_KEYS"); ok && v != "" {
		c.Security.AllowedKeys = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	switch c.Lock.Backend {
	case LockMemory:
	case LockPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("lock.backend %q requires database.dsn", c.Lock.Backend)
		}
	case LockRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("lock.backend %q requires redis.url", c.Lock.Backend)
		}
	default:
		return fmt.Errorf("lock.backend must be memory, postgres or redis, got %q", c.Lock.Backend)
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be positive")
	}

	switch c.Runner.Runtime {
	case "cypress":
	case "command":
		if len(c.Runner.Command) == 0 {
			return fmt.Errorf("runner.command is required when runner.runtime is command")
		}
	default:
		return fmt.Errorf("runner.runtime must be cypress or command, got %q", c.Runner.Runtime)
	}
	if c.Runner.DefaultTimeout > c.Runner.MaxTimeout {
		return fmt.Errorf("runner.default_timeout (%s) must be <= max_timeout (%s)",
			c.Runner.DefaultTimeout, c.Runner.MaxTimeout)
	}
	// A run must be resolved, kill grace included, before its lock lapses.
	if c.Runner.MaxTimeout+c.Runner.KillGrace >= c.Lock.Timeout {
		return fmt.Errorf("runner.max_timeout (%s) plus kill_grace (%s) must be below lock.timeout (%s)",
			c.Runner.MaxTimeout, c.Runner.KillGrace, c.Lock.Timeout)
	}
	if c.Runner.Limits.MaxMemoryMB < 0 || c.Runner.Limits.MaxCPUPercent < 0 {
		return fmt.Errorf("runner.limits must not be negative")
	}

	if c.HealthCheck.Timeout <= 0 {
		return fmt.Errorf("healthcheck.timeout must be positive")
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.HealthCheckInterval < time.Second || c.Scheduler.E2EInterval < time.Second {
			return fmt.Errorf("scheduler intervals must be >= 1s")
		}
	}
	if c.Security.CronRateLimit < 1 {
		return fmt.Errorf("security.cron_rate_limit must be >= 1")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.App.PublicURL != "" {
		u, err := url.Parse(c.App.PublicURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("app.public_url %q is not an absolute URL", c.App.PublicURL)
		}
	}

	if len(c.Security.AllowedKeys) == 0 && !c.Security.AllowUnauthenticated {
		log.Warn().Msg("security.allowed_keys is empty; API requests will be rejected")
	}
	if !c.Notify.Telegram.Enabled() {
		log.Warn().Msg("telegram credentials not set; notifications are disabled")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
