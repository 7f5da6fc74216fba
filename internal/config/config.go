// Package config loads the orchestrator configuration.
//
// Loading order:
//  1. .env (secrets and APP_ENV), first file found walking up from the
//     working directory
//  2. built-in defaults
//  3. the YAML file named by CONFIG_FILE, when set
//  4. environment variables, which override the YAML values
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Schedule store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config is the complete process configuration.
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	SMS       SMSConfig       `yaml:"sms"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL           string `yaml:"url"`
	SQLitePath    string `yaml:"sqlite_path"`
	ScheduleStore string `yaml:"schedule_store"`
}

type RedisConfig struct {
	// URL enables the cache mirror when set, e.g. redis://localhost:6379/0.
	URL           string        `yaml:"url"`
	MirrorTimeout time.Duration `yaml:"mirror_timeout"`
}

// ProvidersConfig lists the opaque upstream endpoints.
type ProvidersConfig struct {
	MarketDataURL    string        `yaml:"market_data_url"`
	MarketDataAPIKey string        `yaml:"-"`
	NewsURL          string        `yaml:"news_url"`
	NewsAPIKey       string        `yaml:"-"`
	LLMURL           string        `yaml:"llm_url"`
	LLMAPIKey        string        `yaml:"-"`
	LLMModel         string        `yaml:"llm_model"`
	LLMMaxTokens     int           `yaml:"llm_max_tokens"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

type SMTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"-"`
	From      string `yaml:"from"`
	DefaultTo string `yaml:"default_to"`
}

type SMSConfig struct {
	GatewayURL string `yaml:"gateway_url"`
	Path       string `yaml:"path"`
	APIKey     string `yaml:"-"`
	From       string `yaml:"from"`
	DefaultTo  string `yaml:"default_to"`
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	// TTLs overrides per-category TTLs, keyed by category name.
	TTLs map[string]time.Duration `yaml:"ttls"`
}

type SchedulerConfig struct {
	// Evaluator is "simple" (minute and hour fields only) or "standard".
	Evaluator    string        `yaml:"evaluator"`
	FireTimeout  time.Duration `yaml:"fire_timeout"`
	HistoryLimit int           `yaml:"history_limit"`
}

type AlertsConfig struct {
	// CheckInterval of zero disables the background check loop.
	CheckInterval time.Duration `yaml:"check_interval"`
	Cooldown      time.Duration `yaml:"cooldown"`
	HistoryLimit  int           `yaml:"history_limit"`
}

type WorkflowsConfig struct {
	Dir          string `yaml:"dir"`
	Builtins     bool   `yaml:"builtins"`
	AutoSchedule bool   `yaml:"auto_schedule"`
	HistoryLimit int    `yaml:"history_limit"`
}

type AuthConfig struct {
	// JWTSecret enables bearer-token auth on /api when set.
	JWTSecret string        `yaml:"-"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Env: "dev",
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{ScheduleStore: StoreMemory, SQLitePath: "data/schedules.db"},
		Redis:    RedisConfig{MirrorTimeout: 200 * time.Millisecond},
		Providers: ProvidersConfig{
			LLMModel:         "gpt-4o-mini",
			LLMMaxTokens:     600,
			Timeout:          15 * time.Second,
			FailureThreshold: 5,
		},
		SMTP:      SMTPConfig{Port: 587},
		SMS:       SMSConfig{Path: "/messages"},
		Cache:     CacheConfig{MaxEntries: 1000},
		Scheduler: SchedulerConfig{Evaluator: "simple", FireTimeout: 2 * time.Minute, HistoryLimit: 100},
		Alerts:    AlertsConfig{CheckInterval: time.Minute, HistoryLimit: 200},
		Workflows: WorkflowsConfig{Builtins: true, HistoryLimit: 50},
		Auth:      AuthConfig{TokenTTL: 24 * time.Hour},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from .env, CONFIG_FILE and the environment,
// then validates it.
func Load() (*Config, error) {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeYAMLFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from environment variables. Malformed numbers
// and durations are errors rather than silently ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a duration", key, v))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}

	str("APP_ENV", &c.Env)
	str("PORT", &c.Server.Port)
	dur("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	str("DATABASE_URL", &c.Database.URL)
	str("SQLITE_PATH", &c.Database.SQLitePath)
	str("SCHEDULE_STORE", &c.Database.ScheduleStore)

	str("REDIS_URL", &c.Redis.URL)

	str("MARKET_DATA_URL", &c.Providers.MarketDataURL)
	str("MARKET_DATA_API_KEY", &c.Providers.MarketDataAPIKey)
	str("NEWS_URL", &c.Providers.NewsURL)
	str("NEWS_API_KEY", &c.Providers.NewsAPIKey)
	str("LLM_URL", &c.Providers.LLMURL)
	str("LLM_API_KEY", &c.Providers.LLMAPIKey)
	str("LLM_MODEL", &c.Providers.LLMModel)
	dur("PROVIDER_TIMEOUT", &c.Providers.Timeout)

	str("SMTP_HOST", &c.SMTP.Host)
	num("SMTP_PORT", &c.SMTP.Port)
	str("SMTP_USER", &c.SMTP.User)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	str("SMTP_FROM", &c.SMTP.From)
	str("EMAIL_DEFAULT_TO", &c.SMTP.DefaultTo)

	str("SMS_GATEWAY_URL", &c.SMS.GatewayURL)
	str("SMS_API_KEY", &c.SMS.APIKey)
	str("SMS_FROM", &c.SMS.From)
	str("SMS_DEFAULT_TO", &c.SMS.DefaultTo)

	num("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	str("CRON_EVALUATOR", &c.Scheduler.Evaluator)
	dur("ALERT_CHECK_INTERVAL", &c.Alerts.CheckInterval)
	dur("ALERT_COOLDOWN", &c.Alerts.Cooldown)

	str("WORKFLOW_DIR", &c.Workflows.Dir)
	flag("WORKFLOW_BUILTINS", &c.Workflows.Builtins)
	flag("WORKFLOW_AUTOSCHEDULE", &c.Workflows.AutoSchedule)

	str("JWT_SECRET", &c.Auth.JWTSecret)
	dur("JWT_TOKEN_TTL", &c.Auth.TokenTTL)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if p, err := strconv.Atoi(c.Server.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("server port %q is invalid", c.Server.Port))
	}

	c.Database.ScheduleStore = strings.ToLower(c.Database.ScheduleStore)
	switch c.Database.ScheduleStore {
	case StoreMemory:
	case StorePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("schedule store postgres requires DATABASE_URL"))
		}
	case StoreSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("schedule store sqlite requires SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("schedule store %q must be memory, postgres or sqlite", c.Database.ScheduleStore))
	}

	switch c.Scheduler.Evaluator {
	case "simple", "standard":
	default:
		errs = append(errs, fmt.Errorf("cron evaluator %q must be simple or standard", c.Scheduler.Evaluator))
	}

	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, errors.New("cache max entries must be positive"))
	}
	for cat, ttl := range c.Cache.TTLs {
		if ttl <= 0 {
			errs = append(errs, fmt.Errorf("cache ttl for %q must be positive", cat))
		}
	}
	if c.Alerts.CheckInterval < 0 || c.Alerts.Cooldown < 0 {
		errs = append(errs, errors.New("alert interval and cooldown must not be negative"))
	}
	if c.SMTP.Host != "" && (c.SMTP.Port <= 0 || c.SMTP.From == "") {
		errs = append(errs, errors.New("smtp requires a port and a from address"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be json or text", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q is invalid", s)
	}
	return level, nil
}

// NewLogger builds the process logger.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
