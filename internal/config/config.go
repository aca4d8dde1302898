// Package config loads the router's YAML configuration with ROUTER_*
// environment overrides.
package config

// #region imports
import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
	"github.com/danielpatrickdp/adaptive-router/internal/policy"
	"github.com/danielpatrickdp/adaptive-router/internal/router"
	"github.com/danielpatrickdp/adaptive-router/internal/scheduler"
	"github.com/danielpatrickdp/adaptive-router/internal/scoring"
)

// #endregion

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// #region types

// Config is the whole controller configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Feedback     FeedbackConfig     `yaml:"feedback"`
	Router       router.Config      `yaml:"router"`
	Policy       policy.Config      `yaml:"policy"`
	Scheduler    scheduler.Config   `yaml:"scheduler"`
	Scoring      scoring.Config     `yaml:"scoring"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
	Redis        RedisConfig        `yaml:"redis"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	FeedbackRPS     float64       `yaml:"feedback_rps"` // 0 disables rate limiting
	FeedbackBurst   int           `yaml:"feedback_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig locates the SQLite version store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// FeedbackConfig selects the durable feedback log and the window shape.
type FeedbackConfig struct {
	Driver      string          `yaml:"driver"`      // sqlite | postgres
	SQLitePath  string          `yaml:"sqlite_path"` // separate from store.path
	PostgresURL string          `yaml:"postgres_url"`
	Window      feedback.Config `yaml:"window"`
}

// CollaboratorConfig addresses the gRPC tuning/scoring/similarity service.
type CollaboratorConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig enables the shared lease and the alert stream.
type RedisConfig struct {
	URL          string `yaml:"url"` // empty disables redis
	LeasePrefix  string `yaml:"lease_prefix"`
	AlertStream  string `yaml:"alert_stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

// TracingConfig enables OTLP trace export.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"` // empty disables tracing
	ServiceName string `yaml:"service_name"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Format string `yaml:"format"` // json | text
	Level  string `yaml:"level"`
}

// #endregion

// #region defaults

// Default returns a config that runs a single controller against a local
// SQLite file.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			FeedbackRPS:     500,
			FeedbackBurst:   1000,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Path: "router.db"},
		Feedback: FeedbackConfig{
			Driver:     "sqlite",
			SQLitePath: "feedback.db",
			Window:     feedback.DefaultConfig(),
		},
		Router: router.Config{
			Strategy:            router.StrategyPriorityList,
			SimilarityThreshold: 0.8,
			SimilarityTimeout:   500 * time.Millisecond,
			NeutralTag:          "general",
		},
		Policy:       policy.DefaultConfig(),
		Scheduler:    scheduler.DefaultConfig(),
		Scoring:      scoring.DefaultConfig(),
		Collaborator: CollaboratorConfig{Addr: "localhost:50051"},
		Redis: RedisConfig{
			LeasePrefix:  "router:lease:",
			AlertStream:  "router:alerts",
			StreamMaxLen: 10000,
		},
		Tracing: TracingConfig{ServiceName: "adaptive-router"},
		Log:     LogConfig{Format: "json", Level: "info"},
	}
}

// #endregion

// #region load

// Load reads path over the defaults, applies ROUTER_* overrides and
// validates the result. An empty path uses defaults plus environment.
// Scoring weights listed in the file override the defaults key by key.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if len(cfg.Policy.Rules) == 0 {
		cfg.Policy.Rules = policy.DefaultRules()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPolicy reads only the policy section of a config file.
func LoadPolicy(path string) (policy.Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return policy.Config{}, err
	}
	return cfg.Policy, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = envOr("ROUTER_ADDR", c.Server.Addr)
	c.Store.Path = envOr("ROUTER_DB_PATH", c.Store.Path)
	c.Feedback.Driver = envOr("ROUTER_FEEDBACK_DRIVER", c.Feedback.Driver)
	c.Feedback.SQLitePath = envOr("ROUTER_FEEDBACK_DB_PATH", c.Feedback.SQLitePath)
	c.Feedback.PostgresURL = envOr("ROUTER_POSTGRES_URL", c.Feedback.PostgresURL)
	c.Collaborator.Addr = envOr("ROUTER_COLLABORATOR_ADDR", c.Collaborator.Addr)
	c.Redis.URL = envOr("ROUTER_REDIS_URL", c.Redis.URL)
	c.Tracing.Endpoint = envOr("ROUTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Log.Format = envOr("ROUTER_LOG_FORMAT", c.Log.Format)
	c.Log.Level = envOr("ROUTER_LOG_LEVEL", c.Log.Level)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion

// #region validate

// Validate rejects incoherent settings.
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	switch c.Router.Strategy {
	case router.StrategyPriorityList, router.StrategyMerge:
	default:
		return fmt.Errorf("router.strategy %q: %w", c.Router.Strategy, ErrInvalid)
	}
	if c.Router.SimilarityThreshold < 0 || c.Router.SimilarityThreshold > 1 {
		return fmt.Errorf("router.similarity_threshold %.3f outside [0, 1]: %w", c.Router.SimilarityThreshold, ErrInvalid)
	}
	switch strings.ToLower(c.Feedback.Driver) {
	case "sqlite":
		if c.Feedback.SQLitePath == "" {
			return fmt.Errorf("feedback.sqlite_path required for sqlite driver: %w", ErrInvalid)
		}
	case "postgres":
		if c.Feedback.PostgresURL == "" {
			return fmt.Errorf("feedback.postgres_url required for postgres driver: %w", ErrInvalid)
		}
	default:
		return fmt.Errorf("feedback.driver %q: %w", c.Feedback.Driver, ErrInvalid)
	}
	if c.Feedback.Window.WindowSize <= 0 || c.Feedback.Window.MaxAge < 0 || c.Feedback.Window.Lateness < 0 {
		return fmt.Errorf("feedback.window: sizes must be positive: %w", ErrInvalid)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts %d < 1: %w", c.Scheduler.MaxAttempts, ErrInvalid)
	}
	if c.Scheduler.TuningTimeout <= 0 {
		return fmt.Errorf("scheduler.tuning_timeout is required: %w", ErrInvalid)
	}
	if c.Scheduler.BatchSize < 0 || c.Scheduler.EvaluateInterval < 0 || c.Scheduler.OptimizeInterval < 0 {
		return fmt.Errorf("scheduler: negative interval or batch size: %w", ErrInvalid)
	}
	for k, w := range c.Scoring.Weights {
		if w < 0 {
			return fmt.Errorf("scoring.weights[%s] %.3f < 0: %w", k, w, ErrInvalid)
		}
	}
	if c.Server.FeedbackRPS < 0 {
		return fmt.Errorf("server.feedback_rps < 0: %w", ErrInvalid)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q: %w", c.Log.Format, ErrInvalid)
	}
	return nil
}

// #endregion
