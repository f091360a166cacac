// Package config loads the coordinator's settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
)

type Config struct {
	ProjectID      string `env:"PROJECT_ID"`
	VertexAIRegion string `env:"VERTEX_AI_REGION" envDefault:"us-central1"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	CoordinationBackend string `env:"COORDINATION_BACKEND" envDefault:"firestore"`
	RedisURL            string `env:"REDIS_URL"`
	RecordCollection    string `env:"FIRESTORE_COLLECTION" envDefault:"processing_records"`
	BudgetCollection    string `env:"BUDGET_COLLECTION" envDefault:"budget_counters"`

	ProcessedBucket  string `env:"PROCESSED_BUCKET"`
	QuarantineBucket string `env:"QUARANTINE_BUCKET"`

	CheapModel             string  `env:"CHEAP_MODEL" envDefault:"gemini-1.5-flash"`
	ExpensiveModel         string  `env:"EXPENSIVE_MODEL" envDefault:"gemini-1.5-pro"`
	MarkdownModel          string  `env:"MARKDOWN_MODEL" envDefault:"gemini-1.5-pro"`
	ModelRequestsPerSecond float64 `env:"MODEL_REQUESTS_PER_SECOND" envDefault:"5"`

	DailyEscalationLimit   int64  `env:"DAILY_ESCALATION_LIMIT" envDefault:"50"`
	MonthlyEscalationLimit int64  `env:"MONTHLY_ESCALATION_LIMIT" envDefault:"1000"`
	BudgetTimezone         string `env:"BUDGET_TIMEZONE" envDefault:"Australia/Sydney"`

	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"5m"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"1m"`
	ExecutionTimeout  time.Duration `env:"EXECUTION_TIMEOUT" envDefault:"9m"`
	SafetyMargin      time.Duration `env:"SAFETY_MARGIN" envDefault:"30s"`

	ConfidenceThreshold  float64  `env:"CONFIDENCE_THRESHOLD" envDefault:"0.85"`
	FragileDocumentTypes []string `env:"FRAGILE_DOCUMENT_TYPES" envDefault:"engineering_drawing,handwritten,scanned_form" envSeparator:","`

	MalformedOutputRetries int           `env:"MALFORMED_OUTPUT_RETRIES" envDefault:"2"`
	RateLimitedRetries     int           `env:"RATE_LIMITED_RETRIES" envDefault:"5"`
	TransientServerRetries int           `env:"TRANSIENT_SERVER_RETRIES" envDefault:"3"`
	ValidationRetries      int           `env:"VALIDATION_RETRIES" envDefault:"0"`
	RateLimitBaseBackoff   time.Duration `env:"RATE_LIMIT_BASE_BACKOFF" envDefault:"1s"`
	RateLimitMaxBackoff    time.Duration `env:"RATE_LIMIT_MAX_BACKOFF" envDefault:"30s"`
	TransientBackoff       time.Duration `env:"TRANSIENT_BACKOFF" envDefault:"2s"`

	ReviewWorkflowID string `env:"REVIEW_WORKFLOW_ID"`
	WorkflowLocation string `env:"WORKFLOW_LOCATION" envDefault:"us-central1"`
}

// Load reads a .env file when present, then the environment, and validates
// the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if c.ProcessedBucket == "" {
		return fmt.Errorf("PROCESSED_BUCKET environment variable must be set")
	}
	if c.QuarantineBucket == "" {
		return fmt.Errorf("QUARANTINE_BUCKET environment variable must be set")
	}

	switch c.CoordinationBackend {
	case BackendFirestore:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when COORDINATION_BACKEND is redis")
		}
	default:
		return fmt.Errorf("COORDINATION_BACKEND must be %q or %q, got %q", BackendFirestore, BackendRedis, c.CoordinationBackend)
	}

	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LockTTL {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive and shorter than LOCK_TTL")
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= c.ExecutionTimeout {
		return fmt.Errorf("SAFETY_MARGIN must be non-negative and shorter than EXECUTION_TIMEOUT")
	}

	if _, err := time.LoadLocation(c.BudgetTimezone); err != nil {
		return fmt.Errorf("BUDGET_TIMEZONE %q is not a known timezone: %w", c.BudgetTimezone, err)
	}
	if c.DailyEscalationLimit < 0 || c.MonthlyEscalationLimit < 0 {
		return fmt.Errorf("escalation limits cannot be negative")
	}
	if c.MalformedOutputRetries < 0 || c.RateLimitedRetries < 0 || c.TransientServerRetries < 0 || c.ValidationRetries < 0 {
		return fmt.Errorf("retry caps cannot be negative")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be between 0 and 1")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Location returns the budget policy timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BudgetTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return level, nil
}
