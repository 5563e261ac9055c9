// Package config loads runtime configuration from the environment (and an
// optional .env file), following the env-struct-tag convention used across
// the example pack rather than a bespoke flag/YAML format.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full set of runtime-tunable knobs. Every numeric default
// below matches the value spec.md names explicitly; where spec.md leaves a
// default unstated, the original_source/bbclaw reference is used instead.
type Config struct {
	Provider string `env:"CONDUCTOR_PROVIDER" envDefault:"anthropic"`

	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-5"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIModel     string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
	AWSRegion       string `env:"AWS_REGION" envDefault:"us-east-1"`
	BedrockModel    string `env:"BEDROCK_MODEL" envDefault:"anthropic.claude-3-5-sonnet-20241022-v2:0"`

	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/conductor?sslmode=disable"`
	RedisURL    string `env:"REDIS_URL"`

	WorkspaceRoot string `env:"CONDUCTOR_WORKSPACE_ROOT" envDefault:"./workspace"`
	ProjectRoot   string `env:"CONDUCTOR_PROJECT_ROOT" envDefault:"."`

	MaxIterations   int           `env:"CONDUCTOR_MAX_ITERATIONS" envDefault:"20"`
	Temperature     float64       `env:"CONDUCTOR_TEMPERATURE" envDefault:"0.7"`
	MaxParallelTask int           `env:"CONDUCTOR_MAX_PARALLEL_TASKS" envDefault:"5"`
	RetryBase       time.Duration `env:"CONDUCTOR_RETRY_BASE" envDefault:"1s"`
	MaxRetries      int           `env:"CONDUCTOR_MAX_RETRIES" envDefault:"2"`

	AutonomousTickMinutes int `env:"CONDUCTOR_AUTONOMOUS_TICK_MINUTES" envDefault:"5"`
	DailyObjectiveCap     int `env:"CONDUCTOR_DAILY_OBJECTIVE_CAP" envDefault:"4"`

	ImprovementEnabled        bool          `env:"CONDUCTOR_IMPROVEMENT_ENABLED" envDefault:"true"`
	ImprovementIntervalMin    int           `env:"CONDUCTOR_IMPROVEMENT_INTERVAL_MINUTES" envDefault:"360"`
	ImprovementMaxPerHour     int           `env:"CONDUCTOR_IMPROVEMENT_MAX_CYCLES_PER_HOUR" envDefault:"1"`
	ImprovementTokenBudget    int           `env:"CONDUCTOR_IMPROVEMENT_TOKEN_BUDGET_PER_HOUR" envDefault:"80000"`
	ImprovementIdleMinutes    int           `env:"CONDUCTOR_IMPROVEMENT_IDLE_MINUTES" envDefault:"5"`
	ImprovementRotateAfter    int           `env:"CONDUCTOR_IMPROVEMENT_ROTATE_AFTER" envDefault:"20"`
	ImprovementRunTimeout     time.Duration `env:"CONDUCTOR_IMPROVEMENT_RUN_TIMEOUT" envDefault:"5m"`

	UserWaitForImprovement time.Duration `env:"CONDUCTOR_USER_WAIT_FOR_IMPROVEMENT" envDefault:"30s"`
	ScheduledTaskTimeout   time.Duration `env:"CONDUCTOR_SCHEDULED_TASK_TIMEOUT" envDefault:"5m"`

	ErrorDedupWindow time.Duration `env:"CONDUCTOR_ERROR_DEDUP_WINDOW" envDefault:"60s"`
	ErrorRingSize    int           `env:"CONDUCTOR_ERROR_RING_SIZE" envDefault:"50"`

	HTTPAddr string `env:"CONDUCTOR_HTTP_ADDR" envDefault:":8080"`
	Verbose  bool   `env:"CONDUCTOR_VERBOSE" envDefault:"false"`
}

// Load reads a .env file if present (ignored if missing) then binds the
// environment into a Config, applying envDefault tags for unset variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
