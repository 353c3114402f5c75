package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string `env:"PORT" envDefault:"8080"`

	// Redis holds both the job queue and the job records.
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Database, optional. Usage is only persisted when set.
	PostgresDSN string `env:"POSTGRES_DSN"`

	// Queue
	QueueKey        string        `env:"QUEUE_KEY" envDefault:"chat:queue"`
	JobKeyPrefix    string        `env:"JOB_KEY_PREFIX" envDefault:"chat:job:"`
	JobTTL          time.Duration `env:"JOB_TTL" envDefault:"1h"`
	MaxQueueDepth   int64         `env:"MAX_QUEUE_DEPTH" envDefault:"1000"`
	ProcessQueueMax int           `env:"PROCESS_QUEUE_MAX" envDefault:"10"`

	// Worker
	DequeueTimeout    time.Duration `env:"DEQUEUE_TIMEOUT" envDefault:"1s"`
	ErrorBackoff      time.Duration `env:"ERROR_BACKOFF" envDefault:"5s"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"5m"`

	// Providers
	GenerationModel string   `env:"GENERATION_MODEL" envDefault:"gemma3"`
	OllamaHost      string   `env:"OLLAMA_HOST" envDefault:"http://localhost:11434"`
	OllamaModels    []string `env:"OLLAMA_MODELS" envSeparator:"," envDefault:"gemma3"`
	OpenAIAPIKey    string   `env:"OPENAI_API_KEY"`
	GeminiAPIKey    string   `env:"GEMINI_API_KEY"`
	AnthropicAPIKey string   `env:"ANTHROPIC_API_KEY"`

	// Submissions per client IP per minute, 0 disables
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Observability
	OTELExporterType     string `env:"OTEL_EXPORTER_TYPE" envDefault:"none"` // "stdout", "otlp" or "none"
	OTELExporterEndpoint string `env:"OTEL_EXPORTER_ENDPOINT" envDefault:"localhost:4317"`
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if c.JobTTL <= 0 {
		return errors.New("JOB_TTL must be positive")
	}
	if c.DequeueTimeout <= 0 {
		return errors.New("DEQUEUE_TIMEOUT must be positive")
	}
	if c.ErrorBackoff <= 0 {
		return errors.New("ERROR_BACKOFF must be positive")
	}
	if c.GenerationTimeout <= 0 {
		return errors.New("GENERATION_TIMEOUT must be positive")
	}
	if c.MaxQueueDepth < 0 {
		return errors.New("MAX_QUEUE_DEPTH cannot be negative")
	}
	if c.RateLimitPerMinute < 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE cannot be negative")
	}
	switch strings.ToLower(c.OTELExporterType) {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("unknown OTEL_EXPORTER_TYPE %q", c.OTELExporterType)
	}
	return nil
}
