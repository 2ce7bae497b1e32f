// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// Metadata store
	MongoURI      string `env:"MONGODB_URI"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"ean-extraction"`

	// Blob store
	AzureConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
	AzureAccountURL       string `env:"AZURE_STORAGE_ACCOUNT_URL"`
	AzureContainer        string `env:"AZURE_STORAGE_CONTAINER" envDefault:"images"`

	// Gemini fallback decoder
	GeminiAPIKey      string        `env:"GEMINI_API_KEY"`
	GeminiModel       string        `env:"GEMINI_MODEL" envDefault:"gemini-3-pro-preview"`
	GeminiMaxTokens   int           `env:"GEMINI_MAX_TOKENS" envDefault:"1024"`
	GeminiTemperature float64       `env:"GEMINI_TEMPERATURE" envDefault:"1.0"`
	GeminiTimeout     time.Duration `env:"GEMINI_TIMEOUT" envDefault:"30s"`
	// GeminiRatePerMin caps aggregate Gemini calls across all worker
	// replicas when Redis coordination is configured.
	GeminiRatePerMin int `env:"GEMINI_RATE_PER_MIN" envDefault:"0"`

	// Worker runtime
	WorkerPollInterval  time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	WorkerBatchSize     int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	WorkerMaxRetries    int           `env:"WORKER_MAX_RETRIES" envDefault:"3"`
	WorkerLeaseDuration time.Duration `env:"WORKER_LEASE_DURATION" envDefault:"5m"`
	WorkerSafetyMargin  time.Duration `env:"WORKER_SAFETY_MARGIN" envDefault:"15s"`

	// Failed-retry pacing: minimum delay between fallback attempts on a
	// failed image.
	FailedRetryDelay time.Duration `env:"FAILED_RETRY_DELAY" envDefault:"30s"`

	// Preprocessing
	PreprocessMaxDimension    int   `env:"PREPROCESS_MAX_DIMENSION" envDefault:"2048"`
	PreprocessDenoiseStrength int   `env:"PREPROCESS_DENOISE_STRENGTH" envDefault:"10"`
	PreprocessRotations       []int `env:"PREPROCESS_ROTATIONS" envSeparator:"," envDefault:"0,90,180,270"`

	// Review API
	ReviewPort         int    `env:"REVIEW_PORT" envDefault:"8000"`
	ReviewUsername     string `env:"REVIEW_USERNAME"`
	ReviewPasswordHash string `env:"REVIEW_PASSWORD_HASH"`
	CORSAllowOrigins   string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin    int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`

	// Redis coordination (optional)
	RedisURL string `env:"REDIS_URL"`

	// Logging / observability
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string `env:"LOG_FORMAT" envDefault:"json"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"barcode-pipeline"`

	// Retention
	RetentionDays int `env:"RETENTION_DAYS" envDefault:"90"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate checks required keys. Missing required configuration is a
// fatal startup error.
func (c Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("op=config.Validate: MONGODB_URI is required")
	}
	if c.AzureConnectionString == "" && c.AzureAccountURL == "" {
		return fmt.Errorf("op=config.Validate: AZURE_STORAGE_CONNECTION_STRING or AZURE_STORAGE_ACCOUNT_URL is required")
	}
	return nil
}

// ValidateGemini additionally requires the Gemini key; only processes that
// run the fallback decoder call this.
func (c Config) ValidateGemini() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("op=config.Validate: GEMINI_API_KEY is required")
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }
