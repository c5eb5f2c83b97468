package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrNotConfigured marks a missing credential or required setting. Callers
// treat it as fatal for the whole batch rather than for a single job.
var ErrNotConfigured = errors.New("not configured")

// Config holds shared runtime configuration for the API, scheduler and CLI.
type Config struct {
	Env         string `envconfig:"APP_ENV" default:"dev"`
	HTTPPort    string `envconfig:"HTTP_PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	DatabaseURL string `envconfig:"DATABASE_URL"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	DeadLetterKey string `envconfig:"DEAD_LETTER_KEY" default:"story:dead-letters"`

	JobMaxAttempts int           `envconfig:"JOB_MAX_ATTEMPTS" default:"5"`
	JobLockTimeout time.Duration `envconfig:"JOB_LOCK_TIMEOUT" default:"10m"`

	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"8s"`

	InterJobDelay time.Duration `envconfig:"INTER_JOB_DELAY" default:"1s"`
	CronSchedule  string        `envconfig:"CRON_SCHEDULE" default:"@every 10m"`
	CronMaxLimit  int           `envconfig:"CRON_MAX_LIMIT" default:"1"`
	AdminMaxLimit int           `envconfig:"ADMIN_MAX_LIMIT" default:"20"`
	GenerateAudio bool          `envconfig:"GENERATE_AUDIO" default:"false"`

	CronSecret  string `envconfig:"CRON_SECRET"`
	AdminSecret string `envconfig:"ADMIN_SECRET"`

	RateLimitCapacity int     `envconfig:"RATE_LIMIT_CAPACITY" default:"10"`
	RateLimitRefill   float64 `envconfig:"RATE_LIMIT_REFILL_PER_SEC" default:"0.1"`

	LLMBaseURL     string        `envconfig:"SILICONFLOW_BASE_URL" default:"https://api.siliconflow.cn/v1"`
	LLMAPIKey      string        `envconfig:"SILICONFLOW_API_KEY"`
	StoryModel     string        `envconfig:"SILICONFLOW_STORY_MODEL"`
	TTSModel       string        `envconfig:"SILICONFLOW_TTS_MODEL"`
	TTSVoice       string        `envconfig:"SILICONFLOW_TTS_VOICE"`
	LLMTimeout     time.Duration `envconfig:"LLM_TIMEOUT" default:"3m"`
	LLMTemperature float32       `envconfig:"LLM_TEMPERATURE" default:"0.7"`
	MaxKeyPhrases  int           `envconfig:"MAX_KEY_PHRASES" default:"30"`

	StorageDriver     string `envconfig:"STORAGE_DRIVER" default:"s3"`
	R2AccountID       string `envconfig:"CLOUDFLARE_R2_ACCOUNT_ID"`
	R2AccessKeyID     string `envconfig:"CLOUDFLARE_R2_ACCESS_KEY_ID"`
	R2SecretAccessKey string `envconfig:"CLOUDFLARE_R2_SECRET_ACCESS_KEY"`
	R2Bucket          string `envconfig:"CLOUDFLARE_R2_BUCKET_NAME"`
	PublicBaseURL     string `envconfig:"CLOUDFLARE_R2_PUBLIC_URL"`
	StorageEndpoint   string `envconfig:"STORAGE_ENDPOINT"`
	StoragePathStyle  bool   `envconfig:"STORAGE_PATH_STYLE" default:"false"`
	LocalStorageDir   string `envconfig:"LOCAL_STORAGE_DIR" default:"./output"`
}

// Load reads .env.local and .env when present, then the process environment.
// Variables already set in the environment win over the files.
func Load() (Config, error) {
	for _, f := range []string{".env.local", ".env"} {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if cfg.JobMaxAttempts < 1 {
		return Config{}, fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", cfg.JobMaxAttempts)
	}
	if cfg.RetryMaxAttempts < 1 {
		return Config{}, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", cfg.RetryMaxAttempts)
	}
	return cfg, nil
}

// RequireDatabase fails with ErrNotConfigured when no DSN is set.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL: %w", ErrNotConfigured)
	}
	return nil
}
