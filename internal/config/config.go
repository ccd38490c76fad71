package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

var ErrInvalid = errors.New("invalid configuration")

const (
	QueueBackendNSQ   = "nsq"
	QueueBackendRedis = "redis"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"caseflow"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"caseflow"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Transport
	QueueBackend string `envconfig:"QUEUE_BACKEND" default:"nsq"`
	NSQLookupd   string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost     string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP     string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	// Redis backs the parameter store and, optionally, the queues.
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Environment is the first segment of every parameter path.
	Environment       string        `envconfig:"ENVIRONMENT" default:"development"`
	ParameterCacheTTL time.Duration `envconfig:"PARAMETER_CACHE_TTL" default:"30s"`

	// Contact jobs
	JobSweepEnabled        bool          `envconfig:"JOB_SWEEP_ENABLED" default:"true"`
	JobSweepInterval       time.Duration `envconfig:"JOB_SWEEP_INTERVAL" default:"5s"`
	JobMaxAttempts         int           `envconfig:"JOB_MAX_ATTEMPTS" default:"20"`
	JobMinRetryInterval    time.Duration `envconfig:"JOB_MIN_RETRY_INTERVAL" default:"2m"`
	JobScrubRetryInterval  time.Duration `envconfig:"JOB_SCRUB_RETRY_INTERVAL" default:"30m"`
	JobCompletionBatchSize int           `envconfig:"JOB_COMPLETION_BATCH_SIZE" default:"10"`
	JobCompletedQueue      string        `envconfig:"JOB_COMPLETED_QUEUE" default:"jobs.contact.completed"`
	TranscriptBucket       string        `envconfig:"TRANSCRIPT_BUCKET" default:"contact-docs"`

	// Server
	ServerPort int `envconfig:"SERVER_PORT" default:"8081"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.JobCompletedQueue == "" {
		return fmt.Errorf("%w: JOB_COMPLETED_QUEUE", ErrMissingRequired)
	}
	switch c.QueueBackend {
	case QueueBackendNSQ, QueueBackendRedis:
	default:
		return fmt.Errorf("%w: QUEUE_BACKEND %q", ErrInvalid, c.QueueBackend)
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("%w: JOB_MAX_ATTEMPTS must be positive", ErrInvalid)
	}
	if c.JobCompletionBatchSize <= 0 {
		return fmt.Errorf("%w: JOB_COMPLETION_BATCH_SIZE must be positive", ErrInvalid)
	}
	if c.JobSweepInterval <= 0 {
		return fmt.Errorf("%w: JOB_SWEEP_INTERVAL must be positive", ErrInvalid)
	}
	return nil
}
