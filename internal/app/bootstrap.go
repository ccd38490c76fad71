package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	goredis "github.com/redis/go-redis/v9"

	"caseflow/backend/internal/config"
	"caseflow/backend/internal/parameter"
	"caseflow/backend/internal/queue"
)

type Dependencies struct {
	DB          *sql.DB
	Redis       *goredis.Client
	NSQProducer *nsq.Producer
	Queue       queue.Queue
	Params      parameter.Store

	nsqQueue *queue.NSQQueue
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	// Database
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := WithRetry(ctx, "ping db", cfg.BootstrapRetryAttempts, retryDelay, func() error {
		return db.PingContext(ctx)
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}

	// Redis: parameters, and queues when selected
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := WithRetry(ctx, "ping redis", cfg.BootstrapRetryAttempts, retryDelay, func() error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		rdb.Close()
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	deps := &Dependencies{
		DB:     db,
		Redis:  rdb,
		Params: parameter.NewCachedStore(parameter.NewRedisStore(rdb, ""), cfg.ParameterCacheTTL),
	}

	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		deps.Queue = queue.NewRedisQueue(rdb)
	default:
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		deps.NSQProducer = producer
		deps.nsqQueue = queue.NewNSQQueue(producer, queue.NSQConfig{
			LookupdAddr: cfg.NSQLookupd,
			NSQDAddr:    cfg.NSQDHost,
			Channel:     "backend",
			MaxInFlight: cfg.JobCompletionBatchSize,
		})
		deps.Queue = deps.nsqQueue
		createTopics(ctx, cfg.NSQDHTTP, cfg.JobCompletedQueue)
	}

	if sub, ok := deps.Queue.(queue.Subscriber); ok {
		if err := sub.Subscribe(ctx, cfg.JobCompletedQueue); err != nil {
			deps.Close()
			return nil, fmt.Errorf("subscribe to %s: %w", cfg.JobCompletedQueue, err)
		}
	}

	return deps, nil
}

// Close releases everything Bootstrap opened.
func (d *Dependencies) Close() {
	if d.nsqQueue != nil {
		d.nsqQueue.Stop()
	}
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

// createTopics pre-creates topics so the inbox consumer does not fail its
// first lookupd query. Outbound topics are created by the first publish.
func createTopics(ctx context.Context, nsqdHTTP string, topics ...string) {
	for _, topic := range topics {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			slog.Warn("failed to build NSQ topic request", "topic", topic, "error", err)
			continue
		}
		resp, err := http.DefaultClient.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			continue
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}
}

// WithRetry calls fn up to attempts times, sleeping delay between failures.
func WithRetry(ctx context.Context, step string, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			slog.Warn("bootstrap step failed, retrying...", "step", step, "attempt", i+1, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
