// Package parameter reads deployment parameters such as queue names and
// per-account feature flags.
package parameter

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("parameter not found")

type Store interface {
	Get(ctx context.Context, path string) (string, error)
}

// QueueName is the path holding the destination queue for a job type.
func QueueName(env, jobType string) string {
	return fmt.Sprintf("/%s/jobs/contact/%s/queue", env, jobType)
}

// JobEnabled is the path holding an account's opt-in flag for a job type.
func JobEnabled(env, accountID, jobType string) string {
	return fmt.Sprintf("/%s/jobs/contact/%s/%s/enabled", env, accountID, jobType)
}

// RedisStore keeps each parameter as a plain string key named by its path.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, path string) (string, error) {
	v, err := s.client.Get(ctx, s.prefix+path).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", path, err)
	}
	return v, nil
}

// Set writes a parameter. Used by bootstrap seeding and tests.
func (s *RedisStore) Set(ctx context.Context, path, value string) error {
	if err := s.client.Set(ctx, s.prefix+path, value, 0).Err(); err != nil {
		return fmt.Errorf("set parameter %s: %w", path, err)
	}
	return nil
}
