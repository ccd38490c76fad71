package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisQueue stores each queue as a list. Received messages move atomically
// to a processing list and stay there until deleted.
type RedisQueue struct {
	rdb goredis.UniversalClient
}

func NewRedisQueue(rdb goredis.UniversalClient) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

type envelope struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

func processingKey(source string) string {
	return source + ":processing"
}

func (q *RedisQueue) Send(ctx context.Context, dest string, body []byte) error {
	raw, err := json.Marshal(envelope{ID: uuid.NewString(), Body: body})
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, dest, raw).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", dest, err)
	}
	return nil
}

// Subscribe returns messages a previous process received but never deleted
// to the head of the queue.
func (q *RedisQueue) Subscribe(ctx context.Context, source string) error {
	for {
		err := q.rdb.LMove(ctx, processingKey(source), source, "RIGHT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover %s: %w", source, err)
		}
	}
}

func (q *RedisQueue) Receive(ctx context.Context, source string, max int, wait time.Duration) ([]Message, error) {
	var out []Message
	for len(out) < max {
		var (
			raw string
			err error
		)
		if len(out) == 0 && wait > 0 {
			raw, err = q.rdb.BLMove(ctx, source, processingKey(source), "RIGHT", "LEFT", wait).Result()
		} else {
			raw, err = q.rdb.LMove(ctx, source, processingKey(source), "RIGHT", "LEFT").Result()
		}
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("receive from %s: %w", source, err)
		}

		out = append(out, Message{Handle: raw, Body: entryBody(raw)})
	}
	return out, nil
}

// entryBody unwraps an envelope written by Send. Anything else, such as a
// message pushed by a worker with a plain LPUSH, is handed out as-is.
func entryBody(raw string) []byte {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.ID == "" || env.Body == nil {
		return []byte(raw)
	}
	return env.Body
}

func (q *RedisQueue) Delete(ctx context.Context, source, handle string) error {
	n, err := q.rdb.LRem(ctx, processingKey(source), 1, handle).Result()
	if err != nil {
		return fmt.Errorf("delete from %s: %w", source, err)
	}
	if n == 0 {
		return ErrUnknownHandle
	}
	return nil
}
