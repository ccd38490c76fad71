// Package queue is the message transport between the job engine and the
// external workers. Delivery is at least once: a received message stays
// owned by the receiver until it is deleted.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownHandle = errors.New("unknown message handle")
	ErrNotSubscribed = errors.New("source not subscribed")
)

type Message struct {
	Handle string
	Body   []byte
}

type Queue interface {
	Send(ctx context.Context, dest string, body []byte) error
	// Receive returns up to max messages, waiting at most wait for the
	// first one. A zero wait never blocks.
	Receive(ctx context.Context, source string, max int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, source, handle string) error
}

// Subscriber is implemented by transports that must attach to a source
// before Receive can return its messages.
type Subscriber interface {
	Subscribe(ctx context.Context, source string) error
}
