package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
)

type Publisher interface {
	Publish(topic string, body []byte) error
}

type NSQConfig struct {
	LookupdAddr string
	NSQDAddr    string
	Channel     string
	MaxInFlight int
}

// NSQQueue publishes through a shared producer and buffers consumed messages
// per topic until Receive drains them. Buffered messages are finished on
// Delete.
type NSQQueue struct {
	producer Publisher
	cfg      NSQConfig

	mu        sync.Mutex
	inboxes   map[string]*inbox
	consumers []*nsq.Consumer
}

func NewNSQQueue(producer Publisher, cfg NSQConfig) *NSQQueue {
	if cfg.Channel == "" {
		cfg.Channel = "backend"
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10
	}
	return &NSQQueue{producer: producer, cfg: cfg, inboxes: make(map[string]*inbox)}
}

func (q *NSQQueue) Send(ctx context.Context, dest string, body []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- q.producer.Publish(dest, body)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publish to %s: %w", dest, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts a consumer on source. Subscribing twice is a no-op.
func (q *NSQQueue) Subscribe(ctx context.Context, source string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inboxes[source]; ok {
		return nil
	}

	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = q.cfg.MaxInFlight
	consumer, err := nsq.NewConsumer(source, q.cfg.Channel, nsqCfg)
	if err != nil {
		return fmt.Errorf("nsq consumer for %s: %w", source, err)
	}
	box := newInbox(q.cfg.MaxInFlight)
	consumer.AddHandler(box)

	if q.cfg.LookupdAddr != "" {
		err = consumer.ConnectToNSQLookupd(q.cfg.LookupdAddr)
	} else {
		err = consumer.ConnectToNSQD(q.cfg.NSQDAddr)
	}
	if err != nil {
		consumer.Stop()
		return fmt.Errorf("connect consumer for %s: %w", source, err)
	}

	q.inboxes[source] = box
	q.consumers = append(q.consumers, consumer)
	slog.InfoContext(ctx, "NSQ consumer connected", "topic", source, "channel", q.cfg.Channel)
	return nil
}

func (q *NSQQueue) Receive(ctx context.Context, source string, max int, wait time.Duration) ([]Message, error) {
	box, err := q.inbox(source)
	if err != nil {
		return nil, err
	}
	return box.drain(ctx, max, wait)
}

func (q *NSQQueue) Delete(ctx context.Context, source, handle string) error {
	box, err := q.inbox(source)
	if err != nil {
		return err
	}
	return box.finish(handle)
}

// Stop stops every consumer, requeueing whatever was still buffered.
func (q *NSQQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.consumers {
		c.Stop()
	}
	for _, box := range q.inboxes {
		box.requeueAll()
	}
	for _, c := range q.consumers {
		<-c.StopChan
	}
}

func (q *NSQQueue) inbox(source string) (*inbox, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	box, ok := q.inboxes[source]
	if !ok {
		return nil, fmt.Errorf("%s: %w", source, ErrNotSubscribed)
	}
	return box, nil
}

type inbox struct {
	ready chan *nsq.Message

	mu      sync.Mutex
	pending map[string]*nsq.Message
}

func newInbox(size int) *inbox {
	return &inbox{ready: make(chan *nsq.Message, size), pending: make(map[string]*nsq.Message)}
}

// HandleMessage takes ownership of m. The message is finished or requeued
// later, never by the consumer loop.
func (b *inbox) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	select {
	case b.ready <- m:
	default:
		m.Requeue(-1)
	}
	return nil
}

func (b *inbox) drain(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	var out []Message
	take := func(m *nsq.Message) {
		handle := string(m.ID[:])
		b.mu.Lock()
		b.pending[handle] = m
		b.mu.Unlock()
		out = append(out, Message{Handle: handle, Body: m.Body})
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case m := <-b.ready:
			take(m)
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for len(out) < max {
		select {
		case m := <-b.ready:
			take(m)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (b *inbox) finish(handle string) error {
	b.mu.Lock()
	m, ok := b.pending[handle]
	delete(b.pending, handle)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", handle, ErrUnknownHandle)
	}
	m.Finish()
	return nil
}

func (b *inbox) requeueAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, m := range b.pending {
		m.Requeue(-1)
		delete(b.pending, h)
	}
	for {
		select {
		case m := <-b.ready:
			m.Requeue(-1)
		default:
			return
		}
	}
}
