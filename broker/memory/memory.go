// Package memory provides an in-process implementation of broker.Broker.
// Each subscriber group keeps its own cursor into a topic, so several
// simulated instances sharing one Broker observe the same fan-out as separate
// processes sharing a Redis stream.
package memory

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/diary-callbacks/broker"
	"github.com/ggoodman/diary-callbacks/internal/partition"
)

const (
	// DefaultMaxLen bounds the messages retained per topic.
	DefaultMaxLen = 10000
	// DefaultBatchSize is how many messages a subscriber claims at once.
	DefaultBatchSize = 16
)

// Broker implements broker.Broker using in-memory storage.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic

	eventCounter atomic.Int64
	done         chan struct{}
	closeOnce    sync.Once

	maxLen      int
	batchSize   int
	concurrency int
	log         *slog.Logger
}

// topic is an append-only log addressed by absolute sequence number. base is
// the sequence of messages[0]; trimmed messages are gone for every group.
type topic struct {
	messages []broker.MessageEnvelope
	base     int
	groups   map[string]*int
	wake     chan struct{}
}

type Option func(*Broker)

func WithMaxLen(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithConcurrency sets how many keys a subscriber processes in parallel.
func WithConcurrency(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics:      make(map[string]*topic),
		done:        make(chan struct{}),
		maxLen:      DefaultMaxLen,
		batchSize:   DefaultBatchSize,
		concurrency: partition.DefaultWorkers,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish implements broker.Broker.Publish
func (b *Broker) Publish(ctx context.Context, topicName, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed() {
		return "", broker.ErrClosed
	}

	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)
	t := b.topicLocked(topicName)
	t.messages = append(t.messages, broker.MessageEnvelope{
		ID:   eventID,
		Key:  key,
		Data: append([]byte(nil), data...),
	})
	if over := len(t.messages) - b.maxLen; over > 0 {
		t.messages = append(t.messages[:0:0], t.messages[over:]...)
		t.base += over
	}

	close(t.wake)
	t.wake = make(chan struct{})
	return eventID, nil
}

// Subscribe implements broker.Broker.Subscribe. A group created by this call
// starts after the last message already published; a group that already
// exists resumes where it left off.
func (b *Broker) Subscribe(ctx context.Context, topicName, group string, handler broker.MessageHandler) error {
	b.mu.Lock()
	if b.closed() {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	t := b.topicLocked(topicName)
	if _, ok := t.groups[group]; !ok {
		cursor := t.base + len(t.messages)
		t.groups[group] = &cursor
	}
	b.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, wake := b.claim(t, group)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return broker.ErrClosed
			case <-wake:
			}
			continue
		}

		partition.Run(ctx, b.concurrency, batch, envelopeKey, func(ctx context.Context, env broker.MessageEnvelope) {
			if err := handler(ctx, env); err != nil {
				b.log.WarnContext(ctx, "broker.memory.handler.err",
					slog.String("topic", topicName),
					slog.String("group", group),
					slog.String("id", env.ID),
					slog.String("err", err.Error()),
				)
			}
		})
	}
}

// Close implements broker.Broker.Close. Blocked subscribers return ErrClosed.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.done)
		b.mu.Unlock()
	})
	return nil
}

// claim advances the group cursor past up to batchSize messages and returns
// them, or returns the channel that is closed on the next publish.
func (b *Broker) claim(t *topic, group string) ([]broker.MessageEnvelope, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cursor := t.groups[group]
	if *cursor < t.base {
		*cursor = t.base
	}
	start := *cursor - t.base
	end := min(start+b.batchSize, len(t.messages))
	if start >= end {
		return nil, t.wake
	}
	batch := append([]broker.MessageEnvelope(nil), t.messages[start:end]...)
	*cursor += len(batch)
	return batch, nil
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{groups: make(map[string]*int), wake: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func envelopeKey(env broker.MessageEnvelope) string { return env.Key }

// Compile-time interface checks
var _ broker.Broker = (*Broker)(nil)
