package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/diary-callbacks/broker"
	"github.com/ggoodman/diary-callbacks/internal/partition"
)

const (
	defaultKeyPrefix = "diary:callbacks:"
	defaultMaxLen    = 10000
	defaultBatchSize = 16
	defaultBlock     = time.Second
)

// Config contains configuration options for the Redis broker. Fields tagged
// env can be populated with NewFromEnv.
type Config struct {
	// Client is the Redis client to use. If nil, one is created for Addr and
	// closed by Close.
	Client redis.UniversalClient
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to every stream key. ENV: REDIS_KEY_PREFIX
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=diary:callbacks:"`
	// MaxLen approximately caps each stream. ENV: STREAM_MAXLEN
	MaxLen int64 `env:"STREAM_MAXLEN,default=10000"`
	// Concurrency is how many keys a subscriber processes in parallel.
	// ENV: CONSUMER_CONCURRENCY
	Concurrency int `env:"CONSUMER_CONCURRENCY,default=3"`
	// BatchSize is the XREADGROUP COUNT.
	BatchSize int64
	// Block is the XREADGROUP BLOCK timeout between context checks.
	Block time.Duration

	Logger *slog.Logger
}

// Broker is a Redis Streams implementation of broker.Broker. Every topic is
// one stream; every subscriber group is one consumer group on that stream.
type Broker struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string
	maxLen     int64
	batchSize  int64
	block      time.Duration
	workers    int
	log        *slog.Logger

	closeOnce sync.Once
}

// New creates a Redis-backed broker and verifies the connection.
func New(cfg Config) (*Broker, error) {
	b := &Broker{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxLen,
		batchSize: cfg.BatchSize,
		block:     cfg.Block,
		workers:   cfg.Concurrency,
		log:       cfg.Logger,
	}
	if b.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		b.client = redis.NewClient(&redis.Options{Addr: addr})
		b.ownsClient = true
	}
	if b.keyPrefix == "" {
		b.keyPrefix = defaultKeyPrefix
	}
	if b.maxLen <= 0 {
		b.maxLen = defaultMaxLen
	}
	if b.batchSize <= 0 {
		b.batchSize = defaultBatchSize
	}
	if b.block <= 0 {
		b.block = defaultBlock
	}
	if b.workers <= 0 {
		b.workers = partition.DefaultWorkers
	}
	if b.log == nil {
		b.log = slog.Default()
	}

	if err := b.client.Ping(context.Background()).Err(); err != nil {
		if b.ownsClient {
			_ = b.client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return b, nil
}

// NewFromEnv builds a Broker using envdecode to populate Config.
func NewFromEnv() (*Broker, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis connection if the broker created it.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.ownsClient {
			err = b.client.Close()
		}
	})
	return err
}

// Publish implements broker.Broker.Publish using XADD with approximate trimming.
func (b *Broker) Publish(ctx context.Context, topic, key string, data []byte) (string, error) {
	streamKey := b.streamKey(topic)
	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"k": key, "d": data},
	}).Result()
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return "", broker.ErrClosed
		}
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker.Subscribe. The consumer group is created
// at the stream tail if it does not exist. Entries this consumer read but
// never acknowledged, e.g. because the process died mid-batch, are processed
// first.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(topic)
	if err := b.client.XGroupCreateMkStream(ctx, streamKey, group, "$").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create group %s on stream %s: %w", group, streamKey, err)
	}

	// "0" reads this consumer's pending entries; ">" reads new ones.
	start := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: group,
			Streams:  []string{streamKey, start},
			Count:    b.batchSize,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return broker.ErrClosed
			}
			return fmt.Errorf("failed to read group %s from stream %s: %w", group, streamKey, err)
		}

		var msgs []redis.XMessage
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
		if len(msgs) == 0 {
			if start == "0" {
				start = ">"
			}
			continue
		}

		if err := b.process(ctx, streamKey, group, msgs, handler); err != nil {
			return err
		}
	}
}

// DestroyGroup removes a subscriber group and its pending entries.
func (b *Broker) DestroyGroup(ctx context.Context, topic, group string) error {
	streamKey := b.streamKey(topic)
	if err := b.client.XGroupDestroy(ctx, streamKey, group).Err(); err != nil {
		return fmt.Errorf("failed to destroy group %s on stream %s: %w", group, streamKey, err)
	}
	return nil
}

func (b *Broker) process(ctx context.Context, streamKey, group string, msgs []redis.XMessage, handler broker.MessageHandler) error {
	var (
		mu    sync.Mutex
		acked []string
		envs  []broker.MessageEnvelope
	)
	for _, m := range msgs {
		env, ok := decodeEntry(m)
		if !ok {
			// Trimmed while pending, or written by something else.
			acked = append(acked, m.ID)
			continue
		}
		envs = append(envs, env)
	}

	partition.Run(ctx, b.workers, envs, func(env broker.MessageEnvelope) string { return env.Key }, func(ctx context.Context, env broker.MessageEnvelope) {
		if err := handler(ctx, env); err != nil {
			b.log.WarnContext(ctx, "broker.redis.handler.err",
				slog.String("stream", streamKey),
				slog.String("group", group),
				slog.String("id", env.ID),
				slog.String("err", err.Error()),
			)
		}
		mu.Lock()
		acked = append(acked, env.ID)
		mu.Unlock()
	})

	if len(acked) == 0 {
		return nil
	}
	// Processed entries are acknowledged even when shutting down.
	if err := b.client.XAck(context.WithoutCancel(ctx), streamKey, group, acked...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d entries on stream %s: %w", len(acked), streamKey, err)
	}
	return nil
}

func decodeEntry(m redis.XMessage) (broker.MessageEnvelope, bool) {
	if m.Values == nil {
		return broker.MessageEnvelope{}, false
	}
	data, ok := stringValue(m.Values["d"])
	if !ok {
		return broker.MessageEnvelope{}, false
	}
	key, _ := stringValue(m.Values["k"])
	return broker.MessageEnvelope{ID: m.ID, Key: key, Data: []byte(data)}, true
}

func stringValue(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

var _ broker.Broker = (*Broker)(nil)
