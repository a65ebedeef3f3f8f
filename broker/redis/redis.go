// Package redis implements broker.Broker on Redis Streams so that several
// observers, possibly on other hosts, can follow a bridge's lifecycle.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-stdio-bridge/broker"
)

// DefaultKeyPrefix is prepended to stream keys when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "mcpbridge:"

// Broker is a Redis Streams-based implementation of broker.Broker.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	// maxLen caps each stream approximately; zero keeps everything.
	maxLen int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for
	// localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	KeyPrefix string
	// MaxLen trims streams to roughly this many entries.
	MaxLen int64
}

// New creates a Redis-based broker.
func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Broker{client: client, keyPrefix: prefix, maxLen: cfg.MaxLen}
}

// Ping verifies connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker with XADD; Redis generates the id.
func (b *Broker) Publish(ctx context.Context, topic string, ev broker.Event) (string, error) {
	data, err := broker.Encode(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	key := b.streamKey(topic)
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"data": data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event to stream %s: %w", key, err)
	}
	return id, nil
}

// Subscribe implements broker.Broker. Without lastEventID the stream starts
// at the current end of the Redis stream.
func (b *Broker) Subscribe(ctx context.Context, topic string, lastEventID string) (broker.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := b.streamKey(topic)
	start := lastEventID
	if start == "" {
		// Resolve "$" once so that events published between Subscribe and
		// the first Next are not missed.
		msgs, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read stream %s: %w", key, err)
		}
		start = "0-0"
		if len(msgs) > 0 {
			start = msgs[0].ID
		}
	}

	return &stream{client: b.client, key: key, lastID: start}, nil
}

// Cleanup implements broker.Broker by deleting the stream.
func (b *Broker) Cleanup(ctx context.Context, topic string) error {
	key := b.streamKey(topic)
	if err := b.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup topic %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

type stream struct {
	client redis.UniversalClient
	key    string
	lastID string
	buf    []broker.Envelope
	closed atomic.Bool
}

// Next implements broker.Stream. It blocks in one-second XREAD rounds so
// that Close and ctx are observed promptly.
func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	for {
		if s.closed.Load() {
			return broker.Envelope{}, io.EOF
		}
		if len(s.buf) > 0 {
			env := s.buf[0]
			s.buf = s.buf[1:]
			return env, nil
		}
		if err := ctx.Err(); err != nil {
			return broker.Envelope{}, err
		}

		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.lastID},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return broker.Envelope{}, ctx.Err()
			}
			return broker.Envelope{}, fmt.Errorf("failed to read from stream %s: %w", s.key, err)
		}

		for _, st := range res {
			for _, msg := range st.Messages {
				s.lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				ev, err := broker.Decode([]byte(data))
				if err != nil {
					continue
				}
				s.buf = append(s.buf, broker.Envelope{ID: msg.ID, Event: ev})
			}
		}
	}
}

// Close implements broker.Stream.
func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*stream)(nil)
)
