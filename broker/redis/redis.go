// Package redis provides a Redis Streams-backed implementation of the
// broker.Broker interface for multi-node deployments. Events published on one
// node are delivered to subscribers on every node sharing the Redis instance.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/toolserve/toolserve-go/broker"
)

// Config contains configuration options for the Redis broker.
// Defaults can be loaded from the environment via NewFromEnv.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: TOOLSERVE_REDIS_ADDR
	RedisAddr string `env:"TOOLSERVE_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to all stream keys. ENV: TOOLSERVE_REDIS_KEY_PREFIX
	KeyPrefix string `env:"TOOLSERVE_REDIS_KEY_PREFIX,default=toolserve:events:"`
	// Client overrides RedisAddr when provided.
	Client redis.UniversalClient
}

// Broker implements broker.Broker over Redis Streams.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a Redis-backed broker and verifies connectivity.
func New(cfg Config) (*Broker, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "toolserve:events:"
	}
	return &Broker{client: client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Broker using envdecode to populate Config.
func NewFromEnv() (*Broker, error) {
	var cfg Config
	// Defaults are provided via struct tags; decode errors only matter for
	// malformed values, which the tags cannot produce.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + topic
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topic string, ev broker.Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	streamKey := b.streamKey(topic)
	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: 4096,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker. The stream starts at the next event
// published after the subscription is established.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.EventStream, error) {
	// Resolve "$" to a concrete ID so the reader does not skip events
	// published between successive XREAD calls.
	lastID, err := b.client.XInfoStream(ctx, b.streamKey(topic)).Result()
	startID := "0-0"
	if err == nil {
		startID = lastID.LastGeneratedID
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		broker: b,
		topic:  topic,
		lastID: startID,
		ctx:    sctx,
		cancel: cancel,
	}
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	return b.client.Close()
}

type stream struct {
	broker *Broker
	topic  string
	lastID string
	ctx    context.Context
	cancel context.CancelFunc
}

// Next implements broker.EventStream.
func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	for {
		if s.ctx.Err() != nil {
			return broker.Envelope{}, io.EOF
		}
		if ctx.Err() != nil {
			return broker.Envelope{}, ctx.Err()
		}

		res, err := s.broker.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.broker.streamKey(s.topic), s.lastID},
			Count:   16,
			Block:   5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return broker.Envelope{}, ctx.Err()
			}
			return broker.Envelope{}, fmt.Errorf("read stream %s: %w", s.topic, err)
		}

		for _, str := range res {
			for _, msg := range str.Messages {
				s.lastID = msg.ID
				raw, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				var ev broker.Event
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					continue
				}
				return broker.Envelope{ID: msg.ID, Event: ev}, nil
			}
		}
	}
}

// Close implements broker.EventStream.
func (s *stream) Close() error {
	s.cancel()
	return nil
}
