package events

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vadiminshakov/cryptodca/internal/domain"
)

const (
	DefaultRedisStream = "cryptodca:events"
	defaultStreamLen   = 100_000
)

// RedisConfig describes the Redis stream events are appended to.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends events to a capped Redis stream.
type RedisSink struct {
	client streamAdder
	closer func() error
	stream string
	maxLen int64
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect redis %s", cfg.Address)
	}
	s := newRedisSink(client, cfg)
	s.closer = client.Close
	return s, nil
}

func newRedisSink(client streamAdder, cfg RedisConfig) *RedisSink {
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultRedisStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamLen
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Send appends e to the stream.
func (s *RedisSink) Send(ctx context.Context, e domain.Event) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(e.Type),
			"key":     e.Key(),
			"payload": payload,
		},
	}).Err()
	return errors.Wrapf(err, "xadd %s", s.stream)
}

// Close releases the connection.
func (s *RedisSink) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
