package gclog

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends events to a redis stream, trimmed to about maxLen entries.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink checks the connection before accepting the client.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) (*RedisSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("gclog: connect the redis error: %w", err)
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// DialRedis connects to addr and wraps the client in a sink.
func DialRedis(addr, stream string, maxLen int64) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	s, err := NewRedisSink(client, stream, maxLen)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	data, err := EncodeJSON(e)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]interface{}{
			"seq":   e.Seq,
			"kind":  string(e.Kind),
			"event": data,
		},
	}).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
