package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreams appends each message to the stream named after its topic.
// Streams are trimmed approximately to maxLen entries.
type RedisStreams struct {
	client streamAdder
	maxLen int64
}

// NewRedisStreams creates a Redis Streams publisher.
func NewRedisStreams(client streamAdder, maxLen int64) *RedisStreams {
	return &RedisStreams{client: client, maxLen: maxLen}
}

// Publish appends msg with XADD.
func (r *RedisStreams) Publish(ctx context.Context, msg Message) error {
	values := map[string]interface{}{
		"key":   msg.Key,
		"value": msg.Value,
	}
	for name, value := range msg.Headers {
		values["h_"+name] = value
	}
	args := &redis.XAddArgs{
		Stream: msg.Topic,
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", msg.Topic, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisStreams) Close() error { return nil }
