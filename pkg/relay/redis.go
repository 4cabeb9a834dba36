package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phenomenon0/surebet/pkg/streaming"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "surebet:events"

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisPublisher publishes events on a Redis channel and keeps the latest
// snapshot of each view under "<prefix>snapshot:<view>" with a TTL.
type RedisPublisher struct {
	client  redisClient
	channel string
	prefix  string
	ttl     time.Duration
}

// ConnectRedis creates a client for addr and pings it.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedisPublisher creates a publisher on channel. An empty channel uses
// DefaultRedisChannel.
func NewRedisPublisher(client *redis.Client, channel, prefix string, ttl time.Duration) *RedisPublisher {
	return newRedisPublisher(client, channel, prefix, ttl)
}

func newRedisPublisher(client redisClient, channel, prefix string, ttl time.Duration) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if prefix == "" {
		prefix = "surebet:"
	}
	return &RedisPublisher{client: client, channel: channel, prefix: prefix, ttl: ttl}
}

// SnapshotKey returns the key holding the latest snapshot of view.
func (p *RedisPublisher) SnapshotKey(view string) string {
	return p.prefix + "snapshot:" + view
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event streaming.Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	if event.Type == streaming.EventTypeSnapshot && event.Key != "" {
		if err := p.client.Set(ctx, p.SnapshotKey(event.Key), b, p.ttl).Err(); err != nil {
			return fmt.Errorf("redis set snapshot %s: %w", event.Key, err)
		}
	}
	return nil
}
