package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "smtpload:events"

// RedisPublisher publishes every event as JSON on a Redis pub/sub channel.
//
// Publishing is a network round trip; wrap it in an Async.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisPublisher creates a publisher on an existing client.
func NewRedisPublisher(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// DialRedis parses a redis:// URL and checks the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Channel returns the channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Emit implements Sink.
func (p *RedisPublisher) Emit(ev loadtest.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("runId", ev.RunID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("redis publish failed",
			zap.String("channel", p.channel),
			zap.String("runId", ev.RunID),
			zap.Error(err))
	}
}
