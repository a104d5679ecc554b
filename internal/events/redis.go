package events

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// RedisPublisher mirrors events onto Redis pub/sub channels so out-of-process
// consumers (the chat front-end) can react, while still delivering to the
// in-process hub.
type RedisPublisher struct {
	client  *redis.Client
	hub     *Hub
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisPublisher constructs a Redis backed publisher wrapping the hub.
func NewRedisPublisher(addr, password string, db int, hub *Hub, logger *slog.Logger) (*RedisPublisher, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisPublisher{
		client:  client,
		hub:     hub,
		logger:  logger,
		prefix:  "warden:events:",
		timeout: 250 * time.Millisecond,
	}, nil
}

// Publish delivers in-process first, then mirrors to Redis. Redis failures
// are logged, never surfaced; event delivery is best-effort by contract.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	if p.hub != nil {
		p.hub.Publish(ctx, event)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("event marshal failed", "kind", event.Kind, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.client.Publish(pubCtx, p.prefix+event.GuildID, payload).Err(); err != nil {
		p.logger.Warn("event publish failed", "kind", event.Kind, "guild_id", event.GuildID, "error", err)
	}
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
