// Package redis publishes engine lifecycle events on a Redis channel so
// external consumers (UIs, workers) can follow live instances.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/lyzr/bpmnserver/common/config"
	"github.com/lyzr/bpmnserver/common/logger"
)

// Publisher wraps a redis client bound to one event channel.
type Publisher struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

// NewPublisher connects to Redis and verifies the connection
func NewPublisher(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("event publisher connected", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)

	return &Publisher{
		client:  client,
		channel: cfg.Redis.Channel,
		log:     log,
	}, nil
}

// PublishEvent serializes and publishes one engine event
func (p *Publisher) PublishEvent(ctx context.Context, event, instanceID string, details map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event":      event,
		"instanceId": instanceID,
		"details":    details,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Error("redis PUBLISH failed", "channel", p.channel, "error", err)
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	p.log.Debug("redis PUBLISH", "channel", p.channel, "event", event)
	return nil
}

// Close releases the client
func (p *Publisher) Close() error {
	return p.client.Close()
}
