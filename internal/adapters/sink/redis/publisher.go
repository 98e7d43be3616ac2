package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/logger"
)

const EventChannel = "previz:events"

// Publisher pushes observer events onto a Redis pub/sub channel for
// out-of-process consumers (dashboards, recorders). Publishing is
// fire-and-forget with a short bound so a slow broker never backs up
// the core.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(url string) (*Publisher, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &Publisher{client: client}, client, nil
}

func (p *Publisher) Emit(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("Failed to marshal event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.client.Publish(ctx, EventChannel, data).Err(); err != nil {
		logger.Warn("Failed to publish event to Redis", "error", err)
	}
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
