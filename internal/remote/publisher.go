package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher fans roster changes out to subscribed devices.
type Publisher interface {
	PublishRoster(ctx context.Context, accountID, systemID string, event RosterEvent) error
}

type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) PublishRoster(ctx context.Context, accountID, systemID string, event RosterEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal roster event: %w", err)
	}
	if err := p.client.Publish(ctx, RosterChannel(accountID, systemID), payload).Err(); err != nil {
		return fmt.Errorf("publish roster event: %w", err)
	}
	return nil
}
