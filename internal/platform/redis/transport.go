package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/segqueue/internal/events"
	goredis "github.com/redis/go-redis/v9"
)

// publisher is the part of *goredis.Client used by Transport.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// Transport implements events.Transport over Redis PUBLISH.
type Transport struct {
	client publisher
	prefix string
	logger *slog.Logger
}

var _ events.Transport = (*Transport)(nil)

// NewTransport creates a Transport publishing under prefix.
func NewTransport(client publisher, prefix string, logger *slog.Logger) (*Transport, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if prefix == "" {
		return nil, errors.New("channel prefix cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis_transport"),
	}, nil
}

// Broadcast publishes event as JSON on the channel derived from topic.
func (t *Transport) Broadcast(ctx context.Context, topic string, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	channel := channelName(t.prefix, topic)
	receivers, err := t.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	t.logger.Debug("event published",
		"channel", channel,
		"event_type", event.Type,
		"receivers", receivers)
	return nil
}
