package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/segqueue/internal/config"
	"github.com/phrazzld/segqueue/internal/events"
	"github.com/phrazzld/segqueue/internal/platform/redis"
)

// notification is the event path of the server: the bridge hands events to
// a transport, which ends at the local channel either directly or through
// Redis.
type notification struct {
	channel *events.Channel
	bridge  *events.Bridge

	// Set only when Redis is configured.
	redisClient *goredis.Client
	relay       *redis.Relay
}

// setupNotification builds the notification path for cfg.
func setupNotification(ctx context.Context, cfg config.NotifyConfig, logger *slog.Logger) (*notification, error) {
	n := &notification{
		channel: events.NewChannel(logger, cfg.SubscriberBuffer),
	}

	var transport events.Transport = n.channel
	if cfg.RedisURL != "" {
		client, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		redisTransport, err := redis.NewTransport(client, cfg.ChannelPrefix, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		relay, err := redis.NewRelay(client, cfg.ChannelPrefix, n.channel, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		n.redisClient, n.relay = client, relay
		transport = redisTransport
		logger.Info("redis notification transport enabled", "pattern", relay.Pattern())
	}

	bridge, err := events.NewBridge(transport, cfg.BridgeBuffer, logger)
	if err != nil {
		n.closeRedis(logger)
		return nil, fmt.Errorf("failed to create notification bridge: %w", err)
	}
	n.bridge = bridge
	return n, nil
}

// health pings Redis when it is in use.
func (n *notification) health(ctx context.Context) error {
	return n.redisClient.Ping(ctx).Err()
}

func (n *notification) closeRedis(logger *slog.Logger) {
	if n.redisClient == nil {
		return
	}
	if err := n.redisClient.Close(); err != nil {
		logger.Error("error closing redis client", "error", err)
	}
}
