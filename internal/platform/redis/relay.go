package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/segqueue/internal/events"
	goredis "github.com/redis/go-redis/v9"
)

const (
	resubscribeInitialBackoff = 250 * time.Millisecond
	resubscribeMaxBackoff     = 30 * time.Second
)

// LocalPublisher receives events relayed from Redis.
type LocalPublisher interface {
	Publish(event events.Event) int
}

// Relay copies events from Redis into a process-local publisher.
type Relay struct {
	client *goredis.Client
	prefix string
	local  LocalPublisher
	logger *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRelay creates a Relay for channels under prefix.
func NewRelay(client *goredis.Client, prefix string, local LocalPublisher, logger *slog.Logger) (*Relay, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if local == nil {
		return nil, errors.New("local publisher cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client: client,
		prefix: prefix,
		local:  local,
		logger: logger.With("component", "redis_relay"),

		initialBackoff: resubscribeInitialBackoff,
		maxBackoff:     resubscribeMaxBackoff,
	}, nil
}

// Pattern is the PSUBSCRIBE pattern covering every project channel.
func (r *Relay) Pattern() string {
	return channelName(r.prefix, "project:*")
}

// Run subscribes and relays messages until ctx is cancelled. A failed or
// lost subscription is retried with exponential backoff, so Run only
// returns ctx.Err().
func (r *Relay) Run(ctx context.Context) error {
	delay := r.initialBackoff
	for {
		relayed, err := r.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if relayed {
			delay = r.initialBackoff
		}
		r.logger.Warn("redis subscription lost, resubscribing",
			"error", err,
			"retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, r.maxBackoff)
	}
}

// session runs one subscription. It reports whether the subscription was
// confirmed before it ended.
func (r *Relay) session(ctx context.Context) (bool, error) {
	pubsub := r.client.PSubscribe(ctx, r.Pattern())
	defer func() {
		if err := pubsub.Close(); err != nil {
			r.logger.Debug("failed to close subscription", "error", err)
		}
	}()

	// The first reply confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("redis subscribe failed: %w", err)
	}
	r.logger.Info("relaying notifications from redis", "pattern", r.Pattern())

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return true, errors.New("redis subscription closed")
			}
			r.handle(msg)
		}
	}
}

// handle decodes one message and publishes it locally. Messages whose
// channel does not match the event's project are discarded.
func (r *Relay) handle(msg *goredis.Message) {
	var event events.Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		r.logger.Warn("discarding undecodable notification",
			"channel", msg.Channel,
			"error", err)
		return
	}
	if msg.Channel != channelName(r.prefix, events.Topic(event.ProjectID)) {
		r.logger.Warn("discarding notification on unexpected channel",
			"channel", msg.Channel,
			"project_id", event.ProjectID)
		return
	}
	r.local.Publish(event)
}
