package events

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultBridgeBuffer is used when NewBridge is given a non-positive buffer.
const DefaultBridgeBuffer = 1024

// broadcastTimeout bounds a single Transport.Broadcast call.
const broadcastTimeout = 5 * time.Second

// BridgeStats counts events seen by a Bridge.
type BridgeStats struct {
	Accepted  uint64 `json:"accepted"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Bridge decouples state transitions from notification delivery. Notify
// only enqueues; a single goroutine started by Run broadcasts in order.
type Bridge struct {
	transport Transport
	queue     chan Event
	logger    *slog.Logger

	accepted  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewBridge creates a Bridge that delivers through transport.
func NewBridge(transport Transport, buffer int, logger *slog.Logger) (*Bridge, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBridgeBuffer
	}
	return &Bridge{
		transport: transport,
		queue:     make(chan Event, buffer),
		logger:    logger.With("component", "notification_bridge"),
	}, nil
}

// Notify enqueues event for delivery and reports whether it was accepted.
// It never blocks; when the buffer is full the event is dropped.
func (b *Bridge) Notify(event Event) bool {
	select {
	case b.queue <- event:
		b.accepted.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("notification buffer full, event dropped",
			"event_type", event.Type,
			"project_id", event.ProjectID,
			"item_count", len(event.Items))
		return false
	}
}

// Run delivers queued events until ctx is cancelled. Events still buffered
// at that point are delivered with a fresh deadline before Run returns.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("notification bridge started")
	for {
		select {
		case <-ctx.Done():
			b.drain()
			b.logger.Info("notification bridge stopped",
				"delivered", b.delivered.Load(),
				"dropped", b.dropped.Load(),
				"failed", b.failed.Load())
			return
		case event := <-b.queue:
			b.deliver(ctx, event)
		}
	}
}

func (b *Bridge) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	for {
		select {
		case event := <-b.queue:
			b.deliver(ctx, event)
		default:
			return
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, event Event) {
	sendCtx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	if err := b.transport.Broadcast(sendCtx, Topic(event.ProjectID), event); err != nil {
		b.failed.Add(1)
		b.logger.Error("failed to broadcast event",
			"error", err,
			"event_id", event.ID,
			"event_type", event.Type,
			"project_id", event.ProjectID)
		return
	}
	b.delivered.Add(1)
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Accepted:  b.accepted.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
	}
}
