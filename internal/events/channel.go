package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Channel errors
var (
	ErrChannelClosed      = errors.New("notification channel is closed")
	ErrSubscriberExists   = errors.New("subscriber already registered")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrTopicMismatch      = errors.New("topic does not match event project")
)

// DefaultSubscriberBuffer is used when NewChannel is given a non-positive buffer.
const DefaultSubscriberBuffer = 64

// SubscriberStats counts deliveries to one connection.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Subscription is the receiving end of one connection's interest in a project.
// Events is closed when the subscription is removed or the Channel closes.
type Subscription struct {
	ProjectID    uuid.UUID
	ConnectionID string
	Events       <-chan Event
}

type subscriber struct {
	ch      chan Event
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Channel is an in-process publish/subscribe hub keyed by project.
// It also satisfies Transport for single-process deployments.
type Channel struct {
	mu        sync.RWMutex
	projects  map[uuid.UUID]map[string]*subscriber
	buffer    int
	published atomic.Uint64
	closed    bool
	logger    *slog.Logger
}

var _ Transport = (*Channel)(nil)

// NewChannel creates an empty Channel whose subscribers buffer up to buffer events.
func NewChannel(logger *slog.Logger, buffer int) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Channel{
		projects: make(map[uuid.UUID]map[string]*subscriber),
		buffer:   buffer,
		logger:   logger.With("component", "notification_channel"),
	}
}

// Subscribe registers connectionID for events of projectID.
func (c *Channel) Subscribe(projectID uuid.UUID, connectionID string) (*Subscription, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("subscribe: connection id cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}

	subs, ok := c.projects[projectID]
	if !ok {
		subs = make(map[string]*subscriber)
		c.projects[projectID] = subs
	}
	if _, exists := subs[connectionID]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &subscriber{ch: make(chan Event, c.buffer)}
	subs[connectionID] = sub

	c.logger.Debug("subscriber added",
		"project_id", projectID,
		"connection_id", connectionID,
		"subscriber_count", len(subs))

	return &Subscription{ProjectID: projectID, ConnectionID: connectionID, Events: sub.ch}, nil
}

// Unsubscribe removes a connection and closes its Events channel.
func (c *Channel) Unsubscribe(projectID uuid.UUID, connectionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs, ok := c.projects[projectID]
	if !ok {
		return ErrSubscriberNotFound
	}
	sub, ok := subs[connectionID]
	if !ok {
		return ErrSubscriberNotFound
	}

	close(sub.ch)
	delete(subs, connectionID)
	if len(subs) == 0 {
		delete(c.projects, projectID)
	}

	c.logger.Debug("subscriber removed",
		"project_id", projectID,
		"connection_id", connectionID,
		"sent", sub.sent.Load(),
		"dropped", sub.dropped.Load())
	return nil
}

// Publish hands event to every subscriber of its project and returns how
// many received it. A subscriber with a full buffer misses the event; the
// others are unaffected.
func (c *Channel) Publish(event Event) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return 0
	}
	c.published.Add(1)

	delivered := 0
	for id, sub := range c.projects[event.ProjectID] {
		select {
		case sub.ch <- event:
			sub.sent.Add(1)
			delivered++
		default:
			sub.dropped.Add(1)
			c.logger.Warn("subscriber buffer full, event dropped",
				"project_id", event.ProjectID,
				"connection_id", id,
				"event_type", event.Type)
		}
	}
	return delivered
}

// Broadcast implements Transport by publishing locally.
func (c *Channel) Broadcast(_ context.Context, topic string, event Event) error {
	if topic != Topic(event.ProjectID) {
		return fmt.Errorf("%w: %s", ErrTopicMismatch, topic)
	}
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.Publish(event)
	return nil
}

// Subscribers returns the connection ids subscribed to projectID, sorted.
func (c *Channel) Subscribers(projectID uuid.UUID) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.projects[projectID]))
	for id := range c.projects[projectID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Projects returns the projects that currently have subscribers.
func (c *Channel) Projects() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(c.projects))
	for id := range c.projects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Stats returns delivery counters of one subscriber.
func (c *Channel) Stats(projectID uuid.UUID, connectionID string) (SubscriberStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sub, ok := c.projects[projectID][connectionID]
	if !ok {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}, nil
}

// Published returns the number of events accepted by Publish.
func (c *Channel) Published() uint64 {
	return c.published.Load()
}

// Close removes every subscriber and closes their Events channels.
// Later Subscribe calls fail with ErrChannelClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for _, subs := range c.projects {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	c.projects = nil
}

func (c *Channel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
