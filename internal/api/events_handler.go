package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/segqueue/internal/events"
	"github.com/phrazzld/segqueue/internal/platform/logger"
)

const (
	// Time allowed to write one event to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxClientMessageSize = 512
)

// EventSource registers connections for project events.
type EventSource interface {
	Subscribe(projectID uuid.UUID, connectionID string) (*events.Subscription, error)
	Unsubscribe(projectID uuid.UUID, connectionID string) error
}

var _ EventSource = (*events.Channel)(nil)

// EventsHandler streams project events over WebSocket.
type EventsHandler struct {
	source   EventSource
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// pingPeriod is a field so tests can shorten it.
	pingPeriod time.Duration
}

// NewEventsHandler creates an EventsHandler reading from source.
func NewEventsHandler(source EventSource, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for EventsHandler")
	}
	return &EventsHandler{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Connections authenticate with a bearer token rather than
			// cookies, so the origin is not checked.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:     logger.With(slog.String("component", "events_handler")),
		pingPeriod: pingPeriod,
	}
}

// Stream handles GET /api/projects/{projectID}/events. Every event of the
// project is written as one JSON text message. The subscription is taken
// before the handshake completes and removed as soon as the upgrade or
// reading from the client fails, which includes a normal close.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	_, projectID, ok := handleUserIDAndPathUUID(w, r, projectIDParam, log)
	if !ok {
		return
	}

	connectionID := uuid.NewString()
	log = log.With("project_id", projectID, "connection_id", connectionID)

	// Events published after the client sees the 101 must reach it.
	sub, err := h.source.Subscribe(projectID, connectionID)
	if err != nil {
		log.Error("failed to subscribe to project events", "error", err)
		HandleAPIError(w, r, err, "Failed to open event stream")
		return
	}
	defer func() {
		if err := h.source.Unsubscribe(projectID, connectionID); err != nil &&
			!errors.Is(err, events.ErrSubscriberNotFound) && !errors.Is(err, events.ErrChannelClosed) {
			log.Warn("failed to unsubscribe", "error", err)
		}
	}()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	log.Info("event stream opened")

	readDone := make(chan struct{})
	go h.readLoop(conn, readDone, log)

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			log.Info("event stream closed by client")
			return

		case event, ok := <-sub.Events:
			if !ok {
				h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				log.Debug("failed to write event", "error", err, "event_id", event.ID)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("failed to ping client", "error", err)
				return
			}
		}
	}
}

// readLoop consumes client frames so control messages are processed and
// closes done when the connection can no longer be read.
func (h *EventsHandler) readLoop(conn *websocket.Conn, done chan<- struct{}, log *slog.Logger) {
	defer close(done)

	conn.SetReadLimit(maxClientMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("event stream read failed", "error", err)
			}
			return
		}
	}
}

func (h *EventsHandler) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
