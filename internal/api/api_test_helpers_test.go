package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/api/middleware"
	"github.com/phrazzld/segqueue/internal/events"
	"github.com/phrazzld/segqueue/internal/mocks"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/phrazzld/segqueue/internal/platform/memory"
	"github.com/phrazzld/segqueue/internal/service/auth"
	"github.com/phrazzld/segqueue/internal/service/queue"
	"github.com/stretchr/testify/require"
)

// testEnv is a router over a real queue service and in-memory store.
// Bearer tokens are user ids.
type testEnv struct {
	router   http.Handler
	svc      *queue.Service
	store    *memory.JobStore
	notifier *mocks.MockNotifier
	channel  *events.Channel
}

func newTestEnv(t *testing.T, cfg queue.Config) *testEnv {
	t.Helper()

	log, _ := logger.GetTestLogger(t)
	env := &testEnv{
		store:    memory.NewJobStore(),
		notifier: &mocks.MockNotifier{},
		channel:  events.NewChannel(log, 16),
	}
	t.Cleanup(env.channel.Close)

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	svc, err := queue.NewService(env.store, env.notifier, cfg, log)
	require.NoError(t, err)
	env.svc = svc

	jwtService := &mocks.MockJWTService{
		ValidateTokenFn: func(ctx context.Context, token string) (*auth.Claims, error) {
			userID, err := uuid.Parse(token)
			if err != nil {
				return nil, auth.ErrInvalidToken
			}
			return &auth.Claims{UserID: userID}, nil
		},
	}

	queueHandler := NewQueueHandler(svc, log)
	eventsHandler := NewEventsHandler(env.channel, log)

	r := chi.NewRouter()
	r.Use(middleware.NewTraceMiddleware(log))
	r.Route("/api/projects/{projectID}", func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(jwtService).Authenticate)
		r.Post("/queue", queueHandler.Submit)
		r.Post("/queue/batch", queueHandler.SubmitBatch)
		r.Post("/queue/cancel", queueHandler.Cancel)
		r.Get("/queue", queueHandler.List)
		r.Get("/queue/stats", queueHandler.Stats)
		r.Get("/events", eventsHandler.Stream)
	})
	env.router = r
	return env
}

// do sends a request as userID (uuid.Nil sends no credentials).
func (e *testEnv) do(t *testing.T, method, path string, userID uuid.UUID, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+userID.String())
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func queuePath(projectID uuid.UUID, suffix string) string {
	return "/api/projects/" + projectID.String() + "/queue" + suffix
}
