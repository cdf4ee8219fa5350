package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/segqueue/internal/api"
	"github.com/phrazzld/segqueue/internal/config"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/events"
	"github.com/phrazzld/segqueue/internal/inference"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 8080, LogLevel: "debug", ShutdownTimeoutSeconds: 5},
		Database: config.DatabaseConfig{Driver: config.DriverMemory, MaxOpenConns: 1},
		Queue: config.QueueConfig{
			WorkerCount:               2,
			MaxRetries:                2,
			MaxPerProject:             100,
			MaxGlobal:                 1000,
			InferenceTimeoutSeconds:   5,
			PollIntervalMs:            10,
			StaleItemMinutes:          10,
			StaleCheckIntervalSeconds: 60,
			ClaimScanLimit:            10,
		},
		Inference: config.InferenceConfig{Backend: config.BackendHTTP, BaseURL: "http://localhost:9999"},
		Notify:    config.NotifyConfig{ChannelPrefix: "segqueue", SubscriberBuffer: 16, BridgeBuffer: 64},
		Auth: config.AuthConfig{
			JWTSecret:            "test-secret-that-is-at-least-32-characters",
			TokenLifetimeMinutes: 60,
		},
	}
}

// startTestApp runs a fully wired application over the in-memory store.
func startTestApp(t *testing.T, client inference.Client) (*application, *httptest.Server) {
	t.Helper()

	log, _ := logger.GetTestLogger(t)
	app, err := newApplication(context.Background(), testConfig(), log, withInferenceClient(client))
	require.NoError(t, err)
	require.NoError(t, app.start())

	server := httptest.NewServer(app.setupRouter())
	t.Cleanup(func() {
		server.Close()
		app.stop()
	})
	return app, server
}

func tokenFor(t *testing.T, app *application, userID uuid.UUID) string {
	t.Helper()
	token, err := app.jwtService.GenerateToken(context.Background(), userID)
	require.NoError(t, err)
	return token
}

func TestApplication_SubmitRunsToCompletion(t *testing.T) {
	var calls atomic.Int32
	client := inference.ClientFunc(func(ctx context.Context, req inference.Request) (*domain.SegmentationResult, error) {
		calls.Add(1)
		return &domain.SegmentationResult{ModelUsed: string(req.Params.Model), ThresholdUsed: req.Params.Threshold}, nil
	})
	app, server := startTestApp(t, client)

	projectID, userID := uuid.New(), uuid.New()
	token := tokenFor(t, app, userID)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/api/projects/" + projectID.String() + "/events?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return len(app.notify.channel.Subscribers(projectID)) == 1
	}, time.Second, 5*time.Millisecond)

	body, err := json.Marshal(api.SubmitRequest{ImageID: uuid.New()})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/projects/"+projectID.String()+"/queue", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Action-ID", "submit-1")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	var item domain.QueueItem
	require.NoError(t, json.NewDecoder(res.Body).Decode(&item))
	assert.Equal(t, domain.StatusQueued, item.Status)

	// The submitting action echoes first; the worker's transitions follow.
	var sawOrigin, sawCompleted bool
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !sawCompleted {
		var event events.Event
		require.NoError(t, conn.ReadJSON(&event))
		require.Equal(t, projectID, event.ProjectID)
		if event.OriginActionID == "submit-1" {
			sawOrigin = true
		}
		for _, state := range event.Items {
			if state.ID == item.ID && state.Status == domain.StatusCompleted {
				sawCompleted = true
			}
		}
	}
	assert.True(t, sawOrigin)
	assert.Equal(t, int32(1), calls.Load())

	stored, err := app.storage.jobStore.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
}

func TestApplication_RejectsUnauthenticated(t *testing.T) {
	_, server := startTestApp(t, inference.ClientFunc(
		func(context.Context, inference.Request) (*domain.SegmentationResult, error) {
			return &domain.SegmentationResult{}, nil
		}))

	res, err := http.Get(server.URL + "/api/projects/" + uuid.NewString() + "/queue")
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestApplication_Health(t *testing.T) {
	_, server := startTestApp(t, inference.ClientFunc(
		func(context.Context, inference.Request) (*domain.SegmentationResult, error) {
			return &domain.SegmentationResult{}, nil
		}))

	res, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestSetupStorage_RejectsUnknownDriver(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	_, err := setupStorage(context.Background(), config.DatabaseConfig{Driver: "mongo"}, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestSetupStorage_SQLite(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	st, err := setupStorage(context.Background(), config.DatabaseConfig{
		Driver:     config.DriverSQLite,
		SQLitePath: t.TempDir() + "/queue.db",
	}, log)
	require.NoError(t, err)
	defer func() { _ = st.close() }()

	require.NoError(t, st.health(context.Background()))
}

func TestSetupInference_RejectsUnknownBackend(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	_, err := setupInference(context.Background(), config.InferenceConfig{Backend: "onnx"}, log)
	require.Error(t, err)
}
