package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/phrazzld/segqueue/internal/api"
	"github.com/phrazzld/segqueue/internal/api/middleware"
	"github.com/phrazzld/segqueue/internal/api/shared"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/service/queue"
)

// apiClient talks to the segqueue HTTP API.
type apiClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Message string
	TraceID string
}

func (e *apiError) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("server returned %d: %s (trace %s)", e.Status, e.Message, e.TraceID)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func newAPIClient(server, token string, timeout time.Duration) (*apiClient, error) {
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", server)
	}
	return &apiClient{base: base, token: token, http: &http.Client{Timeout: timeout}}, nil
}

func (c *apiClient) projectPath(projectID uuid.UUID, suffix string) string {
	return c.base.String() + "/api/projects/" + projectID.String() + suffix
}

// do sends one request tagged with actionID and decodes a JSON response into out.
func (c *apiClient) do(ctx context.Context, method, endpoint, actionID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actionID != "" {
		req.Header.Set(shared.ActionIDHeader, actionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp shared.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr != nil || errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: errResp.Error, TraceID: errResp.TraceID}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) Submit(ctx context.Context, projectID uuid.UUID, req api.SubmitRequest, actionID string) (*domain.QueueItem, error) {
	var item domain.QueueItem
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "/queue"), actionID, req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *apiClient) SubmitBatch(ctx context.Context, projectID uuid.UUID, reqs []api.SubmitRequest, actionID string) (*api.BatchSubmitResponse, error) {
	var resp api.BatchSubmitResponse
	body := api.BatchSubmitRequest{Items: reqs}
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "/queue/batch"), actionID, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Cancel(ctx context.Context, projectID uuid.UUID, actionID string) (*queue.CancelResult, error) {
	var result queue.CancelResult
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "/queue/cancel"), actionID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *apiClient) List(ctx context.Context, projectID uuid.UUID) ([]*domain.QueueItem, error) {
	var resp api.QueueListResponse
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "/queue"), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *apiClient) Stats(ctx context.Context, projectID uuid.UUID) (domain.ProjectQueueView, error) {
	var view domain.ProjectQueueView
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "/queue/stats"), "", nil, &view)
	return view, err
}

// DialEvents opens the project's event stream. Browsers cannot set headers
// on a websocket handshake, so the token travels as a query parameter.
func (c *apiClient) DialEvents(ctx context.Context, projectID uuid.UUID) (*websocket.Conn, error) {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/api/projects/" + projectID.String() + "/events"
	wsURL.RawQuery = url.Values{middleware.AccessTokenQueryParam: {c.token}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &apiError{Status: resp.StatusCode, Message: "event stream rejected"}
		}
		return nil, fmt.Errorf("connect to event stream: %w", err)
	}
	return conn, nil
}
