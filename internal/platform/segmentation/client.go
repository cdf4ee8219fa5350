// Package segmentation is the HTTP client of the ML segmentation service.
package segmentation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/inference"
	"github.com/phrazzld/segqueue/internal/platform/logger"
)

const (
	segmentPath = "/api/v1/segment"
	healthPath  = "/health"

	// maxErrorBody bounds how much of an error response is kept for logs.
	maxErrorBody = 4 << 10
)

// Client calls POST /api/v1/segment on the segmentation service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Ensure Client implements inference.Client interface
var _ inference.Client = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("segmentation base URL cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Minute},
		logger:  logger.With(slog.String("component", "segmentation_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// segmentResponse mirrors the service's JSON body.
type segmentResponse struct {
	Success        bool             `json:"success"`
	Polygons       []domain.Polygon `json:"polygons"`
	ModelUsed      string           `json:"model_used"`
	ThresholdUsed  float64          `json:"threshold_used"`
	ProcessingTime float64          `json:"processing_time"`
	ImageSize      map[string]int   `json:"image_size"`
	Error          string           `json:"error,omitempty"`
	Detail         json.RawMessage  `json:"detail,omitempty"`
}

// Infer implements inference.Client.
func (c *Client) Infer(ctx context.Context, req inference.Request) (*domain.SegmentationResult, error) {
	log := logger.FromContextOrDefault(ctx, c.logger)

	body, contentType, err := encodeForm(req)
	if err != nil {
		return nil, inference.NewFatal("encode", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+segmentPath, body)
	if err != nil {
		return nil, inference.NewFatal("build request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Warn("segmentation request failed",
			slog.String("item_id", req.ItemID.String()),
			slog.String("error", err.Error()))
		return nil, inference.NewTransient("request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		classified := inference.FromStatus("segment", resp.StatusCode,
			fmt.Errorf("service responded: %s", strings.TrimSpace(string(raw))))
		log.Warn("segmentation service returned error",
			slog.String("item_id", req.ItemID.String()),
			slog.Int("status", resp.StatusCode),
			slog.String("kind", classified.Kind.String()))
		return nil, classified
	}

	var decoded segmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, inference.NewFatal("decode", err)
	}
	if !decoded.Success {
		return nil, inference.NewFatal("segment", fmt.Errorf("service reported failure: %s", decoded.Error))
	}

	result := &domain.SegmentationResult{
		Polygons:       decoded.Polygons,
		ModelUsed:      decoded.ModelUsed,
		ThresholdUsed:  decoded.ThresholdUsed,
		ProcessingTime: decoded.ProcessingTime,
		ImageSize: domain.ImageSize{
			Width:  decoded.ImageSize["width"],
			Height: decoded.ImageSize["height"],
		},
	}
	if result.Polygons == nil {
		result.Polygons = []domain.Polygon{}
	}

	log.Debug("segmentation completed",
		slog.String("item_id", req.ItemID.String()),
		slog.Int("polygons", len(result.Polygons)),
		slog.Duration("elapsed", time.Since(start)))
	return result, nil
}

// Ping checks the service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return inference.NewTransient("health", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return inference.FromStatus("health", resp.StatusCode, errors.New("unhealthy"))
	}
	return nil
}

func encodeForm(req inference.Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	imageRef := req.ImageRef
	if imageRef == "" {
		imageRef = req.ImageID.String()
	}
	fields := []struct{ name, value string }{
		{"image_ref", imageRef},
		{"image_id", req.ImageID.String()},
		{"model", string(req.Params.Model)},
		{"threshold", strconv.FormatFloat(req.Params.Threshold, 'f', -1, 64)},
		{"detect_holes", strconv.FormatBool(req.Params.DetectHoles)},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
