package gemini

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"path"
	"strings"
	"text/template"
	"time"

	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/inference"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"google.golang.org/genai"
)

//go:embed prompt.tmpl
var promptTemplateText string

var promptTemplate = template.Must(template.New("segment").Parse(promptTemplateText))

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-2.0-flash"

// contentGenerator is the subset of *genai.Models the segmenter needs.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Segmenter implements inference.Client using the Gemini API.
type Segmenter struct {
	logger *slog.Logger
	models contentGenerator
	model  string
}

// Ensure Segmenter implements inference.Client interface
var _ inference.Client = (*Segmenter)(nil)

// NewSegmenter creates a Segmenter with a new genai client.
func NewSegmenter(ctx context.Context, logger *slog.Logger, apiKey, model string) (*Segmenter, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	return newSegmenter(logger, client.Models, model), nil
}

func newSegmenter(logger *slog.Logger, models contentGenerator, model string) *Segmenter {
	if model == "" {
		model = DefaultModel
	}
	return &Segmenter{
		logger: logger.With(slog.String("component", "gemini_segmenter")),
		models: models,
		model:  model,
	}
}

// Infer implements inference.Client.
func (s *Segmenter) Infer(ctx context.Context, req inference.Request) (*domain.SegmentationResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if req.ImageRef == "" {
		return nil, inference.NewFatal("prepare", errors.New("image reference is required for the gemini backend"))
	}

	prompt, err := createPrompt(req.Params)
	if err != nil {
		return nil, inference.NewFatal("prompt", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(req.ImageRef, imageMIMEType(req.ImageRef)),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}

	start := time.Now()
	resp, err := s.models.GenerateContent(ctx, s.model, contents, config)
	if err != nil {
		classified := classifyAPIError(err)
		log.Warn("gemini call failed",
			slog.String("item_id", req.ItemID.String()),
			slog.String("kind", classified.Kind.String()),
			slog.String("error", err.Error()))
		return nil, classified
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, inference.NewFatal("response", err)
	}

	result, err := parseResponse(text, req.Params)
	if err != nil {
		return nil, inference.NewFatal("parse", err)
	}
	result.ModelUsed = "gemini:" + s.model
	result.ProcessingTime = time.Since(start).Seconds()

	log.Debug("gemini segmentation completed",
		slog.String("item_id", req.ItemID.String()),
		slog.Int("polygons", len(result.Polygons)))
	return result, nil
}

func createPrompt(params domain.JobParams) (string, error) {
	var buf bytes.Buffer
	err := promptTemplate.Execute(&buf, promptData{
		Model:       string(params.Model),
		Threshold:   params.Threshold,
		DetectHoles: params.DetectHoles,
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

func imageMIMEType(ref string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(ref, "?", 2)[0]))
	if t := mime.TypeByExtension(ext); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/png"
}

// classifyAPIError classifies API errors by status; errors without one are
// treated as the service being unavailable.
func classifyAPIError(err error) *inference.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return inference.FromStatus("generate", apiErr.Code, err)
	}
	if errors.Is(err, context.Canceled) {
		return inference.NewTransient("generate", err)
	}
	return inference.FromStatus("generate", http.StatusServiceUnavailable, err)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", ErrInvalidResponse)
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: content blocked by safety filters", ErrContentBlocked)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content in response", ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: response has no text", ErrInvalidResponse)
	}
	return sb.String(), nil
}

// parseResponse converts the model's JSON into a SegmentationResult, dropping
// polygons below the requested threshold.
func parseResponse(text string, params domain.JobParams) (*domain.SegmentationResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")

	var parsed ResponseSchema
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON response: %v", ErrInvalidResponse, err)
	}

	result := &domain.SegmentationResult{
		Polygons:      make([]domain.Polygon, 0, len(parsed.Polygons)),
		ThresholdUsed: params.Threshold,
		ImageSize: domain.ImageSize{
			Width:  parsed.ImageSize.Width,
			Height: parsed.ImageSize.Height,
		},
	}

	for i, p := range parsed.Polygons {
		if len(p.Points) < 3 {
			return nil, fmt.Errorf("%w: polygon %d has %d points", ErrInvalidResponse, i, len(p.Points))
		}
		if p.Confidence < params.Threshold {
			continue
		}
		poly := domain.Polygon{
			Points:     make([]domain.Point, len(p.Points)),
			Confidence: p.Confidence,
		}
		for j, pt := range p.Points {
			poly.Points[j] = domain.Point{X: pt.X, Y: pt.Y}
		}
		poly.Area = shoelaceArea(poly.Points)
		result.Polygons = append(result.Polygons, poly)
	}
	return result, nil
}

func shoelaceArea(points []domain.Point) float64 {
	var sum float64
	for i := range points {
		j := (i + 1) % len(points)
		sum += points[i].X*points[j].Y - points[j].X*points[i].Y
	}
	return math.Abs(sum) / 2
}
