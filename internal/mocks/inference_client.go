package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/inference"
)

// MockInferenceClient implements inference.Client for testing
type MockInferenceClient struct {
	// InferFn allows test cases to mock the Infer behavior
	InferFn func(ctx context.Context, req inference.Request) (*domain.SegmentationResult, error)

	// Default response values
	Result *domain.SegmentationResult
	Err    error

	mu       sync.Mutex
	requests []inference.Request
}

var _ inference.Client = (*MockInferenceClient)(nil)

// Infer implements the inference.Client interface
func (m *MockInferenceClient) Infer(ctx context.Context, req inference.Request) (*domain.SegmentationResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.InferFn != nil {
		return m.InferFn(ctx, req)
	}
	return m.Result, m.Err
}

// Requests returns a copy of every request received so far.
func (m *MockInferenceClient) Requests() []inference.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]inference.Request(nil), m.requests...)
}

// CallCount returns how many times Infer was called.
func (m *MockInferenceClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// NewMockInferenceClientWithResult creates a client that always succeeds with result.
func NewMockInferenceClientWithResult(result *domain.SegmentationResult) *MockInferenceClient {
	return &MockInferenceClient{Result: result}
}

// NewMockInferenceClientWithError creates a client that always fails with err.
func NewMockInferenceClientWithError(err error) *MockInferenceClient {
	return &MockInferenceClient{Err: err}
}

// SampleResult returns a small valid segmentation result.
func SampleResult() *domain.SegmentationResult {
	return &domain.SegmentationResult{
		Polygons: []domain.Polygon{{
			Points:     []domain.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 0, Y: 3}},
			Area:       6,
			Confidence: 0.9,
		}},
		ModelUsed:      string(domain.ModelHRNet),
		ThresholdUsed:  0.5,
		ProcessingTime: 0.01,
		ImageSize:      domain.ImageSize{Width: 10, Height: 10},
	}
}
