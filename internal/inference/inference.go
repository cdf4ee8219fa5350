// Package inference defines the boundary to the external segmentation model.
//
// A Client performs one inference call and classifies failures as transient
// (retried by the worker pool up to the item's retry budget) or fatal
// (the item fails immediately).
package inference

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
)

// Request is one inference call.
type Request struct {
	ItemID  uuid.UUID
	ImageID uuid.UUID
	// ImageRef locates the image for the backend (object key or URI).
	ImageRef string
	Params   domain.JobParams
}

// Client performs segmentation inference.
type Client interface {
	// Infer runs the model for one image. Errors should be *Error values so
	// callers can tell transient from fatal failures; unclassified errors are
	// treated as transient.
	Infer(ctx context.Context, req Request) (*domain.SegmentationResult, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (*domain.SegmentationResult, error)

// Infer implements Client.
func (f ClientFunc) Infer(ctx context.Context, req Request) (*domain.SegmentationResult, error) {
	return f(ctx, req)
}
