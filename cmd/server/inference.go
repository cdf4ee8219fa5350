package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/segqueue/internal/config"
	"github.com/phrazzld/segqueue/internal/inference"
	"github.com/phrazzld/segqueue/internal/platform/gemini"
	"github.com/phrazzld/segqueue/internal/platform/segmentation"
)

// setupInference creates the configured inference backend.
func setupInference(ctx context.Context, cfg config.InferenceConfig, logger *slog.Logger) (inference.Client, error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		client, err := segmentation.NewClient(cfg.BaseURL, logger.With("component", "segmentation_client"))
		if err != nil {
			return nil, fmt.Errorf("failed to create segmentation client: %w", err)
		}
		logger.Info("segmentation service client initialized", "base_url", cfg.BaseURL)
		return client, nil

	case config.BackendGemini:
		segmenter, err := gemini.NewSegmenter(ctx, logger.With("component", "gemini_segmenter"),
			cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini segmenter: %w", err)
		}
		logger.Info("gemini segmenter initialized", "model", cfg.GeminiModel)
		return segmenter, nil

	default:
		return nil, fmt.Errorf("unsupported inference backend %q", cfg.Backend)
	}
}
