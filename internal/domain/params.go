package domain

import (
	"fmt"
	"math"
	"strings"
)

// Model identifies a supported segmentation model.
type Model string

// Supported inference models
const (
	ModelHRNet           Model = "hrnet"
	ModelResUNetAdvanced Model = "resunet_advanced"
	ModelResUNetSmall    Model = "resunet_small"
)

// Default job parameters
const (
	DefaultModel     = ModelHRNet
	DefaultThreshold = 0.5
)

// SupportedModels lists every model accepted at submission.
var SupportedModels = []Model{ModelHRNet, ModelResUNetAdvanced, ModelResUNetSmall}

// ParseModel converts a user supplied name into a Model.
// Unknown names are rejected with a ValidationError.
func ParseModel(name string) (Model, error) {
	m := Model(strings.ToLower(strings.TrimSpace(name)))
	if m == "" {
		return DefaultModel, nil
	}
	if !m.IsValid() {
		return "", NewValidationError("model", fmt.Sprintf("unknown model %q", name))
	}
	return m, nil
}

// IsValid reports whether m is one of the supported models.
func (m Model) IsValid() bool {
	for _, known := range SupportedModels {
		if m == known {
			return true
		}
	}
	return false
}

// JobParams are the inference parameters of a queue item.
type JobParams struct {
	Model       Model   `json:"model"`
	Threshold   float64 `json:"threshold"`
	DetectHoles bool    `json:"detectHoles"`
}

// DefaultJobParams returns the parameters used when a request omits them.
func DefaultJobParams() JobParams {
	return JobParams{
		Model:       DefaultModel,
		Threshold:   DefaultThreshold,
		DetectHoles: true,
	}
}

// Validate checks the model enum and the threshold range [0, 1].
func (p JobParams) Validate() error {
	if !p.Model.IsValid() {
		return NewValidationError("model", fmt.Sprintf("unknown model %q", p.Model))
	}
	if math.IsNaN(p.Threshold) || p.Threshold < 0 || p.Threshold > 1 {
		return NewValidationError("threshold", "must be within [0, 1]")
	}
	return nil
}
