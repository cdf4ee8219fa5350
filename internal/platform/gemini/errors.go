package gemini

import "errors"

// Errors returned by the Gemini segmenter. They are wrapped in
// *inference.Error values carrying the transient or fatal classification.
var (
	// ErrInvalidResponse is returned when the model output cannot be parsed or is malformed
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the model blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrInvalidConfig is returned when the segmenter configuration is invalid
	ErrInvalidConfig = errors.New("invalid segmenter configuration")
)
