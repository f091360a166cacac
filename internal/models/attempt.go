package models

import "time"

// ModelTier identifies which extraction model produced an attempt.
type ModelTier string

const (
	ModelCheap     ModelTier = "cheap"
	ModelExpensive ModelTier = "expensive"
)

// ErrorCategory classifies a failed extraction attempt.
type ErrorCategory string

const (
	CategoryNone             ErrorCategory = ""
	CategoryMalformedOutput  ErrorCategory = "MALFORMED_OUTPUT"
	CategoryRateLimited      ErrorCategory = "RATE_LIMITED"
	CategoryTransientServer  ErrorCategory = "TRANSIENT_SERVER"
	CategoryValidationFailed ErrorCategory = "VALIDATION_FAILED"
)

// ExtractionAttempt is one model dispatch within a processing run.
type ExtractionAttempt struct {
	AttemptNumber    int           `firestore:"attemptNumber" json:"attemptNumber"`
	Model            ModelTier     `firestore:"model" json:"model"`
	Output           string        `firestore:"output,omitempty" json:"output,omitempty"`
	Error            string        `firestore:"error,omitempty" json:"error,omitempty"`
	ErrorCategory    ErrorCategory `firestore:"errorCategory,omitempty" json:"errorCategory,omitempty"`
	ValidationErrors []string      `firestore:"validationErrors,omitempty" json:"validationErrors,omitempty"`
	ImageAttached    bool          `firestore:"imageAttached" json:"imageAttached"`
	StartedAt        time.Time     `firestore:"startedAt" json:"startedAt"`
}
