package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lllllllleong/documentcoordinator/internal/models"
)

var (
	// ErrRateLimited is wrapped by model adapters when upstream throttles.
	ErrRateLimited = errors.New("model rate limited")
	// ErrTransientServer is wrapped by model adapters for retryable server faults.
	ErrTransientServer = errors.New("model transient server error")
	// ErrUnclassified marks a failure no category covers. It is a programmer
	// error and ends the run.
	ErrUnclassified = errors.New("unclassified extraction failure")
)

// Outcome is everything observed about one dispatch, in evaluation order.
type Outcome struct {
	CallErr          error
	ParseErr         error
	ValidationErrors []string
}

// Classify maps an attempt outcome to its category. CategoryNone with a nil
// error means success. A non-nil error means the outcome fits no category
// (or the call was cancelled) and must not be retried.
func Classify(o Outcome) (models.ErrorCategory, error) {
	switch {
	case o.CallErr != nil:
		switch {
		case errors.Is(o.CallErr, ErrRateLimited):
			return models.CategoryRateLimited, nil
		case errors.Is(o.CallErr, ErrTransientServer), errors.Is(o.CallErr, context.DeadlineExceeded):
			return models.CategoryTransientServer, nil
		case errors.Is(o.CallErr, context.Canceled):
			return models.CategoryNone, o.CallErr
		default:
			return models.CategoryNone, fmt.Errorf("%w: %w", ErrUnclassified, o.CallErr)
		}
	case o.ParseErr != nil:
		return models.CategoryMalformedOutput, nil
	case len(o.ValidationErrors) > 0:
		return models.CategoryValidationFailed, nil
	default:
		return models.CategoryNone, nil
	}
}
