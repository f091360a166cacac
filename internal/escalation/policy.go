package escalation

import (
	"slices"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/models"
)

// RetryPolicy caps retries per category on the cheap model and sets backoff.
// A cap of N allows N retries, so N+1 dispatches, before giving up.
type RetryPolicy struct {
	MalformedOutputRetries int
	RateLimitedRetries     int
	TransientServerRetries int

	// ValidationRetries is how many extra cheap attempts a gate-validation
	// failure gets before escalating.
	ValidationRetries int

	RateLimitBaseBackoff time.Duration
	RateLimitMaxBackoff  time.Duration
	TransientBackoff     time.Duration
}

// DefaultRetryPolicy returns the production caps.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MalformedOutputRetries: 2,
		RateLimitedRetries:     5,
		TransientServerRetries: 3,
		ValidationRetries:      0,
		RateLimitBaseBackoff:   time.Second,
		RateLimitMaxBackoff:    30 * time.Second,
		TransientBackoff:       2 * time.Second,
	}
}

// Cap returns the retry cap for category.
func (p RetryPolicy) Cap(category models.ErrorCategory) int {
	switch category {
	case models.CategoryMalformedOutput:
		return p.MalformedOutputRetries
	case models.CategoryRateLimited:
		return p.RateLimitedRetries
	case models.CategoryTransientServer:
		return p.TransientServerRetries
	case models.CategoryValidationFailed:
		return p.ValidationRetries
	default:
		return 0
	}
}

// Backoff returns the wait before retry number occurrence (1-based) of
// category. jitter is a uniform sample in [0, 1).
//
// Rate limiting uses exponential backoff with equal jitter; transient server
// faults use a fixed delay; malformed output retries immediately.
func (p RetryPolicy) Backoff(category models.ErrorCategory, occurrence int, jitter float64) time.Duration {
	switch category {
	case models.CategoryRateLimited:
		d := p.RateLimitBaseBackoff
		for i := 1; i < occurrence && d < p.RateLimitMaxBackoff; i++ {
			d *= 2
		}
		if p.RateLimitMaxBackoff > 0 && d > p.RateLimitMaxBackoff {
			d = p.RateLimitMaxBackoff
		}
		half := d / 2
		return half + time.Duration(jitter*float64(half))
	case models.CategoryTransientServer:
		return p.TransientBackoff
	default:
		return 0
	}
}

// ImagePolicy decides whether the original page image rides along with a request.
type ImagePolicy struct {
	ConfidenceThreshold float64
	FragileTypes        []string
}

// DefaultImagePolicy returns the production thresholds.
func DefaultImagePolicy() ImagePolicy {
	return ImagePolicy{
		ConfidenceThreshold: 0.85,
		FragileTypes:        []string{"engineering_drawing", "handwritten", "scanned_form"},
	}
}

// ShouldAttach is true for low OCR confidence, a previous validation failure,
// any retry, or a fragile document type.
func (p ImagePolicy) ShouldAttach(confidence float64, previousFailedValidation bool, attemptNumber int, documentType string) bool {
	return confidence < p.ConfidenceThreshold ||
		previousFailedValidation ||
		attemptNumber > 0 ||
		slices.Contains(p.FragileTypes, documentType)
}
