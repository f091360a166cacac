package models

import "time"

// Quarantine reasons. Operators filter on these, so keep them stable.
const (
	ReasonOCRFailed               = "ocr_failed"
	ReasonRetriesExhausted        = "retries_exhausted"
	ReasonBudgetDenied            = "budget_denied"
	ReasonBudgetUnavailable       = "budget_unavailable"
	ReasonEscalationFailed        = "escalation_failed_validation"
	ReasonEscalationAttemptFailed = "escalation_attempt_failed"
	ReasonUnclassifiedError       = "unclassified_error"
	ReasonTimeout                 = "timeout"
	ReasonSagaFailed              = "saga_failed"
)

// QuarantinePayload is everything a human reviewer needs to reconstruct why
// automated processing stopped.
type QuarantinePayload struct {
	DocumentID       string              `json:"documentId"`
	SourceLocation   string              `json:"sourceLocation"`
	Reason           string              `json:"reason"`
	Cause            string              `json:"cause,omitempty"`
	FailedStep       string              `json:"failedStep,omitempty"`
	Attempts         []ExtractionAttempt `json:"attempts,omitempty"`
	ValidationErrors []string            `json:"validationErrors,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
}
