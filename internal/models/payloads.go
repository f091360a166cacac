package models

// These structs define the JSON payloads exchanged with the function triggers.

// GCSEvent is the data of a storage object-finalized CloudEvent.
type GCSEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
}

// ResumeRequest is the input for the review-resumer function, sent by the
// human review workflow once a reviewer has approved a corrected payload.
type ResumeRequest struct {
	DocumentID string         `json:"documentId"`
	Payload    map[string]any `json:"payload"`
	ApprovedBy string         `json:"approvedBy"`
}

// ResumeResponse is the output of the review-resumer function.
type ResumeResponse struct {
	DocumentID string `json:"documentId"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
}
