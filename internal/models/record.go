package models

import "time"

// Status is the lifecycle state of a ProcessingRecord.
type Status string

const (
	StatusNone      Status = "NONE"
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further automatic processing happens from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProcessingRecord is the single source of truth for one document identity.
// The ID is the sha256 content hash of the uploaded bytes.
//
// Only the process holding the lock (LockOwner, LockExpiresAt in the future)
// may mutate the content fields.
type ProcessingRecord struct {
	ID                  string              `firestore:"id" json:"id"`
	Status              Status              `firestore:"status" json:"status"`
	LockOwner           string              `firestore:"lockOwner,omitempty" json:"lockOwner,omitempty"`
	LockExpiresAt       time.Time           `firestore:"lockExpiresAt,omitempty" json:"lockExpiresAt,omitempty"`
	CreatedAt           time.Time           `firestore:"createdAt" json:"createdAt"`
	UpdatedAt           time.Time           `firestore:"updatedAt" json:"updatedAt"`
	SourceLocation      string              `firestore:"sourceLocation,omitempty" json:"sourceLocation,omitempty"`
	DestinationLocation string              `firestore:"destinationLocation,omitempty" json:"destinationLocation,omitempty"`
	ErrorSummary        string              `firestore:"errorSummary,omitempty" json:"errorSummary,omitempty"`
	FailedStep          string              `firestore:"failedStep,omitempty" json:"failedStep,omitempty"`
	QuarantineLocation  string              `firestore:"quarantineLocation,omitempty" json:"quarantineLocation,omitempty"`
	Payload             map[string]any      `firestore:"payload,omitempty" json:"payload,omitempty"`
	Attempts            []ExtractionAttempt `firestore:"attempts,omitempty" json:"attempts,omitempty"`
}

// Clone returns a copy that shares no mutable slices or maps with r.
func (r *ProcessingRecord) Clone() *ProcessingRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			c.Payload[k] = v
		}
	}
	if r.Attempts != nil {
		c.Attempts = append([]ExtractionAttempt(nil), r.Attempts...)
	}
	return &c
}

// Touch bumps UpdatedAt to now, keeping it strictly increasing even if the
// clock reads the same instant twice or steps backwards.
func (r *ProcessingRecord) Touch(now time.Time) {
	now = now.Truncate(time.Microsecond)
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Microsecond)
	}
	r.UpdatedAt = now
}

// ClearLock drops the holder fields after a terminal release.
func (r *ProcessingRecord) ClearLock() {
	r.LockOwner = ""
	r.LockExpiresAt = time.Time{}
}

// RecordView is the observable surface of a record for dashboards and the CLI.
// Lock fields are not exposed.
type RecordView struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ErrorSummary string    `json:"errorSummary,omitempty"`
	FailedStep   string    `json:"failedStep,omitempty"`
}

// View projects the record onto its observable fields.
func (r *ProcessingRecord) View() RecordView {
	return RecordView{
		ID:           r.ID,
		Status:       r.Status,
		UpdatedAt:    r.UpdatedAt,
		ErrorSummary: r.ErrorSummary,
		FailedStep:   r.FailedStep,
	}
}
