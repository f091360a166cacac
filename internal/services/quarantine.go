package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/gcp"
	"github.com/Lllllllleong/documentcoordinator/internal/lock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
)

const quarantineTimeout = 30 * time.Second

// AtomicWriter creates an object only if it does not exist yet.
type AtomicWriter interface {
	WriteAtomically(ctx context.Context, uri string, content []byte) error
}

// GCSQuarantine writes quarantine payloads as JSON objects to a bucket.
type GCSQuarantine struct {
	writer AtomicWriter
	bucket string
}

func NewGCSQuarantine(writer AtomicWriter, bucket string) *GCSQuarantine {
	return &GCSQuarantine{writer: writer, bucket: bucket}
}

// QuarantineObjectName is <documentId>/<timestamp>.json.
func QuarantineObjectName(documentID string, at time.Time) string {
	return fmt.Sprintf("%s/%s.json", documentID, at.UTC().Format("20060102T150405.000000000Z"))
}

// Quarantine implements QuarantineSink.
func (q *GCSQuarantine) Quarantine(ctx context.Context, payload models.QuarantinePayload) (string, error) {
	content, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal quarantine payload: %w", err)
	}
	uri := gcp.URI(q.bucket, QuarantineObjectName(payload.DocumentID, payload.CreatedAt))
	if err := q.writer.WriteAtomically(ctx, uri, content); err != nil {
		return "", fmt.Errorf("failed to write quarantine payload to %s: %w", uri, err)
	}
	return uri, nil
}

// toHumanReview writes the quarantine payload, records where it went and
// hands back a FAILED release. The source file is never touched here.
func (c *Coordinator) toHumanReview(ctx context.Context, lease *lock.Lease, q models.QuarantinePayload) (lock.Result, string) {
	logCtx := slog.With("documentId", lease.ID(), "reason", q.Reason)

	q.DocumentID = lease.ID()
	q.SourceLocation = lease.Record().SourceLocation
	q.CreatedAt = c.clock.Now().UTC()

	// The execution deadline may already have passed.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), quarantineTimeout)
	defer cancel()

	uri, err := c.quarantine.Quarantine(writeCtx, q)
	if err != nil {
		logCtx.Error("CRITICAL: Failed to write quarantine payload.", "error", err)
	}

	summary := q.Reason
	if q.Cause != "" {
		summary = q.Reason + ": " + q.Cause
	}
	err = lease.Update(writeCtx, func(rec *models.ProcessingRecord) error {
		rec.ErrorSummary = summary
		rec.FailedStep = q.FailedStep
		rec.QuarantineLocation = uri
		if q.Attempts != nil {
			rec.Attempts = q.Attempts
		}
		return nil
	})
	if err != nil {
		logCtx.Error("Failed to record quarantine details on the processing record.", "error", err)
	}

	if c.review != nil && uri != "" {
		if err := c.review.RequestReview(writeCtx, q.DocumentID, uri, q.Reason); err != nil {
			logCtx.Error("Failed to request human review.", "error", err, "quarantineLocation", uri)
		}
	}

	logCtx.Warn("Document routed to human review.", "quarantineLocation", uri, "failedStep", q.FailedStep)
	return lock.Result{Status: models.StatusFailed, ErrorSummary: summary}, q.Reason
}
