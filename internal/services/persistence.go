package services

import (
	"context"

	"github.com/Lllllllleong/documentcoordinator/internal/lock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"github.com/Lllllllleong/documentcoordinator/internal/saga"
)

// Persistence saga step names, as recorded in failedStep.
const (
	StepMarkPending       = "mark-pending"
	StepCopyToDestination = "copy-to-destination"
	StepDeleteSource      = "delete-source"
	StepMarkCompleted     = "mark-completed"
)

// persistenceSteps moves a validated document from src to dst. The source is
// deleted only once the destination copy exists, and the destination copy is
// removed again if anything after the copy fails.
func (c *Coordinator) persistenceSteps(lease *lock.Lease, src, dst string, data map[string]any, attempts []models.ExtractionAttempt) []saga.Step {
	return []saga.Step{
		{
			Name: StepMarkPending,
			Execute: func(ctx context.Context) error {
				return lease.Update(ctx, func(rec *models.ProcessingRecord) error {
					rec.Status = models.StatusPending
					rec.Payload = data
					rec.Attempts = attempts
					rec.DestinationLocation = dst
					return nil
				})
			},
			Compensate: func(ctx context.Context) error {
				return lease.Update(ctx, func(rec *models.ProcessingRecord) error {
					rec.Status = models.StatusFailed
					rec.DestinationLocation = ""
					return nil
				})
			},
		},
		{
			Name: StepCopyToDestination,
			Execute: func(ctx context.Context) error {
				return c.objects.Copy(ctx, src, dst)
			},
			Compensate: func(ctx context.Context) error {
				return c.objects.Delete(ctx, dst)
			},
		},
		{
			Name: StepDeleteSource,
			Execute: func(ctx context.Context) error {
				return c.objects.Delete(ctx, src)
			},
			Compensate: func(ctx context.Context) error {
				return c.objects.Copy(ctx, dst, src)
			},
		},
		{
			Name: StepMarkCompleted,
			Execute: func(ctx context.Context) error {
				return lease.Update(ctx, func(rec *models.ProcessingRecord) error {
					rec.Status = models.StatusCompleted
					rec.ErrorSummary = ""
					rec.FailedStep = ""
					rec.QuarantineLocation = ""
					return nil
				})
			},
		},
	}
}
