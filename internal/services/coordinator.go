package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/clock"
	"github.com/Lllllllleong/documentcoordinator/internal/escalation"
	"github.com/Lllllllleong/documentcoordinator/internal/gcp"
	"github.com/Lllllllleong/documentcoordinator/internal/lock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"github.com/Lllllllleong/documentcoordinator/internal/ocr"
	"github.com/Lllllllleong/documentcoordinator/internal/saga"
)

// ErrInvalidPayload is returned by ResumeFromFailure when the reviewer's
// payload does not pass the validation gate.
var ErrInvalidPayload = errors.New("resume payload failed validation")

// OCR transcribes a document to markdown.
type OCR interface {
	Extract(ctx context.Context, doc ocr.Document) (*ocr.Result, error)
}

// ObjectStore moves files addressed by gs:// URIs.
type ObjectStore interface {
	Read(ctx context.Context, uri string) ([]byte, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, uri string) error
	Exists(ctx context.Context, uri string) (bool, error)
}

// QuarantineSink stores quarantine payloads and returns where they went.
type QuarantineSink interface {
	Quarantine(ctx context.Context, payload models.QuarantinePayload) (string, error)
}

// ReviewRequester notifies the human-review application.
type ReviewRequester interface {
	RequestReview(ctx context.Context, documentID, quarantineURI, reason string) error
}

// CoordinatorConfig holds the timing and placement settings of a Coordinator.
type CoordinatorConfig struct {
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	ProcessedBucket   string

	// ExecutionTimeout is the platform's hard limit for one invocation.
	ExecutionTimeout time.Duration

	// SafetyMargin is reserved at the end of the invocation for quarantine
	// writes and lock release.
	SafetyMargin time.Duration
}

// Dependencies are the collaborators a Coordinator composes.
type Dependencies struct {
	Lock       *lock.DistributedLock
	Engine     *escalation.Engine
	Saga       *saga.Orchestrator
	OCR        OCR
	Cheap      escalation.Model
	Expensive  escalation.Model
	Validator  escalation.Validator
	Objects    ObjectStore
	Quarantine QuarantineSink
	Review     ReviewRequester // optional
	Clock      clock.Clock
}

// Source identifies the uploaded file being processed.
type Source struct {
	URI      string
	MIMEType string
}

// ProcessResult reports what happened to one delivery.
type ProcessResult struct {
	DocumentID string
	Outcome    lock.Outcome
	Status     models.Status // set only when this call processed the document
	Reason     string
}

// Coordinator is the top-level entry point for processing a document exactly once.
type Coordinator struct {
	lock       *lock.DistributedLock
	engine     *escalation.Engine
	saga       *saga.Orchestrator
	ocr        OCR
	cheap      escalation.Model
	expensive  escalation.Model
	validator  escalation.Validator
	objects    ObjectStore
	quarantine QuarantineSink
	review     ReviewRequester
	clock      clock.Clock
	config     CoordinatorConfig
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(deps Dependencies, cfg CoordinatorConfig) *Coordinator {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}
	orchestrator := deps.Saga
	if orchestrator == nil {
		orchestrator = saga.NewOrchestrator(nil)
	}
	return &Coordinator{
		lock:       deps.Lock,
		engine:     deps.Engine,
		saga:       orchestrator,
		ocr:        deps.OCR,
		cheap:      deps.Cheap,
		expensive:  deps.Expensive,
		validator:  deps.Validator,
		objects:    deps.Objects,
		quarantine: deps.Quarantine,
		review:     deps.Review,
		clock:      clk,
		config:     cfg,
	}
}

// ProcessDocument runs one delivery of content. Duplicate deliveries return
// the idempotency outcome without doing any work. Every processed document
// ends COMPLETED or FAILED; a FAILED document has been quarantined.
//
// An error means the lock could not be acquired or released, or something
// unexpected happened inside the body; the caller's trigger should retry.
func (c *Coordinator) ProcessDocument(ctx context.Context, content []byte, src Source) (*ProcessResult, error) {
	id := ContentHash(content)
	logCtx := slog.With("documentId", id, "sourceLocation", src.URI)
	deadline := c.deadline(ctx)

	var reason string
	outcome, res, err := c.lock.WithHeartbeat(ctx, id, c.lockOptions(lock.ModeProcess, src.URI),
		func(ctx context.Context, lease *lock.Lease) (lock.Result, error) {
			ctx, cancel := withDeadline(ctx, deadline)
			defer cancel()
			var r lock.Result
			r, reason = c.process(ctx, logCtx, lease, content, src)
			return r, nil
		})

	result := &ProcessResult{DocumentID: id, Outcome: outcome, Reason: reason}
	if err != nil {
		logCtx.Error("Processing failed.", "error", err)
		return result, err
	}
	if outcome != lock.Acquired {
		logCtx.Info("Duplicate delivery skipped.", "outcome", outcome)
		return result, nil
	}
	result.Status = res.Status
	return result, nil
}

func (c *Coordinator) process(ctx context.Context, logCtx *slog.Logger, lease *lock.Lease, content []byte, src Source) (lock.Result, string) {
	logCtx.Info("Processing document.")

	doc := ocr.Document{ID: lease.ID(), Content: content, MIMEType: src.MIMEType, SourceURI: src.URI}
	transcript, err := c.ocr.Extract(ctx, doc)
	if err != nil {
		return c.toHumanReview(ctx, lease, models.QuarantinePayload{
			Reason: c.reasonFor(ctx, models.ReasonOCRFailed),
			Cause:  err.Error(),
		})
	}

	run, err := c.engine.Run(ctx, escalation.Input{
		DocumentID:    lease.ID(),
		Markdown:      transcript.Markdown,
		Confidence:    transcript.Confidence,
		DocumentType:  transcript.DocumentType,
		Image:         content,
		ImageMIMEType: src.MIMEType,
		ImageURI:      src.URI,
	}, c.cheap, c.expensive, c.validator)
	if err != nil {
		q := models.QuarantinePayload{Reason: models.ReasonUnclassifiedError, Cause: err.Error()}
		if run != nil {
			q.Reason = run.Reason
			q.Attempts = run.Attempts
			q.ValidationErrors = run.ValidationErrors
		}
		return c.toHumanReview(ctx, lease, q)
	}
	if run.Status != escalation.StatusSuccess {
		return c.toHumanReview(ctx, lease, models.QuarantinePayload{
			Reason:           run.Reason,
			Attempts:         run.Attempts,
			ValidationErrors: run.ValidationErrors,
		})
	}

	if ctx.Err() != nil {
		return c.toHumanReview(ctx, lease, models.QuarantinePayload{
			Reason:   models.ReasonTimeout,
			Cause:    "execution deadline reached before persistence",
			Attempts: run.Attempts,
		})
	}

	dst := c.destination(lease.ID(), src.URI)
	if err := c.saga.Execute(ctx, c.persistenceSteps(lease, src.URI, dst, run.Data, run.Attempts)); err != nil {
		return c.toHumanReview(ctx, lease, sagaQuarantine(err, run.Attempts))
	}

	logCtx.Info("Document persisted.", "destination", dst, "attempts", len(run.Attempts))
	return lock.Result{Status: models.StatusCompleted}, ""
}

// ResumeFromFailure persists a reviewer-approved payload for a FAILED
// document, reopening its record under a fresh lock.
func (c *Coordinator) ResumeFromFailure(ctx context.Context, id string, payload map[string]any, approvedBy string) (*ProcessResult, error) {
	logCtx := slog.With("documentId", id, "approvedBy", approvedBy)
	if msgs := c.validator.Validate(payload); len(msgs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, msgs)
	}
	deadline := c.deadline(ctx)

	var reason string
	outcome, res, err := c.lock.WithHeartbeat(ctx, id, c.lockOptions(lock.ModeReopen, ""),
		func(ctx context.Context, lease *lock.Lease) (lock.Result, error) {
			ctx, cancel := withDeadline(ctx, deadline)
			defer cancel()

			rec := lease.Record()
			if rec.SourceLocation == "" {
				return lock.Result{}, fmt.Errorf("record %s has no source location to resume from", id)
			}
			exists, err := c.objects.Exists(ctx, rec.SourceLocation)
			if err != nil {
				return lock.Result{}, fmt.Errorf("failed to check source %s: %w", rec.SourceLocation, err)
			}
			if !exists {
				return lock.Result{}, fmt.Errorf("source %s no longer exists", rec.SourceLocation)
			}
			logCtx.Info("Resuming document from human review.")
			dst := c.destination(id, rec.SourceLocation)
			if err := c.saga.Execute(ctx, c.persistenceSteps(lease, rec.SourceLocation, dst, payload, rec.Attempts)); err != nil {
				var r lock.Result
				r, reason = c.toHumanReview(ctx, lease, sagaQuarantine(err, rec.Attempts))
				return r, nil
			}
			return lock.Result{Status: models.StatusCompleted}, nil
		})

	result := &ProcessResult{DocumentID: id, Outcome: outcome, Reason: reason}
	if err != nil {
		return result, err
	}
	if outcome != lock.Acquired {
		return result, fmt.Errorf("%w: %s is %s", lock.ErrNotReopenable, id, outcome)
	}
	result.Status = res.Status
	return result, nil
}

// Status returns the observable state of a record.
func (c *Coordinator) Status(ctx context.Context, id string) (models.RecordView, error) {
	rec, err := c.lock.Get(ctx, id)
	if err != nil {
		return models.RecordView{}, err
	}
	return rec.View(), nil
}

func (c *Coordinator) lockOptions(mode lock.Mode, source string) lock.Options {
	return lock.Options{
		TTL:               c.config.LockTTL,
		HeartbeatInterval: c.config.HeartbeatInterval,
		Mode:              mode,
		SourceLocation:    source,
	}
}

// deadline is the earlier of the platform execution limit and the caller's
// own deadline, minus the safety margin. The zero time means no deadline.
// Context deadlines run on the wall clock, so this ignores the injected clock.
func (c *Coordinator) deadline(ctx context.Context) time.Time {
	var d time.Time
	if c.config.ExecutionTimeout > 0 {
		d = time.Now().Add(c.config.ExecutionTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	if d.IsZero() {
		return d
	}
	return d.Add(-c.config.SafetyMargin)
}

func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

func (c *Coordinator) reasonFor(ctx context.Context, fallback string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.ReasonTimeout
	}
	return fallback
}

func (c *Coordinator) destination(id, sourceURI string) string {
	name := "document"
	if _, object, err := gcp.ParseURI(sourceURI); err == nil {
		name = path.Base(object)
	}
	return gcp.URI(c.config.ProcessedBucket, id+"/"+name)
}

func sagaQuarantine(err error, attempts []models.ExtractionAttempt) models.QuarantinePayload {
	q := models.QuarantinePayload{Reason: models.ReasonSagaFailed, Cause: err.Error(), Attempts: attempts}
	var failed *saga.FailedAtError
	if errors.As(err, &failed) {
		q.FailedStep = failed.Step
		q.Cause = failed.Cause.Error()
	}
	return q
}
