// Package escalation drives structured extraction through a cheap model,
// escalating to an expensive model when the cheap one cannot produce output
// that passes the validation gate.
//
// The run is a state machine:
//
//	ATTEMPTING_CHEAP -> TERMINAL_SUCCESS
//	ATTEMPTING_CHEAP -> ATTEMPTING_CHEAP       (retryable failure under its cap)
//	ATTEMPTING_CHEAP -> TERMINAL_HUMAN_REVIEW  (a category exceeded its cap)
//	ATTEMPTING_CHEAP -> ESCALATING             (validation failed past its cap)
//	ESCALATING       -> ATTEMPTING_EXPENSIVE   (budget allowed and committed)
//	ESCALATING       -> TERMINAL_HUMAN_REVIEW  (budget denied or unavailable)
//	ATTEMPTING_EXPENSIVE -> TERMINAL_SUCCESS | TERMINAL_HUMAN_REVIEW
//
// The expensive model is dispatched at most once per run.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/budget"
	"github.com/Lllllllleong/documentcoordinator/internal/clock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
)

// State is a node of the escalation state machine.
type State string

const (
	StateAttemptingCheap     State = "ATTEMPTING_CHEAP"
	StateEscalating          State = "ESCALATING"
	StateAttemptingExpensive State = "ATTEMPTING_EXPENSIVE"
	StateSuccess             State = "TERMINAL_SUCCESS"
	StateHumanReview         State = "TERMINAL_HUMAN_REVIEW"
)

// Status is the terminal verdict of a run.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Request is what a model adapter receives for one dispatch.
type Request struct {
	DocumentID     string
	Markdown       string
	DocumentType   string
	AttemptNumber  int
	PreviousErrors []string

	// Image fields are set only when the image policy asked for them.
	Image         []byte
	ImageMIMEType string
	ImageURI      string
}

// Model produces a raw JSON response for a request. Adapters wrap
// ErrRateLimited or ErrTransientServer to make a failure retryable.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request) (string, error)

func (f ModelFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Validator is the deterministic gate. An empty slice means the data passed.
type Validator interface {
	Validate(data map[string]any) []string
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(data map[string]any) []string

func (f ValidatorFunc) Validate(data map[string]any) []string {
	return f(data)
}

// BudgetGate is the subset of budget.Gate the engine needs.
type BudgetGate interface {
	TryReserve(ctx context.Context) (budget.Decision, error)
	Commit(ctx context.Context) error
}

// Input is the OCR output and document metadata for one run.
type Input struct {
	DocumentID    string
	Markdown      string
	Confidence    float64
	DocumentType  string
	Image         []byte
	ImageMIMEType string
	ImageURI      string
}

func (in Input) hasImage() bool {
	return len(in.Image) > 0 || in.ImageURI != ""
}

// Result is the outcome of Engine.Run.
type Result struct {
	Data             map[string]any
	Status           Status
	State            State
	Reason           string
	Attempts         []models.ExtractionAttempt
	ValidationErrors []string
}

// Engine runs the escalation state machine. It is safe for concurrent use;
// all per-run state lives in Run.
type Engine struct {
	gate   BudgetGate
	policy RetryPolicy
	images ImagePolicy
	clock  clock.Clock
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewEngine creates an Engine.
func NewEngine(gate BudgetGate, policy RetryPolicy, images ImagePolicy) *Engine {
	return &Engine{
		gate:   gate,
		policy: policy,
		images: images,
		clock:  clock.System{},
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
}

// WithSleeper replaces the backoff sleeper, typically to make tests instant.
func (e *Engine) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

// WithClock sets the clock used to stamp attempts.
func (e *Engine) WithClock(clk clock.Clock) *Engine {
	e.clock = clk
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run holds the mutable state of one Run call.
type run struct {
	in                 Input
	validator          Validator
	attempts           []models.ExtractionAttempt
	counts             map[models.ErrorCategory]int
	lastValidation     []string
	previousValidation bool
	logCtx             *slog.Logger
}

// Run extracts structured data from in. Every terminal outcome, success or
// human review, is returned as a Result with a nil error. A non-nil error is
// returned only for an unclassifiable failure or cancellation, alongside a
// Result in TERMINAL_HUMAN_REVIEW that carries the attempts made so far.
func (e *Engine) Run(ctx context.Context, in Input, cheap, expensive Model, validator Validator) (*Result, error) {
	r := &run{
		in:        in,
		validator: validator,
		counts:    make(map[models.ErrorCategory]int),
		logCtx:    slog.With("documentId", in.DocumentID),
	}

	state := StateAttemptingCheap
	for {
		switch state {
		case StateAttemptingCheap:
			att, data, err := e.attempt(ctx, r, cheap, models.ModelCheap)
			if err != nil {
				return r.abort(err), err
			}
			if att.ErrorCategory == models.CategoryNone {
				return r.success(data), nil
			}

			category := att.ErrorCategory
			r.counts[category]++
			occurrence := r.counts[category]
			r.previousValidation = category == models.CategoryValidationFailed

			if category == models.CategoryValidationFailed {
				r.lastValidation = att.ValidationErrors
				if occurrence > e.policy.Cap(category) {
					r.logCtx.Info("Cheap model failed validation, escalating.", "attempts", len(r.attempts))
					state = StateEscalating
				}
				continue
			}

			if occurrence > e.policy.Cap(category) {
				r.logCtx.Warn("Retry cap exceeded.", "category", category, "occurrences", occurrence)
				return r.humanReview(models.ReasonRetriesExhausted), nil
			}

			wait := e.policy.Backoff(category, occurrence, e.jitter())
			r.logCtx.Info("Retrying cheap model.", "category", category, "occurrence", occurrence, "backoff", wait)
			if err := e.sleep(ctx, wait); err != nil {
				return r.abort(err), err
			}

		case StateEscalating:
			decision, err := e.gate.TryReserve(ctx)
			if err != nil {
				r.logCtx.Error("Budget check failed, refusing escalation.", "error", err)
				return r.humanReview(models.ReasonBudgetUnavailable), nil
			}
			if decision == budget.Denied {
				return r.humanReview(models.ReasonBudgetDenied), nil
			}
			// Counted before dispatch, never after.
			if err := e.gate.Commit(ctx); err != nil {
				r.logCtx.Error("Budget commit failed, refusing escalation.", "error", err)
				return r.humanReview(models.ReasonBudgetUnavailable), nil
			}
			state = StateAttemptingExpensive

		case StateAttemptingExpensive:
			att, data, err := e.attempt(ctx, r, expensive, models.ModelExpensive)
			if err != nil {
				return r.abort(err), err
			}
			switch att.ErrorCategory {
			case models.CategoryNone:
				return r.success(data), nil
			case models.CategoryValidationFailed:
				r.lastValidation = att.ValidationErrors
				return r.humanReview(models.ReasonEscalationFailed), nil
			default:
				r.logCtx.Warn("Expensive model attempt failed.", "category", att.ErrorCategory, "error", att.Error)
				return r.humanReview(models.ReasonEscalationAttemptFailed), nil
			}

		default:
			return nil, fmt.Errorf("escalation reached unexpected state %q", state)
		}
	}
}

func (e *Engine) attempt(ctx context.Context, r *run, model Model, tier models.ModelTier) (models.ExtractionAttempt, map[string]any, error) {
	number := len(r.attempts)
	attach := r.in.hasImage() &&
		e.images.ShouldAttach(r.in.Confidence, r.previousValidation, number, r.in.DocumentType)

	req := Request{
		DocumentID:     r.in.DocumentID,
		Markdown:       r.in.Markdown,
		DocumentType:   r.in.DocumentType,
		AttemptNumber:  number,
		PreviousErrors: r.lastValidation,
	}
	if attach {
		req.Image = r.in.Image
		req.ImageMIMEType = r.in.ImageMIMEType
		req.ImageURI = r.in.ImageURI
	}

	att := models.ExtractionAttempt{
		AttemptNumber: number,
		Model:         tier,
		ImageAttached: attach,
		StartedAt:     e.clock.Now().UTC(),
	}

	raw, callErr := model.Generate(ctx, req)
	if ctx.Err() != nil {
		att.Error = ctx.Err().Error()
		r.attempts = append(r.attempts, att)
		return att, nil, ctx.Err()
	}
	att.Output = raw

	outcome := Outcome{CallErr: callErr}
	var data map[string]any
	if callErr == nil {
		data, outcome.ParseErr = ParseOutput(raw)
		if outcome.ParseErr == nil {
			outcome.ValidationErrors = r.validator.Validate(data)
		}
	}

	category, err := Classify(outcome)
	att.ErrorCategory = category
	switch {
	case err != nil:
		att.Error = err.Error()
	case category == models.CategoryMalformedOutput:
		att.Error = outcome.ParseErr.Error()
	case category == models.CategoryRateLimited, category == models.CategoryTransientServer:
		att.Error = callErr.Error()
	case category == models.CategoryValidationFailed:
		att.Error = "output failed validation"
		att.ValidationErrors = outcome.ValidationErrors
	}
	r.attempts = append(r.attempts, att)

	r.logCtx.Info("Extraction attempt finished.",
		"attempt", number,
		"model", tier,
		"imageAttached", attach,
		"category", category,
	)
	return att, data, err
}

func (r *run) success(data map[string]any) *Result {
	r.logCtx.Info("Extraction succeeded.", "attempts", len(r.attempts))
	return &Result{
		Data:     data,
		Status:   StatusSuccess,
		State:    StateSuccess,
		Attempts: r.attempts,
	}
}

func (r *run) humanReview(reason string) *Result {
	r.logCtx.Warn("Routing document to human review.", "reason", reason, "attempts", len(r.attempts))
	return &Result{
		Status:           StatusFailed,
		State:            StateHumanReview,
		Reason:           reason,
		Attempts:         r.attempts,
		ValidationErrors: r.lastValidation,
	}
}

func (r *run) abort(err error) *Result {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return r.humanReview(models.ReasonTimeout)
	}
	return r.humanReview(models.ReasonUnclassifiedError)
}
