// Package saga runs an ordered list of steps and undoes the completed ones,
// newest first, when a later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrFinalStepCompensable is returned by Execute when the last step declares a
// compensation. The final step is the commit point; nothing may undo it.
var ErrFinalStepCompensable = errors.New("final saga step must not have a compensation")

// Step is one forward action and its optional undo. A nil Compensate is a no-op.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// CompensationError records an undo that itself failed.
type CompensationError struct {
	Step string
	Err  error
}

func (e CompensationError) Error() string {
	return fmt.Sprintf("compensation for %s failed: %v", e.Step, e.Err)
}

// FailedAtError reports which step failed, why, and which compensations could
// not be completed. Any CompensationErrors mean the system is left
// inconsistent and needs an operator.
type FailedAtError struct {
	Step               string
	Cause              error
	CompensationErrors []CompensationError
}

func (e *FailedAtError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "saga failed at step %s: %v", e.Step, e.Cause)
	if len(e.CompensationErrors) > 0 {
		fmt.Fprintf(&b, " (%d compensation(s) failed)", len(e.CompensationErrors))
	}
	return b.String()
}

func (e *FailedAtError) Unwrap() error { return e.Cause }

// Orchestrator executes sagas.
type Orchestrator struct {
	// CompensationTimeout bounds each compensation call.
	CompensationTimeout time.Duration
	logger              *slog.Logger
}

// NewOrchestrator creates an Orchestrator that logs with logger, or the
// default logger when nil.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{CompensationTimeout: 30 * time.Second, logger: logger}
}

// Execute runs steps in order. On the first failure it runs the
// compensations of every previously completed step in reverse order and
// returns a *FailedAtError. Compensation is best effort: a failing
// compensation is logged and collected, and the rest still run.
//
// Compensations run on a context detached from ctx, so a cancelled caller
// still gets its rollback.
func (o *Orchestrator) Execute(ctx context.Context, steps []Step) error {
	if len(steps) > 0 && steps[len(steps)-1].Compensate != nil {
		return ErrFinalStepCompensable
	}

	completed := make([]Step, 0, len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return o.rollback(ctx, step.Name, err, completed)
		}
		o.logger.Debug("Executing saga step.", "step", step.Name)
		if err := step.Execute(ctx); err != nil {
			return o.rollback(ctx, step.Name, err, completed)
		}
		completed = append(completed, step)
	}
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, failedStep string, cause error, completed []Step) error {
	o.logger.Error("Saga step failed, compensating.", "step", failedStep, "error", cause, "completedSteps", len(completed))

	failure := &FailedAtError{Step: failedStep, Cause: cause}
	detached := context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := o.compensate(detached, step); err != nil {
			o.logger.Error("CRITICAL: Saga compensation failed. Manual intervention required.",
				"step", step.Name,
				"failedStep", failedStep,
				"error", err,
			)
			failure.CompensationErrors = append(failure.CompensationErrors, CompensationError{Step: step.Name, Err: err})
		}
	}
	return failure
}

func (o *Orchestrator) compensate(ctx context.Context, step Step) (err error) {
	if o.CompensationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.CompensationTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()
	return step.Compensate(ctx)
}
