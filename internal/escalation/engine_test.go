package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/budget"
	"github.com/Lllllllleong/documentcoordinator/internal/clock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{"documentType":"invoice","total":42}`

// scriptedModel replays responses in order and records every request.
type scriptedModel struct {
	mu        sync.Mutex
	responses []response
	requests  []Request
}

type response struct {
	out string
	err error
}

func script(rs ...response) *scriptedModel {
	return &scriptedModel{responses: rs}
}

func (m *scriptedModel) Generate(_ context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.requests) > len(m.responses) {
		return "", errors.New("scriptedModel: no more responses")
	}
	r := m.responses[len(m.requests)-1]
	return r.out, r.err
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func repeat(r response, n int) []response {
	out := make([]response, n)
	for i := range out {
		out[i] = r
	}
	return out
}

var requireTotal = ValidatorFunc(func(data map[string]any) []string {
	if _, ok := data["total"]; !ok {
		return []string{"total: field is required"}
	}
	return nil
})

type harness struct {
	engine *Engine
	store  *budget.MemoryStore
	gate   *budget.Gate
	sleeps []time.Duration
}

func newHarness(limits budget.Limits) *harness {
	h := &harness{store: budget.NewMemoryStore()}
	clk := clock.NewFake(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	h.gate = budget.NewGate(h.store, clk, time.UTC, limits)
	h.engine = NewEngine(h.gate, DefaultRetryPolicy(), DefaultImagePolicy()).
		WithClock(clk).
		WithSleeper(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		})
	return h
}

func (h *harness) committed(t *testing.T) int64 {
	t.Helper()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	n, err := h.store.Count(context.Background(), budget.Daily, h.gate.WindowKey(budget.Daily, now))
	require.NoError(t, err)
	return n
}

var roomyBudget = budget.Limits{Daily: 10, Monthly: 100}

func highConfidenceInput() Input {
	return Input{
		DocumentID:    "doc-1",
		Markdown:      "# Invoice\nTotal: 42",
		Confidence:    0.97,
		DocumentType:  "invoice",
		Image:         []byte("%PDF-1.7"),
		ImageMIMEType: "application/pdf",
	}
}

func TestRun_CheapSucceedsFirstTime(t *testing.T) {
	h := newHarness(roomyBudget)
	cheap := script(response{out: validJSON})
	expensive := script()

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, float64(42), res.Data["total"])
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, models.ModelCheap, res.Attempts[0].Model)
	assert.False(t, res.Attempts[0].ImageAttached, "high confidence first attempt goes text-only")
	assert.Zero(t, expensive.calls())
	assert.Zero(t, h.committed(t))
}

func TestRun_ValidationFailureEscalatesWithinBudget(t *testing.T) {
	h := newHarness(roomyBudget)
	cheap := script(response{out: `{"documentType":"invoice"}`})
	expensive := script(response{out: validJSON})

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, models.CategoryValidationFailed, res.Attempts[0].ErrorCategory)
	assert.Equal(t, []string{"total: field is required"}, res.Attempts[0].ValidationErrors)
	assert.Equal(t, models.ModelExpensive, res.Attempts[1].Model)

	require.Equal(t, 1, expensive.calls())
	req := expensive.requests[0]
	assert.NotEmpty(t, req.Image, "a retry after a validation failure carries the image")
	assert.Equal(t, []string{"total: field is required"}, req.PreviousErrors)
	assert.Equal(t, int64(1), h.committed(t))
}

func TestRun_BudgetDeniedRoutesToHumanReview(t *testing.T) {
	h := newHarness(budget.Limits{Daily: 0, Monthly: 100})
	cheap := script(response{out: `{}`})
	expensive := script(response{out: validJSON})

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StateHumanReview, res.State)
	assert.Equal(t, models.ReasonBudgetDenied, res.Reason)
	assert.Equal(t, []string{"total: field is required"}, res.ValidationErrors)
	assert.Zero(t, expensive.calls())
	assert.Zero(t, h.committed(t))
}

func TestRun_BudgetStoreFailureFailsClosed(t *testing.T) {
	h := newHarness(roomyBudget)
	h.store.SetFailure(errors.New("firestore unavailable"))
	cheap := script(response{out: `{}`})
	expensive := script(response{out: validJSON})

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonBudgetUnavailable, res.Reason)
	assert.Zero(t, expensive.calls())
}

func TestRun_MalformedOutputCapped(t *testing.T) {
	h := newHarness(roomyBudget)
	cheap := script(repeat(response{out: "I could not read this document."}, 10)...)
	expensive := script(response{out: validJSON})

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
	require.NoError(t, err)

	assert.Equal(t, StateHumanReview, res.State)
	assert.Equal(t, models.ReasonRetriesExhausted, res.Reason)
	assert.Equal(t, 3, cheap.calls(), "cap of 2 retries means 3 dispatches")
	assert.Zero(t, expensive.calls(), "malformed output never escalates")
	assert.Zero(t, h.committed(t))
	for _, d := range h.sleeps {
		assert.Zero(t, d)
	}
}

func TestRun_RetryCapsPerCategory(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{name: "rate limited", err: ErrRateLimited, wantCalls: 6},
		{name: "transient server", err: ErrTransientServer, wantCalls: 4},
		{name: "wrapped transient", err: errors.Join(errors.New("503 backend"), ErrTransientServer), wantCalls: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(roomyBudget)
			cheap := script(repeat(response{err: tt.err}, 10)...)
			expensive := script()

			res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
			require.NoError(t, err)
			assert.Equal(t, models.ReasonRetriesExhausted, res.Reason)
			assert.Equal(t, tt.wantCalls, cheap.calls())
			assert.Len(t, h.sleeps, tt.wantCalls-1)
			assert.Zero(t, expensive.calls())
		})
	}
}

func TestRun_RecoversAfterRateLimit(t *testing.T) {
	h := newHarness(roomyBudget)
	cheap := script(response{err: ErrRateLimited}, response{err: ErrRateLimited}, response{out: validJSON})

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, script(), requireTotal)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, h.sleeps, 2)
	assert.Greater(t, h.sleeps[1], time.Duration(0))
	assert.True(t, res.Attempts[2].ImageAttached, "retries always carry the image")
}

func TestRun_CategoriesCountedIndependently(t *testing.T) {
	h := newHarness(roomyBudget)
	// Two malformed plus three transient stays under both caps.
	cheap := script(
		response{out: "nope"},
		response{err: ErrTransientServer},
		response{out: "nope"},
		response{err: ErrTransientServer},
		response{err: ErrTransientServer},
		response{out: validJSON},
	)

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, script(), requireTotal)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Len(t, res.Attempts, 6)
}

func TestRun_ExpensiveValidationFailure(t *testing.T) {
	h := newHarness(roomyBudget)
	cheap := script(response{out: `{}`})
	expensive := script(response{out: `{"documentType":"invoice"}`}, response{out: validJSON})

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonEscalationFailed, res.Reason)
	assert.Equal(t, 1, expensive.calls(), "the expensive model is dispatched at most once")
	assert.Equal(t, int64(1), h.committed(t))
}

func TestRun_ExpensiveTransportFailureIsNotRetried(t *testing.T) {
	h := newHarness(roomyBudget)
	cheap := script(response{out: `{}`})
	expensive := script(response{err: ErrRateLimited}, response{out: validJSON})

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonEscalationAttemptFailed, res.Reason)
	assert.Equal(t, 1, expensive.calls())
	assert.Empty(t, h.sleeps)
}

func TestRun_ValidationRetriesBeforeEscalating(t *testing.T) {
	h := newHarness(roomyBudget)
	policy := DefaultRetryPolicy()
	policy.ValidationRetries = 1
	h.engine.policy = policy

	cheap := script(response{out: `{}`}, response{out: validJSON})
	expensive := script()

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, cheap.calls())
	assert.Zero(t, expensive.calls())
}

func TestRun_UnclassifiedErrorAborts(t *testing.T) {
	h := newHarness(roomyBudget)
	boom := errors.New("nil pointer in adapter")
	cheap := script(response{err: boom})

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, script(), requireTotal)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnclassified)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, res)
	assert.Equal(t, StateHumanReview, res.State)
	assert.Equal(t, models.ReasonUnclassifiedError, res.Reason)
	require.Len(t, res.Attempts, 1)
	assert.Contains(t, res.Attempts[0].Error, "nil pointer in adapter")
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	h := newHarness(roomyBudget)
	ctx, cancel := context.WithCancel(context.Background())
	h.engine.WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})
	cheap := script(repeat(response{err: ErrTransientServer}, 5)...)

	res, err := h.engine.Run(ctx, highConfidenceInput(), cheap, script(), requireTotal)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.ReasonTimeout, res.Reason)
	assert.Equal(t, 1, cheap.calls())
}

func TestRun_LowConfidenceAttachesImageFirstTime(t *testing.T) {
	h := newHarness(roomyBudget)
	in := highConfidenceInput()
	in.Confidence = 0.5
	cheap := script(response{out: validJSON})

	res, err := h.engine.Run(context.Background(), in, cheap, script(), requireTotal)
	require.NoError(t, err)
	assert.True(t, res.Attempts[0].ImageAttached)
	assert.Equal(t, "application/pdf", cheap.requests[0].ImageMIMEType)
}

func TestRun_NoImageAvailable(t *testing.T) {
	h := newHarness(roomyBudget)
	in := highConfidenceInput()
	in.Image = nil
	in.Confidence = 0.1
	cheap := script(response{out: validJSON})

	res, err := h.engine.Run(context.Background(), in, cheap, script(), requireTotal)
	require.NoError(t, err)
	assert.False(t, res.Attempts[0].ImageAttached)
}

func TestRun_MalformedTwiceThenSuccess(t *testing.T) {
	h := newHarness(roomyBudget)
	cheap := script(response{out: "```json\n{\"total\": "}, response{out: "[]"}, response{out: "```json\n" + validJSON + "\n```"})
	expensive := script()

	res, err := h.engine.Run(context.Background(), highConfidenceInput(), cheap, expensive, requireTotal)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, models.CategoryMalformedOutput, res.Attempts[0].ErrorCategory)
	assert.Equal(t, models.CategoryMalformedOutput, res.Attempts[1].ErrorCategory)
	assert.Equal(t, models.CategoryNone, res.Attempts[2].ErrorCategory)
	assert.Zero(t, expensive.calls())
	assert.Zero(t, h.committed(t))
}
