package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/documentcoordinator/internal/escalation"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// generator is the part of *genai.GenerativeModel a ModelCaller uses.
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// ModelCaller adapts a Gemini model to escalation.Model. Upstream throttling
// and server faults are mapped onto the escalation sentinels so the engine
// can classify them.
type ModelCaller struct {
	model   generator
	limiter *rate.Limiter
	name    string
}

// NewModelCaller wraps model. A nil limiter disables client-side throttling.
func NewModelCaller(name string, model *genai.GenerativeModel, limiter *rate.Limiter) *ModelCaller {
	return &ModelCaller{model: model, limiter: limiter, name: name}
}

// NewLimiter returns a token bucket allowing perSecond requests with a burst
// of one. A non-positive rate disables throttling.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Generate implements escalation.Model.
func (c *ModelCaller) Generate(ctx context.Context, req escalation.Request) (string, error) {
	logCtx := slog.With("documentId", req.DocumentID, "model", c.name, "attempt", req.AttemptNumber)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// The deadline is too close to wait for a token.
			return "", fmt.Errorf("%w: client-side limiter: %v", escalation.ErrRateLimited, err)
		}
	}

	resp, err := c.model.GenerateContent(ctx, ExtractionParts(req)...)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			// Treated as an empty answer so the engine sees malformed output.
			logCtx.Warn("Gemini response was blocked.", "error", err)
			return "", nil
		}
		logCtx.Warn("Gemini call failed.", "error", err)
		return "", ClassifyModelError(err)
	}
	return ResponseText(resp), nil
}

// ExtractionParts builds the request parts: the page image when the engine
// asked for one, then the prompt with the markdown and any previous gate errors.
func ExtractionParts(req escalation.Request) []genai.Part {
	var parts []genai.Part
	switch {
	case req.ImageURI != "":
		parts = append(parts, genai.FileData{MIMEType: req.ImageMIMEType, FileURI: req.ImageURI})
	case len(req.Image) > 0:
		parts = append(parts, genai.Blob{MIMEType: req.ImageMIMEType, Data: req.Image})
	}
	return append(parts, genai.Text(ExtractionPrompt(req)))
}

// ExtractionPrompt renders the user prompt for req.
func ExtractionPrompt(req escalation.Request) string {
	var b strings.Builder
	b.WriteString(ExtractionUserPrompt)
	if req.DocumentType != "" {
		fmt.Fprintf(&b, "\n\nThe document appears to be of type %q.", req.DocumentType)
	}
	if len(req.PreviousErrors) > 0 {
		b.WriteString("\n\nA previous extraction was rejected for these reasons. Fix all of them:\n")
		for _, e := range req.PreviousErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	b.WriteString("\n\nDocument markdown:\n")
	b.WriteString(req.Markdown)
	return b.String()
}

// ResponseText concatenates the text parts of the first candidate.
func ResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

// ClassifyModelError wraps err with escalation.ErrRateLimited or
// escalation.ErrTransientServer when the upstream status says so. Anything
// else is returned unchanged.
func ClassifyModelError(err error) error {
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.ResourceExhausted:
			return fmt.Errorf("%w: %w", escalation.ErrRateLimited, err)
		case codes.Unavailable, codes.Internal, codes.Aborted, codes.DeadlineExceeded:
			return fmt.Errorf("%w: %w", escalation.ErrTransientServer, err)
		}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", escalation.ErrRateLimited, err)
		case gerr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", escalation.ErrTransientServer, err)
		}
	}
	return err
}
