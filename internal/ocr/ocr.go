// Package ocr turns an uploaded document into markdown for extraction, with a
// confidence estimate and a best-guess document type.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/documentcoordinator/internal/gcp"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/time/rate"
)

// ErrRefused is returned when the model declines to transcribe the document.
var ErrRefused = errors.New("markdown model refused the document")

// Document is the input to an extraction.
type Document struct {
	ID        string
	Content   []byte
	MIMEType  string
	SourceURI string
}

// Result is what the escalation engine needs from OCR.
type Result struct {
	Markdown     string
	Confidence   float64
	DocumentType string
	PageCount    int
}

type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VertexExtractor transcribes documents with a Gemini markdown model.
type VertexExtractor struct {
	model   generator
	limiter *rate.Limiter
}

// NewVertexExtractor creates an extractor. A nil limiter disables throttling.
func NewVertexExtractor(markdownModel *genai.GenerativeModel, limiter *rate.Limiter) *VertexExtractor {
	return &VertexExtractor{model: markdownModel, limiter: limiter}
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// Extract transcribes doc.
func (x *VertexExtractor) Extract(ctx context.Context, doc Document) (*Result, error) {
	logCtx := slog.With("documentId", doc.ID)

	pages := 1
	if doc.MIMEType == "application/pdf" {
		n, err := PageCount(doc.Content)
		if err != nil {
			return nil, err
		}
		pages = n
	}

	if x.limiter != nil {
		if err := x.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("markdown model limiter: %w", err)
		}
	}

	var source genai.Part = genai.Blob{MIMEType: doc.MIMEType, Data: doc.Content}
	if doc.SourceURI != "" {
		source = genai.FileData{MIMEType: doc.MIMEType, FileURI: doc.SourceURI}
	}
	resp, err := x.model.GenerateContent(ctx, source, genai.Text(gcp.MarkdownUserPrompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate markdown from gemini: %w", gcp.ClassifyModelError(err))
	}

	markdown := cleanMarkdown(gcp.ResponseText(resp))
	if isRefusal(markdown) {
		logCtx.Error("Markdown model refused the document.", "response", markdown)
		return nil, ErrRefused
	}
	if markdown == "" {
		logCtx.Warn("No markdown content extracted from response. Treating as empty document.")
	}

	result := &Result{
		Markdown:     markdown,
		Confidence:   EstimateConfidence(markdown, pages),
		DocumentType: DetectType(markdown),
		PageCount:    pages,
	}
	logCtx.Info("OCR complete.",
		"pageCount", pages,
		"confidence", result.Confidence,
		"documentType", result.DocumentType,
	)
	return result, nil
}

// PageCount returns the number of pages of a PDF.
func PageCount(content []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(content), conf)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

func cleanMarkdown(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```markdown")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isRefusal(markdown string) bool {
	lower := strings.ToLower(markdown)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
