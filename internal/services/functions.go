package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"

	"github.com/Lllllllleong/documentcoordinator/internal/config"
	"github.com/Lllllllleong/documentcoordinator/internal/gcp"
	"github.com/Lllllllleong/documentcoordinator/internal/lock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
)

// DocumentProcessorFunction handles storage finalize events for uploads.
type DocumentProcessorFunction struct {
	coordinator *Coordinator
	objects     ObjectStore
}

// NewDocumentProcessorFunction wraps an existing coordinator.
func NewDocumentProcessorFunction(coordinator *Coordinator, objects ObjectStore) *DocumentProcessorFunction {
	return &DocumentProcessorFunction{coordinator: coordinator, objects: objects}
}

// NewDocumentProcessor builds the function from the environment.
func NewDocumentProcessor(ctx context.Context) (*DocumentProcessorFunction, error) {
	rt, err := loadRuntime(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("Document processor initialized.")
	return NewDocumentProcessorFunction(rt.Coordinator, rt.Storage), nil
}

func loadRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	ConfigureLogging(cfg)
	return NewRuntime(ctx, cfg)
}

// Process runs one upload through the coordinator. Only infrastructure
// failures are returned, so that the trigger redelivers; a document that
// ended in human review is a handled event.
func (f *DocumentProcessorFunction) Process(ctx context.Context, e models.GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	uri := gcp.URI(e.Bucket, e.Name)
	content, err := f.objects.Read(ctx, uri)
	if err != nil {
		logCtx.Error("Failed to download source document", "error", err)
		return err
	}

	res, err := f.coordinator.ProcessDocument(ctx, content, Source{URI: uri, MIMEType: DetectMIMEType(e.Name, e.ContentType)})
	if err != nil {
		return err
	}
	logCtx.Info("Upload handled.",
		"documentId", res.DocumentID,
		"outcome", res.Outcome,
		"status", res.Status,
		"reason", res.Reason,
	)
	return nil
}

// DetectMIMEType prefers the uploader's content type, then the file extension.
func DetectMIMEType(name, contentType string) string {
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ResumerFunction applies reviewer-approved payloads to failed documents.
type ResumerFunction struct {
	coordinator *Coordinator
}

// NewResumerFunction wraps an existing coordinator.
func NewResumerFunction(coordinator *Coordinator) *ResumerFunction {
	return &ResumerFunction{coordinator: coordinator}
}

// NewResumer builds the function from the environment.
func NewResumer(ctx context.Context) (*ResumerFunction, error) {
	rt, err := loadRuntime(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("Review resumer initialized.")
	return NewResumerFunction(rt.Coordinator), nil
}

// ErrBadRequest marks resume requests that can never succeed as sent.
var ErrBadRequest = errors.New("bad resume request")

// Process resumes one document.
func (f *ResumerFunction) Process(ctx context.Context, req *models.ResumeRequest) (*models.ResumeResponse, error) {
	logCtx := slog.With("documentId", req.DocumentID, "approvedBy", req.ApprovedBy)
	if req.DocumentID == "" || req.ApprovedBy == "" || len(req.Payload) == 0 {
		return nil, fmt.Errorf("%w: documentId, approvedBy and payload are required", ErrBadRequest)
	}

	res, err := f.coordinator.ResumeFromFailure(ctx, req.DocumentID, req.Payload, req.ApprovedBy)
	if err != nil {
		logCtx.Error("Resume failed.", "error", err)
		return nil, err
	}
	logCtx.Info("Resume finished.", "status", res.Status)
	return &models.ResumeResponse{DocumentID: res.DocumentID, Status: res.Status, Reason: res.Reason}, nil
}

// IsClientError reports whether a resume error is the caller's fault rather
// than an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, lock.ErrRecordNotFound) ||
		errors.Is(err, lock.ErrNotReopenable)
}
