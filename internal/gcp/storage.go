package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ParseURI splits a gs://bucket/object URI.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs:// URI must name a bucket and an object: %q", uri)
	}
	return bucket, object, nil
}

// URI formats a gs:// URI.
func URI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

// Storage performs object operations addressed by gs:// URIs.
type Storage struct {
	client *storage.Client
}

// NewStorage creates a Storage with its own client.
func NewStorage(ctx context.Context) (*Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Storage{client: client}, nil
}

func (s *Storage) object(uri string) (*storage.ObjectHandle, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(bucket).Object(object), nil
}

// Read returns the full content of the object at uri.
func (s *Storage) Read(ctx context.Context, uri string) ([]byte, error) {
	obj, err := s.object(uri)
	if err != nil {
		return nil, err
	}
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", uri, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", uri, err)
	}
	return data, nil
}

// Copy server-side copies src to dst, overwriting dst.
func (s *Storage) Copy(ctx context.Context, src, dst string) error {
	srcObj, err := s.object(src)
	if err != nil {
		return err
	}
	dstObj, err := s.object(dst)
	if err != nil {
		return err
	}
	if _, err := dstObj.CopierFrom(srcObj).Run(ctx); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// Delete removes the object at uri. A missing object is not an error.
func (s *Storage) Delete(ctx context.Context, uri string) error {
	obj, err := s.object(uri)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", uri, err)
	}
	return nil
}

// Exists reports whether an object is present at uri.
func (s *Storage) Exists(ctx context.Context, uri string) (bool, error) {
	obj, err := s.object(uri)
	if err != nil {
		return false, err
	}
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", uri, err)
	}
	return true, nil
}

// WriteAtomically writes content to uri only if no object exists there yet.
func (s *Storage) WriteAtomically(ctx context.Context, uri string, content []byte) error {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return err
	}
	return SaveToGCSAtomically(ctx, s.client.Bucket(bucket), object, content)
}

func (s *Storage) Close() error {
	return s.client.Close()
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is treated as a successful earlier write.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"

	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
