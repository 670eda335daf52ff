package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/veilhealth/veil-backend/internal/clients/gcp"
	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

// GCSBucket adapts one Cloud Storage bucket to the Bucket contract.
type GCSBucket struct {
	client *gcstorage.Client
	name   string
	log    *logger.Logger
}

func NewGCSBucket(name string, log *logger.Logger) (*GCSBucket, error) {
	if name == "" {
		return nil, fmt.Errorf("gcs bucket name is empty")
	}
	opts := gcp.ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(gcstorage.ScopeReadWrite))
	client, err := gcstorage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSBucket{
		client: client,
		name:   name,
		log:    log.With("bucket", name, "backend", "gcs"),
	}, nil
}

func (b *GCSBucket) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := b.client.Bucket(b.name).Object(key).NewWriter(ctx)
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return b.wrap("upload", key, err)
	}
	if err := w.Close(); err != nil {
		return b.wrap("upload", key, err)
	}
	return nil
}

func (b *GCSBucket) Download(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := b.client.Bucket(b.name).Object(key).NewReader(ctx)
	if err != nil {
		return nil, b.wrap("download", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, b.wrap("download", key, err)
	}
	return data, nil
}

func (b *GCSBucket) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := b.client.Bucket(b.name).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return false, nil
		}
		return false, b.wrap("exists", key, err)
	}
	return true, nil
}

func (b *GCSBucket) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := b.client.Bucket(b.name).Object(key).Delete(ctx); err != nil {
		return b.wrap("delete", key, err)
	}
	return nil
}

func (b *GCSBucket) Close() error {
	return b.client.Close()
}

// wrap classifies a GCS failure: missing objects are terminal, server
// and transport trouble is retryable, everything else (auth, bad
// request) is terminal.
func (b *GCSBucket) wrap(op, key string, err error) error {
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return &deid.StorageError{Op: op, Key: key, Err: err, NotFound: true}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		retryable := apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests
		return &deid.StorageError{Op: op, Key: key, Err: err, Retryable: retryable}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &deid.StorageError{Op: op, Key: key, Err: err, Retryable: true}
	}
	return &deid.StorageError{Op: op, Key: key, Err: err, Retryable: true}
}
