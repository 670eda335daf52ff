package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

// LocalBucket stores objects under base/<name>/. Every key is resolved
// and checked against the bucket root before any filesystem call; a key
// that escapes the root is rejected, never normalised into place.
type LocalBucket struct {
	root string
	log  *logger.Logger
}

func NewLocalBucket(base, name string, log *logger.Logger) (*LocalBucket, error) {
	if name == "" {
		return nil, fmt.Errorf("local bucket name is empty")
	}
	root := filepath.Join(base, name)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create local bucket root %q: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &LocalBucket{
		root: abs,
		log:  log.With("bucket", name, "backend", "local"),
	}, nil
}

func (b *LocalBucket) resolve(key string) (string, error) {
	if key == "" {
		return "", &deid.StorageError{Op: "resolve", Key: key, Err: errors.New("empty key")}
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return "", &deid.StorageError{Op: "resolve", Key: key, Err: errors.New("key escapes bucket root")}
	}
	p := filepath.Join(b.root, filepath.FromSlash(key))
	p = filepath.Clean(p)
	if p != b.root && !strings.HasPrefix(p, b.root+string(filepath.Separator)) {
		return "", &deid.StorageError{Op: "resolve", Key: key, Err: errors.New("key escapes bucket root")}
	}
	return p, nil
}

func (b *LocalBucket) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return &deid.StorageError{Op: "upload", Key: key, Err: err, Retryable: true}
	}
	// Write-then-rename so readers never observe a partial object.
	tmp := p + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return &deid.StorageError{Op: "upload", Key: key, Err: err, Retryable: true}
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return &deid.StorageError{Op: "upload", Key: key, Err: err, Retryable: true}
	}
	return nil
}

func (b *LocalBucket) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &deid.StorageError{Op: "download", Key: key, Err: err, NotFound: true}
		}
		return nil, &deid.StorageError{Op: "download", Key: key, Err: err, Retryable: true}
	}
	return data, nil
}

func (b *LocalBucket) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := b.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &deid.StorageError{Op: "exists", Key: key, Err: err, Retryable: true}
	}
	return true, nil
}

func (b *LocalBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &deid.StorageError{Op: "delete", Key: key, Err: err, NotFound: true}
		}
		return &deid.StorageError{Op: "delete", Key: key, Err: err, Retryable: true}
	}
	return nil
}
