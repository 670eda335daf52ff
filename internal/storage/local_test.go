package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func newTestBucket(t *testing.T) *LocalBucket {
	t.Helper()
	b, err := NewLocalBucket(t.TempDir(), "phi", testLogger(t))
	if err != nil {
		t.Fatalf("NewLocalBucket: %v", err)
	}
	return b
}

func TestLocalBucketRoundTrip(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()
	key := "input/abc.tiff"
	payload := []byte{0x49, 0x49, 0x2a, 0x00, 0x01, 0x02}

	if err := b.Upload(ctx, key, payload, "image/tiff"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	ok, err := b.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
	}
	got, err := b.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Download returned %v, want %v", got, payload)
	}
	if err := b.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = b.Exists(ctx, key)
	if err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v; want false, nil", ok, err)
	}
}

func TestLocalBucketRejectsTraversal(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()
	keys := []string{
		"../escape.tiff",
		"input/../../escape.tiff",
		"/etc/passwd",
		"input/..",
		"",
	}
	for _, key := range keys {
		if err := b.Upload(ctx, key, []byte("x"), ""); err == nil {
			t.Fatalf("Upload(%q) accepted", key)
		}
		if _, err := b.Download(ctx, key); err == nil {
			t.Fatalf("Download(%q) accepted", key)
		}
	}
	// Nothing may have been written outside the bucket root.
	parent := filepath.Dir(b.root)
	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "phi" {
			t.Fatalf("unexpected entry %q escaped the bucket", e.Name())
		}
	}
}

func TestLocalBucketDownloadMissingIsTerminal(t *testing.T) {
	b := newTestBucket(t)
	_, err := b.Download(context.Background(), "input/nope.tiff")
	if err == nil {
		t.Fatal("expected error")
	}
	var se *deid.StorageError
	if !errors.As(err, &se) || !se.NotFound {
		t.Fatalf("want NotFound StorageError, got %v", err)
	}
	if deid.IsRetryable(err) {
		t.Fatal("missing input must not be retryable")
	}
}

func TestNewPairFromEnvRejectsSharedNamespace(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "local")
	t.Setenv("LOCAL_STORAGE_DIR", t.TempDir())
	t.Setenv("PHI_BUCKET", "same")
	t.Setenv("CLEAN_BUCKET", "same")
	if _, err := NewPairFromEnv(testLogger(t)); err == nil {
		t.Fatal("shared namespace accepted")
	}
}

func TestNewPairFromEnvLocal(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STORAGE_BACKEND", "local")
	t.Setenv("LOCAL_STORAGE_DIR", dir)
	t.Setenv("PHI_BUCKET", "phi")
	t.Setenv("CLEAN_BUCKET", "clean")
	pair, err := NewPairFromEnv(testLogger(t))
	if err != nil {
		t.Fatalf("NewPairFromEnv: %v", err)
	}
	ctx := context.Background()
	if err := pair.PHI.Upload(ctx, "input/a.tiff", []byte("raw"), ""); err != nil {
		t.Fatalf("PHI upload: %v", err)
	}
	ok, err := pair.Clean.Exists(ctx, "input/a.tiff")
	if err != nil {
		t.Fatalf("Clean exists: %v", err)
	}
	if ok {
		t.Fatal("object uploaded to PHI is visible in clean bucket")
	}
}
