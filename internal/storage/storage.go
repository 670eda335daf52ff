package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// Bucket is the core-facing object store contract. Keys are
// forward-slash paths like "input/<uuid>.tiff"; implementations own any
// mapping to their physical layout.
type Bucket interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Pair holds the two segregated namespaces. PHI carries raw uploads
// (short retention, strict access); Clean carries masked artifacts.
// Keeping them as separate Bucket values is the structural enforcement
// of the two-bucket rule: no call site can write PHI bytes through the
// clean handle by accident.
type Pair struct {
	PHI   Bucket
	Clean Bucket
}

// NewPairFromEnv builds the configured backend. It refuses a
// configuration where both namespaces resolve to the same location.
func NewPairFromEnv(log *logger.Logger) (*Pair, error) {
	backend := strings.ToLower(utils.GetEnv("STORAGE_BACKEND", "local", log))
	switch backend {
	case "local":
		root := utils.GetEnv("LOCAL_STORAGE_DIR", "/var/lib/veil", log)
		phiDir := utils.GetEnv("PHI_BUCKET", "phi", log)
		cleanDir := utils.GetEnv("CLEAN_BUCKET", "clean", log)
		if phiDir == cleanDir {
			return nil, fmt.Errorf("PHI_BUCKET and CLEAN_BUCKET must differ, both are %q", phiDir)
		}
		phi, err := NewLocalBucket(root, phiDir, log)
		if err != nil {
			return nil, err
		}
		clean, err := NewLocalBucket(root, cleanDir, log)
		if err != nil {
			return nil, err
		}
		return &Pair{PHI: phi, Clean: clean}, nil
	case "gcs":
		phiName := utils.GetEnv("PHI_BUCKET", "", log)
		cleanName := utils.GetEnv("CLEAN_BUCKET", "", log)
		if phiName == "" || cleanName == "" {
			return nil, fmt.Errorf("PHI_BUCKET and CLEAN_BUCKET are required for the gcs backend")
		}
		if phiName == cleanName {
			return nil, fmt.Errorf("PHI_BUCKET and CLEAN_BUCKET must differ, both are %q", phiName)
		}
		phi, err := NewGCSBucket(phiName, log)
		if err != nil {
			return nil, err
		}
		clean, err := NewGCSBucket(cleanName, log)
		if err != nil {
			return nil, err
		}
		return &Pair{PHI: phi, Clean: clean}, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}
}

// ContentTypeForKey maps a key's extension to a MIME type for backends
// that record one. Unknown extensions return the empty string.
func ContentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".tiff"), strings.HasSuffix(s, ".tif"):
		return "image/tiff"
	case strings.HasSuffix(s, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	default:
		return ""
	}
}
