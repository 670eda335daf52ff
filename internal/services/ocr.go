package services

import (
	"context"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
)

// OCROptions carries per-call hints. FormatHint is a MIME type; the
// provider may ignore it and sniff.
type OCROptions struct {
	FormatHint string
	Language   string
}

// OCRProvider turns document bytes into the uniform word+box model.
// Implementations must normalise confidences to [0,1], collapse
// polygons to axis-aligned boxes, and produce FullText as exactly the
// transcript the PHI detector will receive.
type OCRProvider interface {
	Name() string
	Analyze(ctx context.Context, data []byte, opts OCROptions) (*deid.OCRResult, error)
}
