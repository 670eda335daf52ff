package services

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/tiffio"
)

func buildPipeline(t *testing.T, ocr OCRProvider) *DeidentificationService {
	t.Helper()
	log := testLogger(t)
	masker, err := NewImageMasker(log)
	if err != nil {
		t.Fatalf("NewImageMasker: %v", err)
	}
	return NewDeidentificationService(
		log,
		NewDocumentProcessor(log),
		ocr,
		NewPHIDetectionService(log, NewMockPHIProvider(log), defaultPolicy(t)),
		NewEntityMatcher(log),
		masker,
	)
}

func multiPageTIFF(t *testing.T, pages int) []byte {
	t.Helper()
	meta := deid.DocumentMetadata{Format: deid.FormatTIFF, DPIX: 300, DPIY: 300}
	encoded := make([][]byte, pages)
	for i := range encoded {
		page, err := tiffio.EncodePage(whitePage(600, 400), meta)
		if err != nil {
			t.Fatalf("EncodePage: %v", err)
		}
		encoded[i] = page
	}
	data, err := tiffio.Merge(encoded, meta)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	return data
}

func hasBlackPixel(img image.Image) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y += 3 {
		for x := b.Min.X; x < b.Max.X; x += 3 {
			if isBlack(img.At(x, y)) {
				return true
			}
		}
	}
	return false
}

func TestDeidentifySmallDocumentMasksSeedEntities(t *testing.T) {
	log := testLogger(t)
	svc := buildPipeline(t, NewMockOCRProvider(log))
	input := multiPageTIFF(t, 2)

	result, err := svc.Deidentify(context.Background(), input, DeidentifyOptions{Level: deid.MaskingSafeHarbor})
	if err != nil {
		t.Fatalf("Deidentify: %v", err)
	}
	if result.PagesProcessed != 2 {
		t.Fatalf("pages processed = %d, want 2", result.PagesProcessed)
	}
	if result.EntitiesMasked == 0 {
		t.Fatalf("mock transcript carries PHI, none was masked")
	}
	if len(result.MaskedBytes) == 0 {
		t.Fatalf("small path must return bytes inline")
	}

	pages, _, err := tiffio.Split(result.MaskedBytes)
	if err != nil {
		t.Fatalf("Split masked output: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("masked output has %d pages, want 2", len(pages))
	}
	first, err := tiffio.DecodePage(pages[0])
	if err != nil {
		t.Fatalf("DecodePage: %v", err)
	}
	if !hasBlackPixel(first) {
		t.Fatalf("masked page shows no redaction boxes")
	}
}

func TestDeidentifyStreamingRebasesPages(t *testing.T) {
	t.Setenv("BATCH_SIZE", "1")
	log := testLogger(t)
	svc := buildPipeline(t, NewMockOCRProvider(log))
	input := multiPageTIFF(t, 3)

	result, err := svc.Deidentify(context.Background(), input, DeidentifyOptions{Level: deid.MaskingSafeHarbor})
	if err != nil {
		t.Fatalf("Deidentify: %v", err)
	}
	if result.PagesProcessed != 3 {
		t.Fatalf("pages processed = %d, want 3", result.PagesProcessed)
	}
	if len(result.MaskedBytes) == 0 {
		t.Fatalf("streamed run without OutputPath must read bytes back")
	}
	// Regions must land on document pages, not batch-local page 1.
	seen := map[int]bool{}
	for _, r := range result.Regions {
		if r.Page < 1 || r.Page > 3 {
			t.Fatalf("region page %d outside document", r.Page)
		}
		if r.Page != r.Box.Page {
			t.Fatalf("region page %d disagrees with box page %d", r.Page, r.Box.Page)
		}
		seen[r.Page] = true
	}
	for p := 1; p <= 3; p++ {
		if !seen[p] {
			t.Fatalf("no regions rebased onto page %d", p)
		}
	}

	pages, _, err := tiffio.Split(result.MaskedBytes)
	if err != nil {
		t.Fatalf("Split masked output: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("masked output has %d pages, want 3", len(pages))
	}
}

type failingOCRProvider struct{}

func (failingOCRProvider) Name() string { return "failing" }

func (failingOCRProvider) Analyze(ctx context.Context, data []byte, opts OCROptions) (*deid.OCRResult, error) {
	return nil, &deid.OCRError{Provider: "failing", Err: errors.New("backend down"), Retryable: true}
}

func TestDeidentifyStreamingFailsClosedByDefault(t *testing.T) {
	t.Setenv("BATCH_SIZE", "1")
	svc := buildPipeline(t, failingOCRProvider{})

	_, err := svc.Deidentify(context.Background(), multiPageTIFF(t, 2), DeidentifyOptions{Level: deid.MaskingSafeHarbor})
	if err == nil {
		t.Fatalf("failed batch must fail the run")
	}
	if !errors.Is(err, deid.ErrRetryable) {
		t.Fatalf("batch error lost its classification: %v", err)
	}
}

func TestDeidentifyFailOpenPassesPagesThroughAndCountsThem(t *testing.T) {
	t.Setenv("BATCH_SIZE", "1")
	t.Setenv("BATCH_FAIL_OPEN", "true")
	svc := buildPipeline(t, failingOCRProvider{})

	result, err := svc.Deidentify(context.Background(), multiPageTIFF(t, 2), DeidentifyOptions{Level: deid.MaskingSafeHarbor})
	if err != nil {
		t.Fatalf("fail-open run should complete: %v", err)
	}
	if result.UnmaskedBatches != 2 {
		t.Fatalf("unmasked batches = %d, want 2", result.UnmaskedBatches)
	}
	if result.EntitiesMasked != 0 {
		t.Fatalf("nothing should be masked when every batch fails")
	}
	if len(result.MaskedBytes) == 0 {
		t.Fatalf("pass-through output missing")
	}
	if len(result.Errors) < 2 {
		t.Fatalf("each unmasked batch must leave a warning, got %v", result.Errors)
	}
}
