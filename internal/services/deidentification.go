package services

import (
	"context"
	"fmt"
	"image"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/observability"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/tiffio"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// DeidentifyOptions selects the policy for one run.
type DeidentifyOptions struct {
	Level            deid.MaskingLevel
	CustomCategories []string
	// OutputPath, when set, receives streamed output for large
	// documents; the result then carries OutputPath instead of bytes.
	OutputPath string
}

// DeidentificationService sequences the pipeline: load, OCR, detect,
// match, mask, save. Small documents run as one in-memory pass; large
// documents stream page batches through an append-only writer so peak
// memory stays at one batch.
type DeidentificationService struct {
	log       *logger.Logger
	processor *DocumentProcessor
	ocr       OCRProvider
	phi       *PHIDetectionService
	matcher   *EntityMatcher
	masker    *ImageMasker

	batchSize     int
	maxOCRSizeMB  int
	batchFailOpen bool
	tracer        trace.Tracer
}

func NewDeidentificationService(
	log *logger.Logger,
	processor *DocumentProcessor,
	ocr OCRProvider,
	phi *PHIDetectionService,
	matcher *EntityMatcher,
	masker *ImageMasker,
) *DeidentificationService {
	serviceLog := log.With("service", "DeidentificationService")
	failOpen := utils.GetEnvAsBool("BATCH_FAIL_OPEN", false, log)
	if failOpen {
		serviceLog.Warn("BATCH_FAIL_OPEN is set: failed batches will pass through UNMASKED and the job will still be marked failed")
	}
	return &DeidentificationService{
		log:           serviceLog,
		processor:     processor,
		ocr:           ocr,
		phi:           phi,
		matcher:       matcher,
		masker:        masker,
		batchSize:     utils.GetEnvAsInt("BATCH_SIZE", 25, log),
		maxOCRSizeMB:  utils.GetEnvAsInt("MAX_FILE_SIZE_MB", 50, log),
		batchFailOpen: failOpen,
		tracer:        otel.Tracer("veil/deid"),
	}
}

func (s *DeidentificationService) OCRProviderName() string { return s.ocr.Name() }
func (s *DeidentificationService) PHIProviderName() string { return s.phi.Provider() }

// Deidentify runs the full pipeline over one document.
func (s *DeidentificationService) Deidentify(ctx context.Context, data []byte, opts DeidentifyOptions) (*deid.Result, error) {
	ctx, span := s.tracer.Start(ctx, "deid.pipeline")
	defer span.End()
	started := time.Now()

	pages, meta, err := s.loadStage(ctx, data)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("pages", len(pages)), attribute.String("format", meta.Format))

	result := &deid.Result{Metadata: meta}
	if len(pages) <= s.batchSize {
		if err := s.runSmall(ctx, pages, meta, opts, result); err != nil {
			return nil, err
		}
	} else {
		if err := s.runStreaming(ctx, pages, meta, opts, result); err != nil {
			return nil, err
		}
	}
	result.ProcessingTime = time.Since(started)
	observability.RecordPagesProcessed(result.PagesProcessed)
	observability.RecordEntitiesMasked(result.EntitiesMasked)
	s.log.Info("Pipeline finished",
		"pages", result.PagesProcessed,
		"entities_masked", result.EntitiesMasked,
		"warnings", len(result.Errors),
		"took_ms", result.ProcessingTime.Milliseconds(),
	)
	return result, nil
}

func (s *DeidentificationService) loadStage(ctx context.Context, data []byte) ([][]byte, deid.DocumentMetadata, error) {
	ctx, span := s.tracer.Start(ctx, "deid.load")
	defer span.End()
	defer s.observeStage("load", time.Now())
	return s.processor.LoadEncoded(ctx, data)
}

// runSmall processes every page in one pass.
func (s *DeidentificationService) runSmall(ctx context.Context, pages [][]byte, meta deid.DocumentMetadata, opts DeidentifyOptions, result *deid.Result) error {
	batchStart := time.Now()
	maskedPages, batch, err := s.processBatch(ctx, pages, meta, opts, 0)
	if err != nil {
		return err
	}
	result.AddBatch(len(pages), batch.matches, time.Since(batchStart))
	result.Errors = append(result.Errors, batch.warnings...)

	saveStart := time.Now()
	_, span := s.tracer.Start(ctx, "deid.save")
	out, err := tiffio.Merge(maskedPages, meta)
	span.End()
	s.observeStage("save", saveStart)
	if err != nil {
		return err
	}
	result.MaskedBytes = out
	return nil
}

// runStreaming processes the document in page batches, appending each
// masked batch to a file-backed writer. The default is fail-closed: a
// failed batch fails the whole run before any partially-unmasked
// artifact can exist. BATCH_FAIL_OPEN keeps the legacy pass-through
// behaviour for operators who need partial output, and the job runner
// still marks such jobs failed.
func (s *DeidentificationService) runStreaming(ctx context.Context, pages [][]byte, meta deid.DocumentMetadata, opts DeidentifyOptions, result *deid.Result) error {
	outPath := opts.OutputPath
	cleanupOnError := false
	if outPath == "" {
		tmp, err := os.CreateTemp("", "veil-masked-*.tiff")
		if err != nil {
			return fmt.Errorf("streaming output: %w", err)
		}
		outPath = tmp.Name()
		_ = tmp.Close()
		cleanupOnError = true
	}

	writer, err := tiffio.NewStreamWriter(outPath, meta)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		writer.Abort()
		if cleanupOnError {
			_ = os.Remove(outPath)
		}
		return err
	}

	for start := 0; start < len(pages); start += s.batchSize {
		end := start + s.batchSize
		if end > len(pages) {
			end = len(pages)
		}
		batchStart := time.Now()
		maskedPages, batch, err := s.processBatch(ctx, pages[start:end], meta, opts, start)
		if err != nil {
			observability.RecordBatchFailure()
			if !s.batchFailOpen {
				return fail(fmt.Errorf("batch %d-%d failed: %w", start+1, end, err))
			}
			// Fail-open: pages pass through unmasked; the warning makes
			// the leak visible and the runner fails the job anyway.
			s.log.Error("Batch failed; passing pages through UNMASKED (BATCH_FAIL_OPEN)", "first_page", start+1, "last_page", end, "error", err)
			result.Warn(fmt.Sprintf("batch %d-%d failed and was NOT masked: %v", start+1, end, err))
			result.UnmaskedBatches++
			maskedPages = pages[start:end]
			batch = batchOutcome{}
		}
		for _, page := range maskedPages {
			if err := writer.AppendPage(page); err != nil {
				return fail(err)
			}
		}
		result.AddBatch(end-start, batch.matches, time.Since(batchStart))
		result.Errors = append(result.Errors, batch.warnings...)
	}

	if err := writer.Close(); err != nil {
		if cleanupOnError {
			_ = os.Remove(outPath)
		}
		return err
	}
	result.OutputPath = outPath
	if opts.OutputPath == "" {
		// No hand-off path requested; read the spooled file back.
		data, err := os.ReadFile(outPath)
		_ = os.Remove(outPath)
		if err != nil {
			return fmt.Errorf("read streamed output: %w", err)
		}
		result.MaskedBytes = data
		result.OutputPath = ""
	}
	return nil
}

type batchOutcome struct {
	matches  []deid.EntityMatch
	warnings []string
}

// processBatch runs OCR, detection, matching, and masking for one run
// of pages, returning re-encoded masked pages. pageOffset rebases
// batch-local page numbers to document page numbers in the outcome.
func (s *DeidentificationService) processBatch(ctx context.Context, encodedPages [][]byte, meta deid.DocumentMetadata, opts DeidentifyOptions, pageOffset int) ([][]byte, batchOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, batchOutcome{}, err
	}

	images := make([]image.Image, len(encodedPages))
	for i, page := range encodedPages {
		img, err := tiffio.DecodePage(page)
		if err != nil {
			return nil, batchOutcome{}, err
		}
		images[i] = img
	}

	ocrStart := time.Now()
	ocrCtx, ocrSpan := s.tracer.Start(ctx, "deid.ocr")
	payload, err := s.processor.OptimizeForOCR(ocrCtx, images, meta, s.maxOCRSizeMB)
	if err != nil {
		ocrSpan.End()
		return nil, batchOutcome{}, err
	}
	ocrResult, err := s.ocr.Analyze(ocrCtx, payload, OCROptions{FormatHint: "image/tiff"})
	ocrSpan.End()
	s.observeStage("ocr", ocrStart)
	if err != nil {
		return nil, batchOutcome{}, err
	}
	if err := ocrResult.Validate(); err != nil {
		return nil, batchOutcome{}, &deid.OCRError{Provider: s.ocr.Name(), Err: err}
	}

	detectStart := time.Now()
	detectCtx, detectSpan := s.tracer.Start(ctx, "deid.detect")
	entities, warnings, err := s.phi.Detect(detectCtx, ocrResult.FullText, opts.Level, opts.CustomCategories)
	detectSpan.End()
	s.observeStage("detect", detectStart)
	if err != nil {
		return nil, batchOutcome{}, err
	}

	matchStart := time.Now()
	_, matchSpan := s.tracer.Start(ctx, "deid.match")
	matches, matchWarnings := s.matcher.Match(ocrResult, entities)
	matchSpan.End()
	s.observeStage("match", matchStart)
	warnings = append(warnings, matchWarnings...)
	observability.RecordEntitiesUnmatched(len(matchWarnings))

	var regions []deid.MaskRegion
	for _, m := range matches {
		regions = append(regions, m.Regions...)
	}

	maskStart := time.Now()
	_, maskSpan := s.tracer.Start(ctx, "deid.mask")
	maskedImages, err := s.masker.Apply(images, ocrResult.Pages, regions)
	maskSpan.End()
	s.observeStage("mask", maskStart)
	if err != nil {
		return nil, batchOutcome{}, err
	}

	maskedPages := make([][]byte, len(maskedImages))
	for i, img := range maskedImages {
		page, err := tiffio.EncodePage(img, meta)
		if err != nil {
			return nil, batchOutcome{}, err
		}
		maskedPages[i] = page
	}

	return maskedPages, batchOutcome{
		matches:  rebaseMatches(matches, pageOffset),
		warnings: warnings,
	}, nil
}

// rebaseMatches shifts batch-local page numbers to document pages.
func rebaseMatches(matches []deid.EntityMatch, pageOffset int) []deid.EntityMatch {
	if pageOffset == 0 {
		return matches
	}
	out := make([]deid.EntityMatch, len(matches))
	for i, m := range matches {
		regions := make([]deid.MaskRegion, len(m.Regions))
		for j, r := range m.Regions {
			r.Page += pageOffset
			r.Box.Page += pageOffset
			regions[j] = r
		}
		out[i] = deid.EntityMatch{Entity: m.Entity, Regions: regions}
	}
	return out
}

func (s *DeidentificationService) observeStage(stage string, started time.Time) {
	observability.RecordStage(stage, time.Since(started).Seconds())
}
