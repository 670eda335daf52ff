package services

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/tiffio"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// DocumentProcessor loads multi-page rasters into page images and
// reassembles them. TIFF is handled natively (tiffio container layer +
// x/image/tiff pixels); PDF input is pre-flighted with pdfcpu and
// rasterised through pdftoppm, the same shell-out pattern used for all
// external media tools.
type DocumentProcessor struct {
	log                *logger.Logger
	streamingThreshold int
	pdftoppmPath       string
}

func NewDocumentProcessor(log *logger.Logger) *DocumentProcessor {
	return &DocumentProcessor{
		log:                log.With("service", "DocumentProcessor"),
		streamingThreshold: utils.GetEnvAsInt("STREAMING_THRESHOLD", 50, log),
		pdftoppmPath:       utils.GetEnv("PDFTOPPM_PATH", "pdftoppm", log),
	}
}

func (p *DocumentProcessor) StreamingThreshold() int { return p.streamingThreshold }

// DetectFormat sniffs the document format from content, never from the
// filename.
func (p *DocumentProcessor) DetectFormat(data []byte) (string, error) {
	if tiffio.IsTIFF(data) {
		return deid.FormatTIFF, nil
	}
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		return deid.FormatPDF, nil
	case mt.Is("image/tiff"):
		return deid.FormatTIFF, nil
	default:
		return "", &deid.FormatError{Err: fmt.Errorf("unsupported content type %s", mt.String())}
	}
}

// Load decodes a document into one image per page plus the metadata
// needed to reproduce its resolution on save.
func (p *DocumentProcessor) Load(ctx context.Context, data []byte) ([]image.Image, deid.DocumentMetadata, error) {
	pages, meta, err := p.LoadEncoded(ctx, data)
	if err != nil {
		return nil, meta, err
	}
	images := make([]image.Image, len(pages))
	for i, page := range pages {
		img, err := tiffio.DecodePage(page)
		if err != nil {
			return nil, meta, err
		}
		images[i] = img
	}
	return images, meta, nil
}

// LoadEncoded decodes a document into standalone single-page TIFFs
// without materialising pixels, for callers that stream pages one at a
// time.
func (p *DocumentProcessor) LoadEncoded(ctx context.Context, data []byte) ([][]byte, deid.DocumentMetadata, error) {
	format, err := p.DetectFormat(data)
	if err != nil {
		return nil, deid.DocumentMetadata{}, err
	}
	switch format {
	case deid.FormatTIFF:
		pages, meta, err := tiffio.Split(data)
		if err != nil {
			return nil, meta, err
		}
		return pages, meta, nil
	case deid.FormatPDF:
		return p.rasterizePDF(ctx, data)
	default:
		return nil, deid.DocumentMetadata{}, &deid.FormatError{Format: format, Err: fmt.Errorf("no loader for format")}
	}
}

// Save re-encodes pages as a multi-page LZW TIFF, streaming through a
// temporary file once the page count passes the streaming threshold so
// peak memory stays at one page.
func (p *DocumentProcessor) Save(ctx context.Context, pages []image.Image, meta deid.DocumentMetadata) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("save: no pages")
	}
	if len(pages) > p.streamingThreshold {
		return p.saveStreaming(ctx, pages, meta)
	}
	encoded := make([][]byte, len(pages))
	for i, img := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := tiffio.EncodePage(img, meta)
		if err != nil {
			return nil, err
		}
		encoded[i] = page
	}
	return tiffio.Merge(encoded, meta)
}

func (p *DocumentProcessor) saveStreaming(ctx context.Context, pages []image.Image, meta deid.DocumentMetadata) ([]byte, error) {
	tmp, err := os.CreateTemp("", "veil-save-*.tiff")
	if err != nil {
		return nil, fmt.Errorf("save: temp file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	sw, err := tiffio.NewStreamWriter(path, meta)
	if err != nil {
		return nil, err
	}
	for i, img := range pages {
		if err := ctx.Err(); err != nil {
			sw.Abort()
			return nil, err
		}
		page, err := tiffio.EncodePage(img, meta)
		if err != nil {
			sw.Abort()
			return nil, fmt.Errorf("save: encode page %d: %w", i+1, err)
		}
		if err := sw.AppendPage(page); err != nil {
			sw.Abort()
			return nil, err
		}
	}
	if err := sw.Close(); err != nil {
		return nil, err
	}
	p.log.Debug("Saved document via streaming writer", "pages", len(pages))
	return os.ReadFile(path)
}

// OptimizeForOCR re-encodes pages for an OCR provider call. The output
// must decode to geometry-identical pixels, so compression here is
// always lossless LZW; maxSizeMB only decides whether to log that the
// payload still exceeds the provider budget.
func (p *DocumentProcessor) OptimizeForOCR(ctx context.Context, pages []image.Image, meta deid.DocumentMetadata, maxSizeMB int) ([]byte, error) {
	uncompressed := 0
	for _, img := range pages {
		b := img.Bounds()
		uncompressed += b.Dx() * b.Dy() * 3
	}
	data, err := p.Save(ctx, pages, meta)
	if err != nil {
		return nil, err
	}
	if maxSizeMB > 0 && len(data) > maxSizeMB*1024*1024 {
		p.log.Warn("OCR payload exceeds size budget even after lossless compression",
			"bytes", len(data), "max_mb", maxSizeMB, "uncompressed_bytes", uncompressed)
	}
	return data, nil
}

var pdfPagePattern = regexp.MustCompile(`^page-(\d+)\.tif$`)

// rasterizePDF pre-flights the PDF with pdfcpu (page count, encryption)
// and shells out to pdftoppm for the actual rendering. Encrypted or
// unparseable PDFs are terminal format errors.
func (p *DocumentProcessor) rasterizePDF(ctx context.Context, data []byte) ([][]byte, deid.DocumentMetadata, error) {
	meta := deid.DocumentMetadata{Format: deid.FormatPDF, DPIX: deid.DefaultDPI, DPIY: deid.DefaultDPI}

	dir, err := os.MkdirTemp("", "veil-pdf-*")
	if err != nil {
		return nil, meta, fmt.Errorf("rasterize pdf: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	pdfPath := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		return nil, meta, fmt.Errorf("rasterize pdf: write temp: %w", err)
	}

	pageCount, err := api.PageCountFile(pdfPath)
	if err != nil {
		return nil, meta, &deid.FormatError{Format: deid.FormatPDF, Err: err}
	}
	if pageCount < 1 {
		return nil, meta, &deid.FormatError{Format: deid.FormatPDF, Err: fmt.Errorf("pdf has no pages")}
	}
	meta.PageCount = pageCount

	dpi := int(meta.DPIX)
	prefix := filepath.Join(dir, "page")
	args := []string{"-r", strconv.Itoa(dpi), "-tiff", pdfPath, prefix}
	cmd := exec.CommandContext(ctx, p.pdftoppmPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, meta, ctx.Err()
		}
		return nil, meta, &deid.FormatError{Format: deid.FormatPDF, Err: fmt.Errorf("pdftoppm failed: %w; out=%s", err, string(out))}
	}

	paths, err := sortedPageFiles(dir)
	if err != nil {
		return nil, meta, err
	}
	if len(paths) == 0 {
		return nil, meta, &deid.FormatError{Format: deid.FormatPDF, Err: fmt.Errorf("pdftoppm produced no pages; out=%s", string(out))}
	}

	pages := make([][]byte, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, meta, fmt.Errorf("rasterize pdf: read page: %w", err)
		}
		// Normalise pdftoppm output through the container layer so
		// every downstream page is a standalone LZW-or-better TIFF.
		split, _, err := tiffio.Split(raw)
		if err != nil {
			return nil, meta, err
		}
		pages = append(pages, split...)
	}
	meta.PageCount = len(pages)
	p.log.Debug("Rasterized PDF", "pages", len(pages), "dpi", dpi)
	return pages, meta, nil
}

func sortedPageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rasterize pdf: list output: %w", err)
	}
	type numbered struct {
		n    int
		path string
	}
	var found []numbered
	for _, e := range entries {
		m := pdfPagePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, numbered{n: n, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.path
	}
	return out, nil
}
