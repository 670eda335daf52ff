package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/services"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// DocumentAIOCR adapts a Document AI OCR processor to the uniform
// word+box model. It is the default provider: one synchronous
// ProcessDocument call per batch, tokens with pixel-space geometry.
type DocumentAIOCR struct {
	log           *logger.Logger
	client        *documentai.DocumentProcessorClient
	processorName string
	limiter       *rate.Limiter
	callTimeout   time.Duration
}

func NewDocumentAIOCR(log *logger.Logger) (*DocumentAIOCR, error) {
	slog := log.With("service", "gcp.DocumentAIOCR")

	project := utils.GetEnv("DOCAI_PROJECT_ID", "", log)
	location := utils.GetEnv("DOCAI_LOCATION", "us", log)
	processor := utils.GetEnv("DOCAI_PROCESSOR_ID", "", log)
	if project == "" || processor == "" {
		return nil, fmt.Errorf("DOCAI_PROJECT_ID and DOCAI_PROCESSOR_ID are required")
	}

	opts := append(ClientOptionsFromEnv(),
		option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", location)))
	client, err := documentai.NewDocumentProcessorClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	rps := utils.GetEnvAsFloat("DOCAI_RATE_LIMIT", 5, log)
	return &DocumentAIOCR{
		log:           slog,
		client:        client,
		processorName: fmt.Sprintf("projects/%s/locations/%s/processors/%s", project, location, processor),
		limiter:       rate.NewLimiter(rate.Limit(rps), 1),
		callTimeout:   utils.GetEnvAsDuration("DOCAI_CALL_TIMEOUT", 120*time.Second, log),
	}, nil
}

func (o *DocumentAIOCR) Name() string { return "documentai" }

func (o *DocumentAIOCR) Close() error {
	if o.client != nil {
		return o.client.Close()
	}
	return nil
}

func (o *DocumentAIOCR) Analyze(ctx context.Context, data []byte, opts services.OCROptions) (*deid.OCRResult, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, &deid.OCRError{Provider: o.Name(), Err: err, Retryable: true}
	}
	ctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	mime := opts.FormatHint
	if mime == "" {
		mime = "image/tiff"
	}
	req := &documentaipb.ProcessRequest{
		Name: o.processorName,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{Content: data, MimeType: mime},
		},
		// Tokens and text are all the pipeline reads; skip the rest of
		// the (large) response.
		FieldMask: &fieldmaskpb.FieldMask{Paths: []string{"text", "pages"}},
	}

	started := time.Now()
	resp, err := o.client.ProcessDocument(ctx, req)
	if err != nil {
		return nil, &deid.OCRError{Provider: o.Name(), Err: err, Retryable: RetryableRPC(err)}
	}
	doc := resp.GetDocument()
	if doc == nil {
		return nil, &deid.OCRError{Provider: o.Name(), Err: fmt.Errorf("empty document in response")}
	}

	result, err := o.convert(doc)
	if err != nil {
		return nil, &deid.OCRError{Provider: o.Name(), Err: err}
	}
	o.log.Info("Document AI OCR finished",
		"pages", len(result.Pages),
		"words", len(result.Words()),
		"took_ms", time.Since(started).Milliseconds(),
	)
	return result, nil
}

// convert flattens the Document AI response into pages of words. Token
// text is recovered from the shared text via text anchors; polygons
// collapse to their axis-aligned envelope.
func (o *DocumentAIOCR) convert(doc *documentaipb.Document) (*deid.OCRResult, error) {
	result := &deid.OCRResult{FullText: doc.GetText()}
	for i, page := range doc.GetPages() {
		pageNo := i + 1
		width, height := pageDimensions(page)

		words := make([]deid.OCRWord, 0, len(page.GetTokens()))
		for _, token := range page.GetTokens() {
			layout := token.GetLayout()
			if layout == nil {
				continue
			}
			text := strings.TrimSpace(anchorText(doc.GetText(), layout.GetTextAnchor()))
			if text == "" {
				continue
			}
			box, ok := boxFromPoly(layout.GetBoundingPoly(), pageNo, width, height)
			if !ok {
				continue
			}
			words = append(words, deid.NewOCRWord(text, float64(layout.GetConfidence()), box))
		}

		ocrPage, err := deid.NewOCRPage(pageNo, width, height, words)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNo, err)
		}
		result.Pages = append(result.Pages, ocrPage)
	}
	return result, nil
}

func pageDimensions(page *documentaipb.Document_Page) (w, h float64) {
	if d := page.GetDimension(); d != nil && d.GetWidth() > 0 && d.GetHeight() > 0 {
		return float64(d.GetWidth()), float64(d.GetHeight())
	}
	if img := page.GetImage(); img != nil && img.GetWidth() > 0 && img.GetHeight() > 0 {
		return float64(img.GetWidth()), float64(img.GetHeight())
	}
	// Unknown dimensions; callers scale against these, so a square unit
	// space keeps normalised vertices usable.
	return 1, 1
}

// anchorText joins the anchored segments of the shared document text.
func anchorText(text string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil {
		return ""
	}
	var b strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start, end := int(seg.GetStartIndex()), int(seg.GetEndIndex())
		if start < 0 || end > len(text) || start >= end {
			continue
		}
		b.WriteString(text[start:end])
	}
	return b.String()
}

// boxFromPoly envelopes a bounding polygon. Normalised vertices are
// scaled into page pixel space; absolute vertices pass through.
func boxFromPoly(poly *documentaipb.BoundingPoly, page int, pageW, pageH float64) (deid.BoundingBox, bool) {
	var xs, ys []float64
	if nv := poly.GetNormalizedVertices(); len(nv) > 0 {
		for _, v := range nv {
			xs = append(xs, float64(v.GetX())*pageW)
			ys = append(ys, float64(v.GetY())*pageH)
		}
	} else {
		for _, v := range poly.GetVertices() {
			xs = append(xs, float64(v.GetX()))
			ys = append(ys, float64(v.GetY()))
		}
	}
	return envelope(xs, ys, page)
}

func envelope(xs, ys []float64, page int) (deid.BoundingBox, bool) {
	if len(xs) == 0 || len(ys) == 0 {
		return deid.BoundingBox{}, false
	}
	minX, maxX := xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
	}
	minY, maxY := ys[0], ys[0]
	for _, y := range ys[1:] {
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	}
	box, err := deid.NewBoundingBox(page, minX, minY, maxX-minX, maxY-minY)
	if err != nil {
		return deid.BoundingBox{}, false
	}
	return box, true
}
