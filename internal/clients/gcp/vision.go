package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"golang.org/x/time/rate"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/services"
	"github.com/veilhealth/veil-backend/internal/tiffio"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// visionFilePageLimit is the API cap on pages per AnnotateFileRequest.
const visionFilePageLimit = 5

// VisionOCR is the alternate OCR provider (OCR_PROVIDER=vision), built
// on synchronous BatchAnnotateFiles with DOCUMENT_TEXT_DETECTION.
// Multi-page TIFFs are requested in five-page windows and reassembled
// into one contiguous result.
type VisionOCR struct {
	log         *logger.Logger
	client      *vision.ImageAnnotatorClient
	limiter     *rate.Limiter
	callTimeout time.Duration
}

func NewVisionOCR(log *logger.Logger) (*VisionOCR, error) {
	slog := log.With("service", "gcp.VisionOCR")

	client, err := vision.NewImageAnnotatorClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	rps := utils.GetEnvAsFloat("VISION_RATE_LIMIT", 5, log)
	return &VisionOCR{
		log:         slog,
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		callTimeout: utils.GetEnvAsDuration("VISION_CALL_TIMEOUT", 120*time.Second, log),
	}, nil
}

func (o *VisionOCR) Name() string { return "vision" }

func (o *VisionOCR) Close() error {
	if o.client != nil {
		return o.client.Close()
	}
	return nil
}

func (o *VisionOCR) Analyze(ctx context.Context, data []byte, opts services.OCROptions) (*deid.OCRResult, error) {
	mime := opts.FormatHint
	if mime == "" {
		mime = "image/tiff"
	}
	total := 1
	if tiffio.IsTIFF(data) {
		n, err := tiffio.PageCount(data)
		if err != nil {
			return nil, &deid.OCRError{Provider: o.Name(), Err: err}
		}
		total = n
	}

	started := time.Now()
	result := &deid.OCRResult{}
	var transcript strings.Builder
	for first := 1; first <= total; first += visionFilePageLimit {
		last := first + visionFilePageLimit - 1
		if last > total {
			last = total
		}
		pageResponses, err := o.annotateWindow(ctx, data, mime, first, last)
		if err != nil {
			return nil, err
		}
		for i, r := range pageResponses {
			pageNo := first + i
			page, pageText, err := o.convertPage(r, pageNo)
			if err != nil {
				return nil, &deid.OCRError{Provider: o.Name(), Err: err}
			}
			result.Pages = append(result.Pages, page)
			if transcript.Len() > 0 {
				transcript.WriteString("\n")
			}
			transcript.WriteString(pageText)
		}
	}
	result.FullText = transcript.String()
	o.log.Info("Vision OCR finished",
		"pages", len(result.Pages),
		"words", len(result.Words()),
		"took_ms", time.Since(started).Milliseconds(),
	)
	return result, nil
}

// annotateWindow requests pages [first, last] of the file and returns
// one response per page, in order.
func (o *VisionOCR) annotateWindow(ctx context.Context, data []byte, mime string, first, last int) ([]*visionpb.AnnotateImageResponse, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, &deid.OCRError{Provider: o.Name(), Err: err, Retryable: true}
	}
	ctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	pages := make([]int32, 0, last-first+1)
	for p := first; p <= last; p++ {
		pages = append(pages, int32(p))
	}
	req := &visionpb.BatchAnnotateFilesRequest{
		Requests: []*visionpb.AnnotateFileRequest{{
			InputConfig: &visionpb.InputConfig{Content: data, MimeType: mime},
			Features:    []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			Pages:       pages,
		}},
	}
	resp, err := o.client.BatchAnnotateFiles(ctx, req)
	if err != nil {
		return nil, &deid.OCRError{Provider: o.Name(), Err: err, Retryable: RetryableRPC(err)}
	}
	if len(resp.GetResponses()) == 0 {
		return nil, &deid.OCRError{Provider: o.Name(), Err: fmt.Errorf("empty file response")}
	}
	fileResp := resp.GetResponses()[0]
	if e := fileResp.GetError(); e != nil && e.GetMessage() != "" {
		err := fmt.Errorf("annotate pages %d-%d: %s", first, last, e.GetMessage())
		return nil, &deid.OCRError{Provider: o.Name(), Err: err}
	}
	got := fileResp.GetResponses()
	if len(got) != last-first+1 {
		err := fmt.Errorf("requested pages %d-%d, got %d responses", first, last, len(got))
		return nil, &deid.OCRError{Provider: o.Name(), Err: err}
	}
	return got, nil
}

// convertPage flattens one page annotation into words, descending
// block, paragraph, word, symbol. The per-page annotation text doubles
// as this page's slice of the transcript.
func (o *VisionOCR) convertPage(r *visionpb.AnnotateImageResponse, pageNo int) (deid.OCRPage, string, error) {
	if e := r.GetError(); e != nil && e.GetMessage() != "" {
		return deid.OCRPage{}, "", fmt.Errorf("page %d: %s", pageNo, e.GetMessage())
	}
	fta := r.GetFullTextAnnotation()
	if fta == nil || len(fta.GetPages()) == 0 {
		// A blank page still occupies its slot so numbering stays 1..N.
		page, err := deid.NewOCRPage(pageNo, 1, 1, nil)
		return page, "", err
	}

	src := fta.GetPages()[0]
	width := float64(src.GetWidth())
	height := float64(src.GetHeight())
	if width <= 0 || height <= 0 {
		width, height = 1, 1
	}

	var words []deid.OCRWord
	for _, block := range src.GetBlocks() {
		for _, para := range block.GetParagraphs() {
			for _, word := range para.GetWords() {
				text := symbolText(word)
				if text == "" {
					continue
				}
				box, ok := boxFromVisionPoly(word.GetBoundingBox(), pageNo, width, height)
				if !ok {
					continue
				}
				words = append(words, deid.NewOCRWord(text, float64(word.GetConfidence()), box))
			}
		}
	}
	page, err := deid.NewOCRPage(pageNo, width, height, words)
	if err != nil {
		return deid.OCRPage{}, "", err
	}
	return page, fta.GetText(), nil
}

func symbolText(word *visionpb.Word) string {
	var b strings.Builder
	for _, s := range word.GetSymbols() {
		b.WriteString(s.GetText())
	}
	return strings.TrimSpace(b.String())
}

func boxFromVisionPoly(poly *visionpb.BoundingPoly, page int, pageW, pageH float64) (deid.BoundingBox, bool) {
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
