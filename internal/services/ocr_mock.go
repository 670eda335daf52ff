package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/tiffio"
)

// MockOCRProvider is the in-repo provider for dev runs and tests
// (OCR_PROVIDER=mock). It reads real page dimensions from the input but
// fabricates a fixed transcript per page, laid out as one line of words
// across the top third of the page.
type MockOCRProvider struct {
	log   *logger.Logger
	lines []string
}

func NewMockOCRProvider(log *logger.Logger) *MockOCRProvider {
	return &MockOCRProvider{
		log: log.With("service", "MockOCRProvider"),
		lines: []string{
			"Patient John Doe DOB 01/02/1964 MRN 8675309",
			"Attending Dr Samuel Ortiz Mercy General Hospital",
		},
	}
}

func (m *MockOCRProvider) Name() string { return "mock" }

func (m *MockOCRProvider) Analyze(ctx context.Context, data []byte, opts OCROptions) (*deid.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pageFiles, _, err := tiffio.Split(data)
	if err != nil {
		return nil, &deid.OCRError{Provider: m.Name(), Err: err}
	}

	result := &deid.OCRResult{}
	var full strings.Builder
	for i, pf := range pageFiles {
		w, h, err := tiffio.PageSize(pf)
		if err != nil {
			return nil, &deid.OCRError{Provider: m.Name(), Err: err}
		}
		line := m.lines[i%len(m.lines)]
		tokens := strings.Fields(line)
		words := make([]deid.OCRWord, 0, len(tokens))
		x := float64(w) / 20
		y := float64(h) / 3
		for _, tok := range tokens {
			bw := float64(len(tok)) * 12
			box, err := deid.NewBoundingBox(i+1, x, y, bw, 24)
			if err != nil {
				return nil, &deid.OCRError{Provider: m.Name(), Err: err}
			}
			words = append(words, deid.NewOCRWord(tok, 0.99, box))
			x += bw + 12
		}
		page, err := deid.NewOCRPage(i+1, float64(w), float64(h), words)
		if err != nil {
			return nil, &deid.OCRError{Provider: m.Name(), Err: err}
		}
		result.Pages = append(result.Pages, page)
		if i > 0 {
			full.WriteByte('\n')
		}
		full.WriteString(line)
	}
	result.FullText = full.String()
	if err := result.Validate(); err != nil {
		return nil, &deid.OCRError{Provider: m.Name(), Err: fmt.Errorf("mock produced invalid result: %w", err)}
	}
	return result, nil
}
