package services

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

// mockPattern couples a regex with the uniform category it detects.
type mockPattern struct {
	re       *regexp.Regexp
	category string
	conf     float64
}

// MockPHIProvider is the in-repo detector for dev runs and tests
// (PHI_PROVIDER=mock): a handful of regex and dictionary rules over the
// transcript. Nowhere near a real detector, but it exercises every
// downstream path with deterministic output.
type MockPHIProvider struct {
	log      *logger.Logger
	patterns []mockPattern
}

func NewMockPHIProvider(log *logger.Logger) *MockPHIProvider {
	return &MockPHIProvider{
		log: log.With("service", "MockPHIProvider"),
		patterns: []mockPattern{
			{re: regexp.MustCompile(`\b\d{2}/\d{2}/\d{4}\b`), category: "date", conf: 0.95},
			{re: regexp.MustCompile(`\bMRN\s*:?\s*\d{5,10}\b`), category: "mrn", conf: 0.97},
			{re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), category: "ssn", conf: 0.98},
			{re: regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.]+\b`), category: "email", conf: 0.96},
			{re: regexp.MustCompile(`\b(?:Patient|Mr|Mrs|Ms)\.?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`), category: "name", conf: 0.9},
			{re: regexp.MustCompile(`\bDr\.?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`), category: "provider_name", conf: 0.9},
			{re: regexp.MustCompile(`\b[A-Z][a-z]+\s+(?:General\s+)?(?:Hospital|Clinic|Medical\s+Center)\b`), category: "organization", conf: 0.85},
		},
	}
}

func (m *MockPHIProvider) Name() string { return "mock" }

func (m *MockPHIProvider) DetectRaw(ctx context.Context, fullText string) ([]deid.PHIEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []deid.PHIEntity
	for _, p := range m.patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(fullText, -1) {
			// Use the first capture group when the pattern has one, so
			// "Patient John Doe" yields the name, not the prefix.
			start, end := loc[0], loc[1]
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			text := fullText[start:end]
			if strings.TrimSpace(text) == "" {
				continue
			}
			out = append(out, deid.PHIEntity{
				Text:       text,
				Category:   p.category,
				Offset:     utf8.RuneCountInString(fullText[:start]),
				Length:     utf8.RuneCountInString(text),
				Confidence: p.conf,
			})
		}
	}
	return out, nil
}
