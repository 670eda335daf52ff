package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
)

type scriptedPHIProvider struct {
	entities []deid.PHIEntity
	err      error
}

func (s *scriptedPHIProvider) Name() string { return "scripted" }

func (s *scriptedPHIProvider) DetectRaw(ctx context.Context, fullText string) ([]deid.PHIEntity, error) {
	return s.entities, s.err
}

func defaultPolicy(t *testing.T) *MaskingPolicy {
	t.Helper()
	p, err := LoadMaskingPolicy(testLogger(t))
	if err != nil {
		t.Fatalf("LoadMaskingPolicy: %v", err)
	}
	return p
}

func TestDetectSafeHarborKeepsEverythingSorted(t *testing.T) {
	provider := &scriptedPHIProvider{entities: []deid.PHIEntity{
		{Text: "Mercy General", Category: "organization", Offset: 30, Length: 13, Confidence: 0.8},
		{Text: "John Doe", Category: "name", Offset: 0, Length: 8, Confidence: 0.9},
	}}
	svc := NewPHIDetectionService(testLogger(t), provider, defaultPolicy(t))

	got, warnings, err := svc.Detect(context.Background(), "irrelevant", deid.MaskingSafeHarbor, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(got) != 2 {
		t.Fatalf("safe harbor must keep all categories, got %d", len(got))
	}
	if got[0].Offset > got[1].Offset {
		t.Fatalf("entities not sorted by offset: %+v", got)
	}
}

func TestDetectLimitedDatasetLeavesProviderIdentifiers(t *testing.T) {
	provider := &scriptedPHIProvider{entities: []deid.PHIEntity{
		{Text: "John Doe", Category: "name", Offset: 0, Length: 8, Confidence: 0.9},
		{Text: "Samuel Ortiz", Category: "provider_name", Offset: 20, Length: 12, Confidence: 0.9},
		{Text: "Mercy General", Category: "organization", Offset: 40, Length: 13, Confidence: 0.8},
	}}
	svc := NewPHIDetectionService(testLogger(t), provider, defaultPolicy(t))

	got, _, err := svc.Detect(context.Background(), "irrelevant", deid.MaskingLimitedDataset, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 1 || got[0].Category != "name" {
		t.Fatalf("limited dataset should keep only patient identifiers, got %+v", got)
	}
}

func TestDetectCustomFiltersToRequestedCategories(t *testing.T) {
	provider := &scriptedPHIProvider{entities: []deid.PHIEntity{
		{Text: "John Doe", Category: "name", Offset: 0, Length: 8, Confidence: 0.9},
		{Text: "01/02/1964", Category: "date", Offset: 10, Length: 10, Confidence: 0.9},
	}}
	svc := NewPHIDetectionService(testLogger(t), provider, defaultPolicy(t))

	got, _, err := svc.Detect(context.Background(), "irrelevant", deid.MaskingCustom, []string{"date"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 1 || got[0].Category != "date" {
		t.Fatalf("custom level should keep only requested categories, got %+v", got)
	}
}

func TestDetectCustomWithoutCategoriesDegradesToSafeHarbor(t *testing.T) {
	provider := &scriptedPHIProvider{entities: []deid.PHIEntity{
		{Text: "John Doe", Category: "name", Offset: 0, Length: 8, Confidence: 0.9},
	}}
	svc := NewPHIDetectionService(testLogger(t), provider, defaultPolicy(t))

	got, warnings, err := svc.Detect(context.Background(), "irrelevant", deid.MaskingCustom, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("degraded safe harbor must mask, got %d entities", len(got))
	}
	if len(warnings) != 1 {
		t.Fatalf("degrade must be visible as a warning, got %v", warnings)
	}
}

func TestDetectPropagatesProviderError(t *testing.T) {
	wantErr := &deid.PHIDetectError{Provider: "scripted", Err: errors.New("quota"), Retryable: true}
	svc := NewPHIDetectionService(testLogger(t), &scriptedPHIProvider{err: wantErr}, defaultPolicy(t))

	_, _, err := svc.Detect(context.Background(), "text", deid.MaskingSafeHarbor, nil)
	if !errors.Is(err, deid.ErrRetryable) {
		t.Fatalf("provider error lost its classification: %v", err)
	}
}

func TestSplitTextChunksBreaksAtWhitespace(t *testing.T) {
	text := "alpha beta gamma delta"
	chunks := SplitTextChunks(text, 12)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}
	// Reassembly must be exact: offsets are rebased against the
	// original text.
	var rebuilt strings.Builder
	for _, c := range chunks {
		if c.Start != len([]rune(rebuilt.String())) {
			t.Fatalf("chunk start %d disagrees with preceding text", c.Start)
		}
		rebuilt.WriteString(c.Text)
	}
	if rebuilt.String() != text {
		t.Fatalf("chunks do not reassemble: %q", rebuilt.String())
	}
	for _, c := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(c.Text, " ") {
			t.Fatalf("chunk %q should break at whitespace", c.Text)
		}
	}
}

func TestSplitTextChunksHardCutWithoutWhitespace(t *testing.T) {
	text := strings.Repeat("x", 25)
	chunks := SplitTextChunks(text, 10)
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d", len(chunks))
	}
	if chunks[1].Start != 10 || chunks[2].Start != 20 {
		t.Fatalf("hard cuts at the cap expected: %+v", chunks)
	}
}

func TestMockProviderFindsSeedEntities(t *testing.T) {
	provider := NewMockPHIProvider(testLogger(t))
	text := "Patient John Doe DOB 01/02/1964 MRN 8675309 seen by Dr Samuel Ortiz at Mercy General Hospital"

	entities, err := provider.DetectRaw(context.Background(), text)
	if err != nil {
		t.Fatalf("DetectRaw: %v", err)
	}
	byCategory := map[string]int{}
	for _, e := range entities {
		byCategory[e.Category]++
		if got := string([]rune(text)[e.Offset : e.Offset+e.Length]); got != e.Text {
			t.Fatalf("offset/length disagree with text: %q vs %q", got, e.Text)
		}
	}
	for _, want := range []string{"name", "date", "mrn", "provider_name", "organization"} {
		if byCategory[want] == 0 {
			t.Fatalf("category %s not detected in %v", want, byCategory)
		}
	}
}
