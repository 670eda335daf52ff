package services

import (
	"math"
	"testing"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func word(t *testing.T, text string, page int, x, y, w, h float64) deid.OCRWord {
	t.Helper()
	box, err := deid.NewBoundingBox(page, x, y, w, h)
	if err != nil {
		t.Fatalf("NewBoundingBox: %v", err)
	}
	return deid.NewOCRWord(text, 0.95, box)
}

func ocrResult(t *testing.T, fullText string, pages ...deid.OCRPage) *deid.OCRResult {
	t.Helper()
	r := &deid.OCRResult{FullText: fullText, Pages: pages}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return r
}

func page(t *testing.T, number int, words ...deid.OCRWord) deid.OCRPage {
	t.Helper()
	p, err := deid.NewOCRPage(number, 1000, 1400, words)
	if err != nil {
		t.Fatalf("NewOCRPage: %v", err)
	}
	return p
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMatchSingleWordPadsBox(t *testing.T) {
	m := NewEntityMatcher(testLogger(t))
	ocr := ocrResult(t, "John",
		page(t, 1, word(t, "John", 1, 100, 200, 50, 20)))
	entities := []deid.PHIEntity{
		{Text: "John", Category: "name", Offset: 0, Length: 4, Confidence: 0.95},
	}

	matches, warnings := m.Match(ocr, entities)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(matches) != 1 || len(matches[0].Regions) != 1 {
		t.Fatalf("want 1 match with 1 region, got %+v", matches)
	}
	box := matches[0].Regions[0].Box
	if !approx(box.X, 95) || !approx(box.Y, 195) || !approx(box.Width, 60) || !approx(box.Height, 30) {
		t.Fatalf("padded box wrong: %+v", box)
	}
	if matches[0].Regions[0].Page != 1 {
		t.Fatalf("region page = %d, want 1", matches[0].Regions[0].Page)
	}
}

func TestMatchToleratesGlyphError(t *testing.T) {
	m := NewEntityMatcher(testLogger(t))
	ocr := ocrResult(t, "5amuel",
		page(t, 1, word(t, "5amuel", 1, 10, 10, 80, 20)))
	entities := []deid.PHIEntity{
		{Text: "Samuel", Category: "name", Offset: 0, Length: 6, Confidence: 0.9},
	}

	matches, _ := m.Match(ocr, entities)
	if len(matches) != 1 {
		t.Fatalf("want 1 match despite glyph error, got %d", len(matches))
	}
}

func TestMatchMergesAcrossWhitespaceDrift(t *testing.T) {
	m := NewEntityMatcher(testLogger(t))
	ocr := ocrResult(t, "John  Doe",
		page(t, 1,
			word(t, "John", 1, 100, 200, 50, 20),
			word(t, "Doe", 1, 160, 200, 40, 20)))
	// Detector normalised the double space away.
	entities := []deid.PHIEntity{
		{Text: "John Doe", Category: "name", Offset: 0, Length: 8, Confidence: 0.9},
	}

	matches, _ := m.Match(ocr, entities)
	if len(matches) != 1 || len(matches[0].Regions) != 1 {
		t.Fatalf("want one merged region, got %+v", matches)
	}
	box := matches[0].Regions[0].Box
	if !approx(box.X, 95) || !approx(box.Width, 110) {
		t.Fatalf("merged box should span both words: %+v", box)
	}
}

func TestMatchFallsBackOnPhantomOffset(t *testing.T) {
	m := NewEntityMatcher(testLogger(t))
	ocr := ocrResult(t, "Patient John Smith admitted",
		page(t, 1,
			word(t, "Patient", 1, 10, 10, 70, 20),
			word(t, "John", 1, 90, 10, 45, 20),
			word(t, "Smith", 1, 140, 10, 55, 20),
			word(t, "admitted", 1, 200, 10, 80, 20)))
	// Offset far outside the transcript, but the text occurs in it.
	entities := []deid.PHIEntity{
		{Text: "John Smith", Category: "name", Offset: 999, Length: 10, Confidence: 0.9},
	}

	matches, warnings := m.Match(ocr, entities)
	if len(matches) != 1 {
		t.Fatalf("fallback should locate the run, got %d matches (warnings %v)", len(matches), warnings)
	}
	box := matches[0].Regions[0].Box
	if !approx(box.X, 85) || !approx(box.Width, 115) {
		t.Fatalf("fallback box should cover both words: %+v", box)
	}
}

func TestMatchRejectsSingleCharEntity(t *testing.T) {
	m := NewEntityMatcher(testLogger(t))
	ocr := ocrResult(t, "J Smith was seen by J Jones",
		page(t, 1,
			word(t, "J", 1, 10, 10, 10, 20),
			word(t, "Smith", 1, 30, 10, 55, 20)))
	entities := []deid.PHIEntity{
		{Text: "J", Category: "name", Offset: 999, Length: 1, Confidence: 0.9},
	}

	matches, warnings := m.Match(ocr, entities)
	if len(matches) != 0 {
		t.Fatalf("single-char entity must not mask anything, got %+v", matches)
	}
	if len(warnings) != 1 {
		t.Fatalf("want one unmatched warning, got %v", warnings)
	}
}

func TestMatchSpansPages(t *testing.T) {
	m := NewEntityMatcher(testLogger(t))
	ocr := ocrResult(t, "continued on next page",
		page(t, 1,
			word(t, "continued", 1, 700, 1300, 90, 20),
			word(t, "on", 1, 800, 1300, 25, 20)),
		page(t, 2,
			word(t, "next", 2, 100, 50, 45, 20),
			word(t, "page", 2, 150, 50, 45, 20)))
	entities := []deid.PHIEntity{
		{Text: "continued on next page", Category: "name", Offset: 0, Length: 22, Confidence: 0.9},
	}

	matches, _ := m.Match(ocr, entities)
	if len(matches) != 1 {
		t.Fatalf("want 1 match, got %d", len(matches))
	}
	regions := matches[0].Regions
	if len(regions) != 2 {
		t.Fatalf("want one region per page, got %d", len(regions))
	}
	if regions[0].Page != 1 || regions[1].Page != 2 {
		t.Fatalf("region pages wrong: %d, %d", regions[0].Page, regions[1].Page)
	}
}

func TestMatchRejectsShiftedOffsetOverUnrelatedWords(t *testing.T) {
	m := NewEntityMatcher(testLogger(t))
	// Offset points at "prescribed aspirin", entity text does not occur
	// anywhere; neither path may produce a region.
	ocr := ocrResult(t, "prescribed aspirin",
		page(t, 1,
			word(t, "prescribed", 1, 10, 10, 100, 20),
			word(t, "aspirin", 1, 120, 10, 70, 20)))
	entities := []deid.PHIEntity{
		{Text: "Margaret Thornton", Category: "name", Offset: 0, Length: 17, Confidence: 0.9},
	}

	matches, warnings := m.Match(ocr, entities)
	if len(matches) != 0 {
		t.Fatalf("validation must reject unrelated words, got %+v", matches)
	}
	if len(warnings) != 1 {
		t.Fatalf("want one warning, got %v", warnings)
	}
}

func TestMatchSkipsInvalidAndLowConfidenceEntities(t *testing.T) {
	t.Setenv("CONF_THRESHOLD", "0.5")
	m := NewEntityMatcher(testLogger(t))
	ocr := ocrResult(t, "John",
		page(t, 1, word(t, "John", 1, 10, 10, 45, 20)))
	entities := []deid.PHIEntity{
		{Text: "", Category: "name", Offset: 0, Length: 4, Confidence: 0.9},
		{Text: "John", Category: "name", Offset: 0, Length: 4, Confidence: 0.2},
	}

	matches, warnings := m.Match(ocr, entities)
	if len(matches) != 0 {
		t.Fatalf("want no matches, got %+v", matches)
	}
	// Invalid entity warns; the low-confidence one is dropped silently.
	if len(warnings) != 1 {
		t.Fatalf("want 1 warning, got %v", warnings)
	}
}

func TestBuildOffsetMapDropsHallucinatedWord(t *testing.T) {
	m := NewEntityMatcher(testLogger(t))
	// "ghost" never appears in the transcript; "Doe" must still anchor.
	ocr := ocrResult(t, "John Doe",
		page(t, 1,
			word(t, "John", 1, 10, 10, 45, 20),
			word(t, "ghost", 1, 60, 10, 50, 20),
			word(t, "Doe", 1, 120, 10, 40, 20)))
	entities := []deid.PHIEntity{
		{Text: "Doe", Category: "name", Offset: 5, Length: 3, Confidence: 0.9},
	}

	matches, _ := m.Match(ocr, entities)
	if len(matches) != 1 {
		t.Fatalf("cursor must survive a dropped word, got %d matches", len(matches))
	}
}
