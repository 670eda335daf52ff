package services

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// EntityMatcher maps character spans from the PHI detector back to
// pixel boxes on the page. Three kinds of drift make this the hard
// part: OCR glyph errors (S↔5, O↔0), whitespace divergence between the
// transcript and what the detector normalised, and detector offsets
// shifted relative to the transcript. The offset map absorbs the first
// two; the text-search fallback absorbs the third.
type EntityMatcher struct {
	log            *logger.Logger
	fuzzyThreshold int
	maskPadPx      float64
	confThreshold  float64
}

func NewEntityMatcher(log *logger.Logger) *EntityMatcher {
	return &EntityMatcher{
		log:            log.With("service", "EntityMatcher"),
		fuzzyThreshold: utils.GetEnvAsInt("FUZZY_THRESHOLD", 2, log),
		maskPadPx:      utils.GetEnvAsFloat("MASK_PAD_PX", 5, log),
		confThreshold:  utils.GetEnvAsFloat("CONF_THRESHOLD", 0.0, log),
	}
}

// wordSpan anchors one OCR word at its rune range in the transcript.
type wordSpan struct {
	word  deid.OCRWord
	start int
	end   int
}

// Match locates every entity and returns the mask regions plus
// non-fatal warnings for entities it refused to guess at.
func (m *EntityMatcher) Match(ocr *deid.OCRResult, entities []deid.PHIEntity) ([]deid.EntityMatch, []string) {
	spans := m.buildOffsetMap(ocr.FullText, ocr.Words())
	text := []rune(ocr.FullText)

	var matches []deid.EntityMatch
	var warnings []string
	for _, e := range entities {
		if !e.Valid() {
			warnings = append(warnings, fmt.Sprintf("rejected invalid entity: category=%s offset=%d length=%d", e.Category, e.Offset, e.Length))
			continue
		}
		if e.Confidence < m.confThreshold {
			m.log.Debug("Entity below confidence threshold", "category", e.Category, "confidence", e.Confidence)
			continue
		}

		matched := m.matchByOffset(text, spans, e)
		if matched == nil {
			matched = m.matchByText(text, spans, e)
		}
		if matched == nil {
			warnings = append(warnings, fmt.Sprintf("could not locate entity on page: category=%s offset=%d length=%d", e.Category, e.Offset, e.Length))
			continue
		}
		regions := m.mergeBoxes(matched, e)
		if len(regions) == 0 {
			warnings = append(warnings, fmt.Sprintf("entity matched words without usable geometry: category=%s offset=%d", e.Category, e.Offset))
			continue
		}
		matches = append(matches, deid.EntityMatch{Entity: e, Regions: regions})
	}
	return matches, warnings
}

// buildOffsetMap walks the transcript left to right, consuming the
// flattened word stream. Words that cannot be anchored are dropped;
// the cursor never moves for a dropped word, so one hallucinated OCR
// token does not derail the rest of the page.
func (m *EntityMatcher) buildOffsetMap(fullText string, words []deid.OCRWord) []wordSpan {
	text := []rune(fullText)
	spans := make([]wordSpan, 0, len(words))
	p := 0
	for _, w := range words {
		token := []rune(strings.TrimSpace(w.Text))
		if len(token) == 0 {
			continue
		}
		for p < len(text) && unicode.IsSpace(text[p]) {
			p++
		}
		if p >= len(text) {
			break
		}
		matchedLen, ok := m.matchTokenAt(text, p, token)
		if !ok {
			continue
		}
		spans = append(spans, wordSpan{word: w, start: p, end: p + matchedLen})
		p += matchedLen
	}
	return spans
}

// matchTokenAt tries the word at position p: exact first, then
// candidate lengths |w|-2..|w|+2 accepting the shortest within the
// fuzzy threshold.
func (m *EntityMatcher) matchTokenAt(text []rune, p int, token []rune) (int, bool) {
	n := len(token)
	if p+n <= len(text) && runesEqualFold(text[p:p+n], token) {
		return n, true
	}
	for l := n - 2; l <= n+2; l++ {
		if l < 1 || p+l > len(text) {
			continue
		}
		candidate := text[p : p+l]
		if editDistance(candidate, token) <= m.fuzzyThreshold {
			return l, true
		}
	}
	return 0, false
}

// matchByOffset is the primary path: all words whose anchored span
// intersects the entity's span, validated against the entity text so a
// shifted offset cannot silently mask unrelated words.
func (m *EntityMatcher) matchByOffset(text []rune, spans []wordSpan, e deid.PHIEntity) []wordSpan {
	lo := sort.Search(len(spans), func(i int) bool { return spans[i].end > e.Offset })
	var hit []wordSpan
	for i := lo; i < len(spans) && spans[i].start < e.End(); i++ {
		hit = append(hit, spans[i])
	}
	if len(hit) == 0 {
		return nil
	}

	joined := joinSpanText(hit)
	entityRunes := []rune(strings.TrimSpace(e.Text))
	budget := len(entityRunes) / 3
	if budget < m.fuzzyThreshold {
		budget = m.fuzzyThreshold
	}
	if editDistance([]rune(joined), entityRunes) > budget {
		m.log.Debug("Offset match failed validation", "category", e.Category, "offset", e.Offset, "distance_budget", budget)
		return nil
	}
	return hit
}

// matchByText is the fallback for drifted offsets: a fuzzy scan for the
// first contiguous run of words matching the entity text. Guards:
// single-character entities are rejected (masking every "J" on a page
// is worse than a warning), the entity text must actually occur in the
// transcript (phantom entities stay unmatched), and the run must be
// contiguous in the word stream.
func (m *EntityMatcher) matchByText(text []rune, spans []wordSpan, e deid.PHIEntity) []wordSpan {
	needle := strings.TrimSpace(e.Text)
	entityRunes := []rune(needle)
	if len(entityRunes) < 2 {
		return nil
	}
	if !strings.Contains(strings.ToLower(string(text)), strings.ToLower(needle)) {
		return nil
	}

	wordBudget := len(strings.Fields(needle)) + 2
	for i := range spans {
		joined := ""
		for j := i; j < len(spans) && j-i < wordBudget; j++ {
			if joined == "" {
				joined = strings.TrimSpace(spans[j].word.Text)
			} else {
				joined += " " + strings.TrimSpace(spans[j].word.Text)
			}
			if len([]rune(joined)) > len(entityRunes)+m.fuzzyThreshold {
				break
			}
			if editDistance([]rune(joined), entityRunes) <= m.fuzzyThreshold {
				return spans[i : j+1]
			}
		}
	}
	return nil
}

// mergeBoxes unions the matched words per page and pads the result.
// A multi-page entity yields one region per page.
func (m *EntityMatcher) mergeBoxes(spans []wordSpan, e deid.PHIEntity) []deid.MaskRegion {
	byPage := map[int]*deid.BoundingBox{}
	var pages []int
	for _, s := range spans {
		box := s.word.Box
		if existing, ok := byPage[box.Page]; ok {
			union := existing.Union(box)
			byPage[box.Page] = &union
		} else {
			b := box
			byPage[box.Page] = &b
			pages = append(pages, box.Page)
		}
	}
	sort.Ints(pages)

	regions := make([]deid.MaskRegion, 0, len(pages))
	for _, page := range pages {
		padded := byPage[page].Pad(m.maskPadPx)
		region, err := deid.NewMaskRegion(page, padded, e.Category, e.Confidence)
		if err != nil {
			m.log.Warn("Dropping region with inconsistent page", "page", page, "error", err)
			continue
		}
		regions = append(regions, region)
	}
	return regions
}

func joinSpanText(spans []wordSpan) string {
	parts := make([]string, 0, len(spans))
	for _, s := range spans {
		parts = append(parts, strings.TrimSpace(s.word.Text))
	}
	return strings.Join(parts, " ")
}

func runesEqualFold(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if unicode.ToLower(a[i]) != unicode.ToLower(b[i]) {
			return false
		}
	}
	return true
}

// editDistance is a case-insensitive Levenshtein distance.
func editDistance(a, b []rune) int {
	return levenshtein.ComputeDistance(strings.ToLower(string(a)), strings.ToLower(string(b)))
}
