package deid

import (
	"fmt"
	"strings"
)

// MaskingLevel selects which detected categories get painted.
type MaskingLevel string

const (
	// MaskingSafeHarbor masks every category the detector can find
	// (HIPAA Safe Harbor, the default and strictest level).
	MaskingSafeHarbor MaskingLevel = "safe_harbor"
	// MaskingLimitedDataset leaves provider/organisation identifiers
	// (physician, hospital) visible per the Limited Dataset rules.
	MaskingLimitedDataset MaskingLevel = "limited_dataset"
	// MaskingCustom masks only an explicitly configured category set.
	MaskingCustom MaskingLevel = "custom"
)

func ParseMaskingLevel(s string) (MaskingLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(MaskingSafeHarbor):
		return MaskingSafeHarbor, nil
	case string(MaskingLimitedDataset):
		return MaskingLimitedDataset, nil
	case string(MaskingCustom):
		return MaskingCustom, nil
	default:
		return "", fmt.Errorf("unknown masking level %q", s)
	}
}

// PHIEntity is one identifier span asserted by the PHI detector.
// Offset and Length index into OCRResult.FullText as a half-open
// character range [Offset, Offset+Length).
type PHIEntity struct {
	Text        string  `json:"text"`
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory,omitempty"`
	Offset      int     `json:"offset"`
	Length      int     `json:"length"`
	Confidence  float64 `json:"confidence"`
}

func (e PHIEntity) End() int { return e.Offset + e.Length }

// Valid enforces the ingress invariants: non-empty text, positive
// length, non-negative offset.
func (e PHIEntity) Valid() bool {
	return strings.TrimSpace(e.Text) != "" && e.Length > 0 && e.Offset >= 0
}

// OverlapsSpan reports whether the entity's half-open span intersects
// [start, end).
func (e PHIEntity) OverlapsSpan(start, end int) bool {
	return e.Offset < end && start < e.End()
}

// Overlaps reports whether two entities' spans intersect.
func (e PHIEntity) Overlaps(o PHIEntity) bool {
	return e.OverlapsSpan(o.Offset, o.End())
}

// EntityMatch pairs one located entity with the regions painted for
// it, one region per page the entity touched.
type EntityMatch struct {
	Entity  PHIEntity    `json:"entity"`
	Regions []MaskRegion `json:"regions"`
}

// MaskRegion is one rectangle to paint on one page. Box.Page always
// equals Page; NewMaskRegion enforces it.
type MaskRegion struct {
	Page       int         `json:"page"`
	Box        BoundingBox `json:"bounding_box"`
	Category   string      `json:"entity_category"`
	Confidence float64     `json:"confidence"`
}

func NewMaskRegion(page int, box BoundingBox, category string, confidence float64) (MaskRegion, error) {
	if box.Page != page {
		return MaskRegion{}, fmt.Errorf("mask region page %d does not match box page %d", page, box.Page)
	}
	return MaskRegion{Page: page, Box: box, Category: category, Confidence: confidence}, nil
}
