package deid

import "fmt"

// BoundingBox is an axis-aligned rectangle in page-local coordinates.
// Page numbering starts at 1. Coordinates may be pixels or normalised
// units; callers only ever compare boxes produced by the same OCR pass,
// so the unit just has to be internally consistent.
type BoundingBox struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func NewBoundingBox(page int, x, y, width, height float64) (BoundingBox, error) {
	if page < 1 {
		return BoundingBox{}, fmt.Errorf("bounding box page must be >= 1, got %d", page)
	}
	if width < 0 || height < 0 {
		return BoundingBox{}, fmt.Errorf("bounding box dimensions must be non-negative, got %gx%g", width, height)
	}
	return BoundingBox{Page: page, X: x, Y: y, Width: width, Height: height}, nil
}

func (b BoundingBox) Right() float64  { return b.X + b.Width }
func (b BoundingBox) Bottom() float64 { return b.Y + b.Height }

// Overlaps reports whether two boxes are on the same page and their
// rectangles intersect.
func (b BoundingBox) Overlaps(o BoundingBox) bool {
	if b.Page != o.Page {
		return false
	}
	return b.X < o.Right() && o.X < b.Right() && b.Y < o.Bottom() && o.Y < b.Bottom()
}

// Union returns the smallest box covering both. Both boxes must share a
// page; mixing pages is a programming error and panics like an
// out-of-range index would.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	if b.Page != o.Page {
		panic(fmt.Sprintf("union across pages %d and %d", b.Page, o.Page))
	}
	minX := min(b.X, o.X)
	minY := min(b.Y, o.Y)
	maxX := max(b.Right(), o.Right())
	maxY := max(b.Bottom(), o.Bottom())
	return BoundingBox{Page: b.Page, X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Pad grows the box by px on every side. The top-left corner is clamped
// at the page origin; the bottom-right corner is preserved, so a box
// flush against the edge keeps its far extent.
func (b BoundingBox) Pad(px float64) BoundingBox {
	minX := max(0, b.X-px)
	minY := max(0, b.Y-px)
	maxX := b.Right() + px
	maxY := b.Bottom() + px
	return BoundingBox{Page: b.Page, X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// OCRWord is one recognised token with its page geometry.
type OCRWord struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"bounding_box"`
}

func NewOCRWord(text string, confidence float64, box BoundingBox) OCRWord {
	return OCRWord{Text: text, Confidence: clamp01(confidence), Box: box}
}

// OCRPage holds the words of one page in the order the provider emitted
// them. The matcher does not require that order to be globally monotone,
// only stable across calls.
type OCRPage struct {
	Number int       `json:"page_number"`
	Width  float64   `json:"width"`
	Height float64   `json:"height"`
	Words  []OCRWord `json:"words"`
}

func NewOCRPage(number int, width, height float64, words []OCRWord) (OCRPage, error) {
	if number < 1 {
		return OCRPage{}, fmt.Errorf("page number must be >= 1, got %d", number)
	}
	if width <= 0 || height <= 0 {
		return OCRPage{}, fmt.Errorf("page dimensions must be positive, got %gx%g", width, height)
	}
	return OCRPage{Number: number, Width: width, Height: height, Words: words}, nil
}

// OCRResult is the uniform output of every OCR adapter. FullText is the
// exact transcript handed to the PHI detector; entity offsets index into
// it and nothing else.
type OCRResult struct {
	Pages    []OCRPage `json:"pages"`
	FullText string    `json:"full_text"`
}

// Validate checks that pages are numbered 1..N contiguously.
func (r *OCRResult) Validate() error {
	for i, p := range r.Pages {
		if p.Number != i+1 {
			return fmt.Errorf("pages must be numbered 1..N contiguously: index %d has page_number %d", i, p.Number)
		}
	}
	return nil
}

// Words flattens all pages into one stream, preserving page order then
// provider emission order.
func (r *OCRResult) Words() []OCRWord {
	n := 0
	for _, p := range r.Pages {
		n += len(p.Words)
	}
	out := make([]OCRWord, 0, n)
	for _, p := range r.Pages {
		out = append(out, p.Words...)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
