package deid

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewBoundingBoxRejectsBadInputs(t *testing.T) {
	cases := []struct {
		page          int
		width, height float64
	}{
		{0, 10, 10},
		{-1, 10, 10},
		{1, -1, 10},
		{1, 10, -1},
	}
	for _, c := range cases {
		if _, err := NewBoundingBox(c.page, 0, 0, c.width, c.height); err == nil {
			t.Fatalf("expected error for page=%d w=%g h=%g", c.page, c.width, c.height)
		}
	}
	b, err := NewBoundingBox(1, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("zero-size box on page 1 should be valid: %v", err)
	}
	if b.Page != 1 {
		t.Fatalf("page = %d, want 1", b.Page)
	}
}

func TestBoundingBoxOverlaps(t *testing.T) {
	a := BoundingBox{Page: 1, X: 0, Y: 0, Width: 10, Height: 10}
	cases := []struct {
		name string
		b    BoundingBox
		want bool
	}{
		{"intersecting", BoundingBox{Page: 1, X: 5, Y: 5, Width: 10, Height: 10}, true},
		{"contained", BoundingBox{Page: 1, X: 2, Y: 2, Width: 2, Height: 2}, true},
		{"touching edge", BoundingBox{Page: 1, X: 10, Y: 0, Width: 5, Height: 5}, false},
		{"disjoint", BoundingBox{Page: 1, X: 20, Y: 20, Width: 5, Height: 5}, false},
		{"other page", BoundingBox{Page: 2, X: 5, Y: 5, Width: 10, Height: 10}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := a.Overlaps(c.b); got != c.want {
				t.Fatalf("Overlaps = %v, want %v", got, c.want)
			}
			if got := c.b.Overlaps(a); got != c.want {
				t.Fatalf("Overlaps not symmetric: %v, want %v", got, c.want)
			}
		})
	}
}

func TestBoundingBoxUnion(t *testing.T) {
	a := BoundingBox{Page: 1, X: 100, Y: 200, Width: 50, Height: 20}
	b := BoundingBox{Page: 1, X: 160, Y: 195, Width: 40, Height: 30}
	u := a.Union(b)
	want := BoundingBox{Page: 1, X: 100, Y: 195, Width: 100, Height: 30}
	if u != want {
		t.Fatalf("Union = %+v, want %+v", u, want)
	}
}

func TestBoundingBoxPad(t *testing.T) {
	// The default 5px padding around a 100,200 50x20 word.
	b := BoundingBox{Page: 1, X: 100, Y: 200, Width: 50, Height: 20}
	p := b.Pad(5)
	want := BoundingBox{Page: 1, X: 95, Y: 195, Width: 60, Height: 30}
	if p != want {
		t.Fatalf("Pad = %+v, want %+v", p, want)
	}
}

func TestBoundingBoxPadClampsAtOrigin(t *testing.T) {
	b := BoundingBox{Page: 1, X: 3, Y: 2, Width: 50, Height: 20}
	p := b.Pad(5)
	if p.X != 0 || p.Y != 0 {
		t.Fatalf("corner not clamped: %+v", p)
	}
	// Right/bottom extents still grow by the full pad.
	if p.Right() != 58 || p.Bottom() != 27 {
		t.Fatalf("far corner moved: right=%g bottom=%g", p.Right(), p.Bottom())
	}
}

func TestOCRResultValidateContiguousPages(t *testing.T) {
	mkPages := func(nums ...int) []OCRPage {
		out := make([]OCRPage, 0, len(nums))
		for _, n := range nums {
			out = append(out, OCRPage{Number: n, Width: 100, Height: 100})
		}
		return out
	}
	ok := OCRResult{Pages: mkPages(1, 2, 3)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("contiguous pages rejected: %v", err)
	}
	for _, bad := range [][]int{{2, 3}, {1, 3}, {1, 2, 2}} {
		r := OCRResult{Pages: mkPages(bad...)}
		if err := r.Validate(); err == nil {
			t.Fatalf("pages %v accepted", bad)
		}
	}
}

func TestOCRWordClampsConfidence(t *testing.T) {
	if w := NewOCRWord("x", 1.7, BoundingBox{Page: 1}); w.Confidence != 1 {
		t.Fatalf("confidence = %g, want 1", w.Confidence)
	}
	if w := NewOCRWord("x", -0.2, BoundingBox{Page: 1}); w.Confidence != 0 {
		t.Fatalf("confidence = %g, want 0", w.Confidence)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{&FormatError{Format: "tiff", Err: errors.New("bad header")}, false},
		{&OCRError{Provider: "vision", Err: errors.New("unavailable"), Retryable: true}, true},
		{&OCRError{Provider: "vision", Err: errors.New("permission denied"), Retryable: false}, false},
		{&PHIDetectError{Provider: "dlp", Err: errors.New("deadline"), Retryable: true}, true},
		{&StorageError{Op: "download", Key: "input/x.tiff", Err: errors.New("gone"), NotFound: true}, false},
		{&StorageError{Op: "upload", Key: "masked/x.tiff", Err: errors.New("503"), Retryable: true}, true},
		{fmt.Errorf("wrapped: %w", &FormatError{Err: errors.New("nope")}), false},
		{errors.New("unclassified"), true},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.retryable {
			t.Fatalf("IsRetryable(%v) = %v, want %v", c.err, got, c.retryable)
		}
	}
}
