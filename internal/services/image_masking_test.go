package services

import (
	"image"
	"image/color"
	"testing"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
)

func newMasker(t *testing.T) *ImageMasker {
	t.Helper()
	m, err := NewImageMasker(testLogger(t))
	if err != nil {
		t.Fatalf("NewImageMasker: %v", err)
	}
	return m
}

func whitePage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func region(t *testing.T, pageNo int, x, y, w, h float64) deid.MaskRegion {
	t.Helper()
	box, err := deid.NewBoundingBox(pageNo, x, y, w, h)
	if err != nil {
		t.Fatalf("NewBoundingBox: %v", err)
	}
	r, err := deid.NewMaskRegion(pageNo, box, "name", 0.9)
	if err != nil {
		t.Fatalf("NewMaskRegion: %v", err)
	}
	return r
}

func isBlack(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r == 0 && g == 0 && b == 0
}

func TestApplyPaintsRegionOpaque(t *testing.T) {
	m := newMasker(t)
	src := whitePage(200, 100)
	ocrPage, _ := deid.NewOCRPage(1, 200, 100, nil)

	out, err := m.Apply([]image.Image{src}, []deid.OCRPage{ocrPage}, []deid.MaskRegion{
		region(t, 1, 50, 20, 60, 30),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("want 1 page, got %d", len(out))
	}
	if !isBlack(out[0].At(80, 35)) {
		t.Fatalf("inside region should be black")
	}
	if isBlack(out[0].At(10, 10)) {
		t.Fatalf("outside region should be untouched")
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	m := newMasker(t)
	src := whitePage(100, 100)
	ocrPage, _ := deid.NewOCRPage(1, 100, 100, nil)

	_, err := m.Apply([]image.Image{src}, []deid.OCRPage{ocrPage}, []deid.MaskRegion{
		region(t, 1, 0, 0, 100, 100),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if isBlack(src.At(50, 50)) {
		t.Fatalf("source page was mutated")
	}
}

func TestApplyScalesOCRCoordinates(t *testing.T) {
	m := newMasker(t)
	// Image is twice the OCR coordinate space in each dimension.
	src := whitePage(200, 200)
	ocrPage, _ := deid.NewOCRPage(1, 100, 100, nil)

	out, err := m.Apply([]image.Image{src}, []deid.OCRPage{ocrPage}, []deid.MaskRegion{
		region(t, 1, 40, 40, 20, 20),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !isBlack(out[0].At(100, 100)) {
		t.Fatalf("scaled region centre should be black")
	}
	if isBlack(out[0].At(60, 60)) {
		t.Fatalf("point left of scaled region should be untouched")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	m := newMasker(t)
	src := whitePage(100, 100)
	ocrPage, _ := deid.NewOCRPage(1, 100, 100, nil)
	regions := []deid.MaskRegion{region(t, 1, 10, 10, 40, 40)}

	once, err := m.Apply([]image.Image{src}, []deid.OCRPage{ocrPage}, regions)
	if err != nil {
		t.Fatalf("Apply once: %v", err)
	}
	twice, err := m.Apply(once, []deid.OCRPage{ocrPage}, regions)
	if err != nil {
		t.Fatalf("Apply twice: %v", err)
	}
	b := once[0].Bounds()
	for y := b.Min.Y; y < b.Max.Y; y += 7 {
		for x := b.Min.X; x < b.Max.X; x += 7 {
			r1, g1, b1, _ := once[0].At(x, y).RGBA()
			r2, g2, b2, _ := twice[0].At(x, y).RGBA()
			if r1 != r2 || g1 != g2 || b1 != b2 {
				t.Fatalf("pixel (%d,%d) changed on second pass", x, y)
			}
		}
	}
}

func TestApplyRejectsInconsistentRegion(t *testing.T) {
	m := newMasker(t)
	src := whitePage(100, 100)
	ocrPage, _ := deid.NewOCRPage(1, 100, 100, nil)

	bad := region(t, 1, 10, 10, 20, 20)
	bad.Page = 2 // disagrees with Box.Page
	if _, err := m.Apply([]image.Image{src}, []deid.OCRPage{ocrPage}, []deid.MaskRegion{bad}); err == nil {
		t.Fatalf("want error for region/box page mismatch")
	}
}

func TestNewImageMaskerRefusesDebugInProduction(t *testing.T) {
	t.Setenv("MASK_DEBUG_MODE", "true")
	t.Setenv("APP_ENV", "production")
	if _, err := NewImageMasker(testLogger(t)); err == nil {
		t.Fatalf("debug mode must be refused in production")
	}
}
