package services

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// ImageMasker paints mask regions onto page copies. Sequential by
// design: large documents are bounded by one page of pixels at a time,
// and opaque paint is idempotent so overlapping regions need no special
// handling.
type ImageMasker struct {
	log      *logger.Logger
	debug    bool
	fontFace font.Face
}

// debugPalette keys semi-transparent debug fills by category.
var debugPalette = map[string]color.NRGBA{
	"name":          {R: 220, G: 60, B: 60, A: 120},
	"date":          {R: 60, G: 120, B: 220, A: 120},
	"mrn":           {R: 220, G: 160, B: 40, A: 120},
	"ssn":           {R: 160, G: 40, B: 220, A: 120},
	"provider_name": {R: 40, G: 180, B: 120, A: 120},
	"organization":  {R: 40, G: 180, B: 180, A: 120},
}

var debugFallbackColor = color.NRGBA{R: 128, G: 128, B: 128, A: 120}

// NewImageMasker builds the masker. Debug mode (coloured translucent
// fills) leaks region extents and category identity, so it refuses to
// start in production.
func NewImageMasker(log *logger.Logger) (*ImageMasker, error) {
	serviceLog := log.With("service", "ImageMasker")
	debug := utils.GetEnvAsBool("MASK_DEBUG_MODE", false, log)
	env := strings.ToLower(utils.GetEnv("APP_ENV", "development", log))
	if debug && (env == "production" || env == "prod") {
		return nil, fmt.Errorf("MASK_DEBUG_MODE is not allowed in production")
	}

	m := &ImageMasker{log: serviceLog, debug: debug}
	if debug {
		if fontPath := utils.GetEnv("DEBUG_LABEL_FONT_PATH", "", log); fontPath != "" {
			face, err := loadFontFace(fontPath, 14)
			if err != nil {
				serviceLog.Warn("Could not load debug label font; labels disabled", "error", err)
			} else {
				m.fontFace = face
			}
		}
		serviceLog.Warn("Image masker running in debug mode; output is NOT de-identified")
	}
	return m, nil
}

func loadFontFace(path string, points float64) (font.Face, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := truetype.Parse(raw)
	if err != nil {
		return nil, err
	}
	return truetype.NewFace(f, &truetype.Options{Size: points}), nil
}

// Apply returns masked copies of the pages; inputs are never mutated.
// Page numbering is 1-based to match region pages. OCR pages supply
// the coordinate space the regions were measured in, so normalised or
// downscaled provider coordinates land on the right pixels.
func (m *ImageMasker) Apply(pages []image.Image, ocrPages []deid.OCRPage, regions []deid.MaskRegion) ([]image.Image, error) {
	byPage := map[int][]deid.MaskRegion{}
	for _, r := range regions {
		if r.Box.Page != r.Page {
			return nil, fmt.Errorf("mask region page %d disagrees with box page %d", r.Page, r.Box.Page)
		}
		byPage[r.Page] = append(byPage[r.Page], r)
	}

	out := make([]image.Image, len(pages))
	for i, page := range pages {
		pageNo := i + 1
		pageRegions := byPage[pageNo]
		if len(pageRegions) == 0 {
			out[i] = imaging.Clone(page)
			continue
		}
		masked, err := m.maskPage(page, ocrPageFor(ocrPages, pageNo), pageRegions)
		if err != nil {
			return nil, err
		}
		out[i] = masked
	}
	return out, nil
}

func ocrPageFor(ocrPages []deid.OCRPage, pageNo int) *deid.OCRPage {
	for i := range ocrPages {
		if ocrPages[i].Number == pageNo {
			return &ocrPages[i]
		}
	}
	return nil
}

func (m *ImageMasker) maskPage(page image.Image, ocrPage *deid.OCRPage, regions []deid.MaskRegion) (image.Image, error) {
	clone := imaging.Clone(page)
	dc := gg.NewContextForImage(clone)

	sx, sy := 1.0, 1.0
	if ocrPage != nil && ocrPage.Width > 0 && ocrPage.Height > 0 {
		sx = float64(clone.Bounds().Dx()) / ocrPage.Width
		sy = float64(clone.Bounds().Dy()) / ocrPage.Height
	}

	for _, r := range regions {
		x := r.Box.X * sx
		y := r.Box.Y * sy
		w := r.Box.Width * sx
		h := r.Box.Height * sy
		if w <= 0 || h <= 0 {
			continue
		}
		if m.debug {
			fill, ok := debugPalette[strings.ToLower(r.Category)]
			if !ok {
				fill = debugFallbackColor
			}
			dc.SetColor(fill)
			dc.DrawRectangle(x, y, w, h)
			dc.Fill()
			if m.fontFace != nil {
				dc.SetFontFace(m.fontFace)
				dc.SetColor(color.Black)
				dc.DrawString(r.Category, x+2, y+12)
			}
			continue
		}
		dc.SetColor(color.Black)
		dc.DrawRectangle(x, y, w, h)
		dc.Fill()
	}
	return dc.Image(), nil
}
