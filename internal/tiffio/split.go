package tiffio

import (
	"github.com/veilhealth/veil-backend/internal/domain/deid"
)

// Split breaks a multi-page TIFF into standalone single-page classic
// TIFF files and extracts the container metadata the save path needs to
// reproduce the original's resolution and compression.
func Split(data []byte) ([][]byte, deid.DocumentMetadata, error) {
	f, err := parse(data)
	if err != nil {
		return nil, deid.DocumentMetadata{}, err
	}
	meta := metadataFrom(f)
	pages := make([][]byte, 0, len(f.pages))
	for _, p := range f.pages {
		mem := &memFile{}
		w, err := NewWriter(mem, false)
		if err != nil {
			return nil, meta, err
		}
		// Keep the page's own tags untouched; the zero metadata means
		// no resolution override.
		if err := w.appendParsed(f, p, deid.DocumentMetadata{}); err != nil {
			return nil, meta, err
		}
		if err := w.Finish(); err != nil {
			return nil, meta, err
		}
		pages = append(pages, mem.Bytes())
	}
	return pages, meta, nil
}

// Merge assembles single-page TIFFs into one classic multi-page file,
// stamping every page with the document resolution.
func Merge(pages [][]byte, meta deid.DocumentMetadata) ([]byte, error) {
	mem := &memFile{}
	w, err := NewWriter(mem, false)
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		if err := w.AppendPage(p, meta); err != nil {
			return nil, err
		}
	}
	if err := w.Finish(); err != nil {
		return nil, err
	}
	return mem.Bytes(), nil
}

// PageCount walks the IFD chain without materialising pages.
func PageCount(data []byte) (int, error) {
	f, err := parse(data)
	if err != nil {
		return 0, err
	}
	return len(f.pages), nil
}

// IsTIFF reports whether the bytes start with a TIFF or BigTIFF header.
func IsTIFF(data []byte) bool {
	_, _, _, err := parseHeader(data)
	return err == nil
}

func metadataFrom(f *parsedFile) deid.DocumentMetadata {
	meta := deid.DocumentMetadata{
		Format:    deid.FormatTIFF,
		PageCount: len(f.pages),
	}
	first := f.pages[0]

	unit := uint64(2) // inches unless declared otherwise
	if e, ok := first.find(tagResolutionUnit); ok {
		if v, ok := e.firstUint(f.order); ok {
			unit = v
		}
	}
	scale := 1.0
	if unit == 3 {
		scale = 2.54 // stored per centimetre
	}
	if e, ok := first.find(tagXResolution); ok {
		if num, den, ok := e.rational(f.order); ok && den != 0 {
			meta.DPIX = float64(num) / float64(den) * scale
		}
	}
	if e, ok := first.find(tagYResolution); ok {
		if num, den, ok := e.rational(f.order); ok && den != 0 {
			meta.DPIY = float64(num) / float64(den) * scale
		}
	}

	if e, ok := first.find(tagCompression); ok {
		if v, ok := e.firstUint(f.order); ok {
			meta.Compression = compressionName(v)
		}
	}
	meta.ColorMode = colorModeFrom(f, first)
	return meta
}

func compressionName(v uint64) string {
	switch v {
	case 1:
		return "none"
	case 2, 3, 4:
		return "ccitt"
	case 5:
		return "lzw"
	case 7:
		return "jpeg"
	case 8, 32946:
		return "deflate"
	case 32773:
		return "packbits"
	default:
		return "unknown"
	}
}

func colorModeFrom(f *parsedFile, page parsedPage) string {
	var photometric, bits uint64
	if e, ok := page.find(tagPhotometric); ok {
		photometric, _ = e.firstUint(f.order)
	}
	if e, ok := page.find(tagBitsPerSample); ok {
		bits, _ = e.firstUint(f.order)
	}
	switch photometric {
	case 0, 1:
		if bits <= 1 {
			return "bilevel"
		}
		return "grayscale"
	case 2:
		return "rgb"
	case 3:
		return "palette"
	default:
		return "unknown"
	}
}
