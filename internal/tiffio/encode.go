package tiffio

import (
	"bytes"
	"fmt"
	"image"

	xtiff "golang.org/x/image/tiff"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
)

// EncodePage encodes one page image as a standalone single-page classic
// TIFF with LZW-compressed strips. LZW keeps the output lossless, which
// the pipeline depends on: OCR coordinates were measured against these
// exact pixels.
//
// x/image/tiff decodes LZW but its encoder only emits uncompressed or
// deflate data, so strip compression is done here with the
// TIFF-flavoured LZW writer below.
func EncodePage(img image.Image, meta deid.DocumentMetadata) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("encode page: nil image")
	}
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("encode page: empty image %dx%d", width, height)
	}

	gray, isGray := img.(*image.Gray)
	samples := 3
	var photometric uint16 = 2 // RGB
	if isGray {
		samples = 1
		photometric = 1 // BlackIsZero
	}
	rowBytes := width * samples

	rowsPerStrip := 8192 / rowBytes
	if rowsPerStrip < 1 {
		rowsPerStrip = 1
	}
	if rowsPerStrip > height {
		rowsPerStrip = height
	}

	var chunks [][]byte
	raw := make([]byte, 0, rowBytes*rowsPerStrip)
	for ry0 := 0; ry0 < height; ry0 += rowsPerStrip {
		ry1 := ry0 + rowsPerStrip
		if ry1 > height {
			ry1 = height
		}
		raw = raw[:0]
		for ry := ry0; ry < ry1; ry++ {
			if isGray {
				off := ry * gray.Stride
				raw = append(raw, gray.Pix[off:off+width]...)
			} else {
				raw = appendRGBRowAt(raw, img, b, b.Min.Y+ry)
			}
		}
		compressed, err := lzwCompress(raw)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, compressed)
	}

	bitsValue := shortBytes(8)
	if samples == 3 {
		bitsValue = append(append(shortBytes(8), shortBytes(8)...), shortBytes(8)...)
	}
	dpix, dpiy := meta.DPI()
	entries := []outEntry{
		{Tag: tagImageWidth, Type: typeLong, Count: 1, Value: longBytes(uint32(width))},
		{Tag: tagImageLength, Type: typeLong, Count: 1, Value: longBytes(uint32(height))},
		{Tag: tagBitsPerSample, Type: typeShort, Count: uint64(samples), Value: bitsValue},
		{Tag: tagCompression, Type: typeShort, Count: 1, Value: shortBytes(5)}, // LZW
		{Tag: tagPhotometric, Type: typeShort, Count: 1, Value: shortBytes(photometric)},
		{Tag: 277, Type: typeShort, Count: 1, Value: shortBytes(uint16(samples))}, // SamplesPerPixel
		{Tag: tagRowsPerStrip, Type: typeLong, Count: 1, Value: longBytes(uint32(rowsPerStrip))},
	}
	entries = append(entries, resolutionEntries(dpix, dpiy)...)

	mem := &memFile{}
	w, err := NewWriter(mem, false)
	if err != nil {
		return nil, err
	}
	if err := w.appendPage(entries, chunks, tagStripOffsets, tagStripByteCounts); err != nil {
		return nil, err
	}
	return mem.Bytes(), nil
}

func appendRGBRowAt(dst []byte, img image.Image, b image.Rectangle, y int) []byte {
	switch src := img.(type) {
	case *image.NRGBA:
		row := src.Pix[(y-b.Min.Y)*src.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst = append(dst, row[x*4], row[x*4+1], row[x*4+2])
		}
	case *image.RGBA:
		row := src.Pix[(y-b.Min.Y)*src.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst = append(dst, row[x*4], row[x*4+1], row[x*4+2])
		}
	default:
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			dst = append(dst, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}
	return dst
}

// DecodePage decodes one single-page TIFF into pixels.
func DecodePage(data []byte) (image.Image, error) {
	img, err := xtiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &deid.FormatError{Format: "tiff", Err: err}
	}
	return img, nil
}

// PageSize reads a page's dimensions without decoding pixel data.
func PageSize(data []byte) (width, height int, err error) {
	cfg, err := xtiff.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, &deid.FormatError{Format: "tiff", Err: err}
	}
	return cfg.Width, cfg.Height, nil
}

func longBytes(v uint32) []byte {
	out := make([]byte, 4)
	le.PutUint32(out, v)
	return out
}

// lzwCompress implements the TIFF 6.0 flavour of LZW: MSB-first bit
// packing, 8-bit literals, Clear=256, EOI=257, and the "early change"
// rule where the code width grows one code sooner than plain LZW.
// compress/lzw lacks early change and x/image/tiff's lzw fork is
// read-only, hence this writer.
func lzwCompress(src []byte) ([]byte, error) {
	const (
		clearCode = 256
		eoiCode   = 257
		firstCode = 258
		maxWidth  = 12
	)
	var (
		out      bytes.Buffer
		bitBuf   uint32
		bitCount uint
		width    uint = 9
	)
	writeCode := func(code uint16) {
		bitBuf = bitBuf<<width | uint32(code)
		bitCount += width
		for bitCount >= 8 {
			out.WriteByte(byte(bitBuf >> (bitCount - 8)))
			bitCount -= 8
		}
	}
	flushBits := func() {
		if bitCount > 0 {
			out.WriteByte(byte(bitBuf << (8 - bitCount)))
			bitCount = 0
		}
	}

	// Table keys are prefixCode<<8 | nextByte.
	table := make(map[uint32]uint16, 4096)
	nextCode := uint16(firstCode)
	reset := func() {
		for k := range table {
			delete(table, k)
		}
		nextCode = firstCode
		width = 9
	}

	writeCode(clearCode)
	if len(src) == 0 {
		writeCode(eoiCode)
		flushBits()
		return out.Bytes(), nil
	}

	prefix := uint16(src[0])
	for _, c := range src[1:] {
		key := uint32(prefix)<<8 | uint32(c)
		if code, ok := table[key]; ok {
			prefix = code
			continue
		}
		writeCode(prefix)
		table[key] = nextCode
		nextCode++
		// Early change: the width grows right after entry 511 (1023,
		// 2047) is added, one code sooner than plain LZW.
		switch nextCode {
		case 1 << 9, 1 << 10, 1 << 11:
			width++
		case 1<<maxWidth - 2:
			writeCode(clearCode)
			reset()
		}
		prefix = uint16(c)
	}
	writeCode(prefix)
	writeCode(eoiCode)
	flushBits()
	return out.Bytes(), nil
}
