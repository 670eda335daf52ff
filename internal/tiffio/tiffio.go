// Package tiffio reads and writes multi-page TIFF containers.
//
// The pixel codec for a single page is golang.org/x/image/tiff; what it
// cannot do is walk or build the IFD chain that makes a TIFF
// multi-page, so this package handles the container: splitting a
// multi-page file into standalone single-page files, merging
// single-page files back into one document, and appending pages one at
// a time to a BigTIFF for documents too large to assemble in memory.
//
// Classic TIFF and BigTIFF are both accepted on the read side. Written
// pages are always little-endian; classic on the merge path, BigTIFF on
// the streaming path.
package tiffio

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
)

// TIFF tags the container layer cares about.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagXResolution     = 282
	tagYResolution     = 283
	tagResolutionUnit  = 296
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
)

// Pointer tags reference other IFDs by absolute offset and cannot
// survive a page being re-homed, so they are dropped during repack.
var pointerTags = map[uint16]bool{
	330:   true, // SubIFDs
	513:   true, // JPEGInterchangeFormat (old-style JPEG)
	514:   true, // JPEGInterchangeFormatLength
	34665: true, // EXIF IFD
	34853: true, // GPS IFD
	40965: true, // Interoperability IFD
}

// Field types, per TIFF 6.0 and the BigTIFF extension.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeIFD       = 13
	typeLong8     = 16
	typeSLong8    = 17
	typeIFD8      = 18
)

// typeElemSize is the width of one serialised element. Rationals are
// streams of two 4-byte halves, so their element size is 4 with the
// element count doubled.
func typeElemSize(t uint16) int {
	switch t {
	case typeByte, typeASCII, typeSByte, typeUndefined:
		return 1
	case typeShort, typeSShort:
		return 2
	case typeLong, typeSLong, typeFloat, typeIFD, typeRational, typeSRational:
		return 4
	case typeDouble, typeLong8, typeSLong8, typeIFD8:
		return 8
	default:
		return 0
	}
}

// typeSize is the full serialised size of one logical value.
func typeSize(t uint16) int {
	switch t {
	case typeRational, typeSRational:
		return 8
	default:
		return typeElemSize(t)
	}
}

type ifdEntry struct {
	Tag   uint16
	Type  uint16
	Count uint64
	// value holds the resolved bytes in the source byte order,
	// regardless of whether they were stored inline or out of line.
	value []byte
}

func (e ifdEntry) byteLen() int { return len(e.value) }

// uints decodes integer-typed values (BYTE, SHORT, LONG, LONG8, IFD).
func (e ifdEntry) uints(order binary.ByteOrder) ([]uint64, error) {
	var elem int
	switch e.Type {
	case typeByte:
		elem = 1
	case typeShort:
		elem = 2
	case typeLong, typeIFD:
		elem = 4
	case typeLong8, typeIFD8:
		elem = 8
	default:
		return nil, fmt.Errorf("tag %d: type %d is not an unsigned integer type", e.Tag, e.Type)
	}
	if uint64(len(e.value)) < e.Count*uint64(elem) {
		return nil, fmt.Errorf("tag %d: truncated value", e.Tag)
	}
	out := make([]uint64, e.Count)
	for i := range out {
		off := i * elem
		switch elem {
		case 1:
			out[i] = uint64(e.value[off])
		case 2:
			out[i] = uint64(order.Uint16(e.value[off:]))
		case 4:
			out[i] = uint64(order.Uint32(e.value[off:]))
		case 8:
			out[i] = order.Uint64(e.value[off:])
		}
	}
	return out, nil
}

// firstUint is a convenience for single-valued integer tags.
func (e ifdEntry) firstUint(order binary.ByteOrder) (uint64, bool) {
	vals, err := e.uints(order)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

// rational decodes the first RATIONAL value.
func (e ifdEntry) rational(order binary.ByteOrder) (num, den uint32, ok bool) {
	if e.Type != typeRational || len(e.value) < 8 {
		return 0, 0, false
	}
	return order.Uint32(e.value[0:4]), order.Uint32(e.value[4:8]), true
}

// parsedFile is one TIFF container with its IFD chain resolved.
type parsedFile struct {
	data  []byte
	order binary.ByteOrder
	big   bool
	pages []parsedPage
}

type parsedPage struct {
	entries []ifdEntry
}

func (p parsedPage) find(tag uint16) (ifdEntry, bool) {
	for _, e := range p.entries {
		if e.Tag == tag {
			return e, true
		}
	}
	return ifdEntry{}, false
}

func formatErr(format string, args ...interface{}) error {
	return &deid.FormatError{Format: "tiff", Err: fmt.Errorf(format, args...)}
}

// parseHeader reads the 8 (classic) or 16 (BigTIFF) byte header.
func parseHeader(data []byte) (order binary.ByteOrder, big bool, firstIFD uint64, err error) {
	if len(data) < 8 {
		return nil, false, 0, formatErr("file too short for TIFF header (%d bytes)", len(data))
	}
	switch {
	case data[0] == 'I' && data[1] == 'I':
		order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, false, 0, formatErr("bad byte-order mark %q", data[0:2])
	}
	switch magic := order.Uint16(data[2:4]); magic {
	case 42:
		return order, false, uint64(order.Uint32(data[4:8])), nil
	case 43:
		if len(data) < 16 {
			return nil, false, 0, formatErr("file too short for BigTIFF header")
		}
		if order.Uint16(data[4:6]) != 8 || order.Uint16(data[6:8]) != 0 {
			return nil, false, 0, formatErr("unsupported BigTIFF offset size")
		}
		return order, true, order.Uint64(data[8:16]), nil
	default:
		return nil, false, 0, formatErr("bad magic %d", magic)
	}
}

// parse walks the whole IFD chain, resolving every entry's value bytes.
// A cycle or out-of-range offset fails rather than looping.
func parse(data []byte) (*parsedFile, error) {
	order, big, off, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	f := &parsedFile{data: data, order: order, big: big}
	seen := map[uint64]bool{}
	for off != 0 {
		if seen[off] {
			return nil, formatErr("IFD chain loops at offset %d", off)
		}
		seen[off] = true
		page, next, err := f.readIFD(off)
		if err != nil {
			return nil, err
		}
		f.pages = append(f.pages, page)
		off = next
	}
	if len(f.pages) == 0 {
		return nil, formatErr("no IFDs")
	}
	return f, nil
}

func (f *parsedFile) readIFD(off uint64) (parsedPage, uint64, error) {
	var (
		entrySize  uint64
		countSize  uint64
		nextSize   uint64
		inlineSize int
	)
	if f.big {
		entrySize, countSize, nextSize, inlineSize = 20, 8, 8, 8
	} else {
		entrySize, countSize, nextSize, inlineSize = 12, 2, 4, 4
	}

	if off+countSize > uint64(len(f.data)) {
		return parsedPage{}, 0, formatErr("IFD offset %d out of range", off)
	}
	var n uint64
	if f.big {
		n = f.order.Uint64(f.data[off:])
	} else {
		n = uint64(f.order.Uint16(f.data[off:]))
	}
	if n == 0 || n > 1<<16 {
		return parsedPage{}, 0, formatErr("implausible IFD entry count %d", n)
	}
	end := off + countSize + n*entrySize + nextSize
	if end > uint64(len(f.data)) {
		return parsedPage{}, 0, formatErr("IFD at %d truncated", off)
	}

	page := parsedPage{entries: make([]ifdEntry, 0, n)}
	for i := uint64(0); i < n; i++ {
		base := off + countSize + i*entrySize
		e := ifdEntry{
			Tag:  f.order.Uint16(f.data[base:]),
			Type: f.order.Uint16(f.data[base+2:]),
		}
		var valueField []byte
		if f.big {
			e.Count = f.order.Uint64(f.data[base+4:])
			valueField = f.data[base+12 : base+20]
		} else {
			e.Count = uint64(f.order.Uint32(f.data[base+4:]))
			valueField = f.data[base+8 : base+12]
		}
		size := typeSize(e.Type)
		if size == 0 {
			// Unknown field type; carry it only if it fits inline,
			// since its true length cannot be known.
			e.value = append([]byte(nil), valueField...)
			page.entries = append(page.entries, e)
			continue
		}
		total := uint64(size) * e.Count
		if total > uint64(len(f.data)) {
			return parsedPage{}, 0, formatErr("tag %d: value length %d exceeds file", e.Tag, total)
		}
		if total <= uint64(inlineSize) {
			e.value = append([]byte(nil), valueField[:total]...)
		} else {
			var voff uint64
			if f.big {
				voff = f.order.Uint64(valueField)
			} else {
				voff = uint64(f.order.Uint32(valueField))
			}
			if voff+total > uint64(len(f.data)) {
				return parsedPage{}, 0, formatErr("tag %d: value at %d out of range", e.Tag, voff)
			}
			e.value = append([]byte(nil), f.data[voff:voff+total]...)
		}
		page.entries = append(page.entries, e)
	}

	var next uint64
	nextPos := off + countSize + n*entrySize
	if f.big {
		next = f.order.Uint64(f.data[nextPos:])
	} else {
		next = uint64(f.order.Uint32(f.data[nextPos:]))
	}
	return page, next, nil
}

// chunkRefs returns the page's pixel-data chunks (strips or tiles) with
// their offset/count tags.
func (f *parsedFile) chunkRefs(page parsedPage) (offTag, cntTag uint16, offsets, counts []uint64, err error) {
	offEntry, haveStrips := page.find(tagStripOffsets)
	cntEntry, haveStripCounts := page.find(tagStripByteCounts)
	offTag, cntTag = tagStripOffsets, tagStripByteCounts
	if !haveStrips {
		offEntry, haveStrips = page.find(tagTileOffsets)
		cntEntry, haveStripCounts = page.find(tagTileByteCounts)
		offTag, cntTag = tagTileOffsets, tagTileByteCounts
	}
	if !haveStrips || !haveStripCounts {
		return 0, 0, nil, nil, formatErr("page has no strip or tile data")
	}
	offsets, err = offEntry.uints(f.order)
	if err != nil {
		return 0, 0, nil, nil, formatErr("bad chunk offsets: %v", err)
	}
	counts, err = cntEntry.uints(f.order)
	if err != nil {
		return 0, 0, nil, nil, formatErr("bad chunk byte counts: %v", err)
	}
	if len(offsets) != len(counts) {
		return 0, 0, nil, nil, formatErr("chunk offsets (%d) and counts (%d) disagree", len(offsets), len(counts))
	}
	for i := range offsets {
		if offsets[i]+counts[i] > uint64(len(f.data)) {
			return 0, 0, nil, nil, formatErr("chunk %d out of range", i)
		}
	}
	return offTag, cntTag, offsets, counts, nil
}

// convertValue re-serialises a value's bytes from the source byte order
// into little-endian output order.
func convertValue(src []byte, typ uint16, srcOrder binary.ByteOrder) []byte {
	elem := typeElemSize(typ)
	out := append([]byte(nil), src...)
	if elem <= 1 || srcOrder == binary.LittleEndian {
		return out
	}
	for i := 0; i+elem <= len(out); i += elem {
		for a, b := i, i+elem-1; a < b; a, b = a+1, b-1 {
			out[a], out[b] = out[b], out[a]
		}
	}
	return out
}

func sortEntries(entries []ifdEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Tag < entries[j].Tag })
}
