package tiffio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
)

var le = binary.LittleEndian

// outEntry is one IFD entry ready for serialisation: value bytes are
// already little-endian.
type outEntry struct {
	Tag   uint16
	Type  uint16
	Count uint64
	Value []byte
}

// Writer assembles a TIFF container one page at a time. All writes go
// through an io.WriterAt so the same code serves the in-memory merge
// path and the file-backed streaming path. Classic TIFF for merges,
// BigTIFF for streams.
type Writer struct {
	dst        io.WriterAt
	big        bool
	end        uint64
	prevPtrPos uint64
	pages      int
}

// NewWriter writes the container header and returns a writer positioned
// for the first page.
func NewWriter(dst io.WriterAt, big bool) (*Writer, error) {
	var hdr []byte
	var ptrPos uint64
	if big {
		hdr = make([]byte, 16)
		hdr[0], hdr[1] = 'I', 'I'
		le.PutUint16(hdr[2:], 43)
		le.PutUint16(hdr[4:], 8)
		le.PutUint16(hdr[6:], 0)
		ptrPos = 8
	} else {
		hdr = make([]byte, 8)
		hdr[0], hdr[1] = 'I', 'I'
		le.PutUint16(hdr[2:], 42)
		ptrPos = 4
	}
	if _, err := dst.WriteAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("write tiff header: %w", err)
	}
	return &Writer{dst: dst, big: big, end: uint64(len(hdr)), prevPtrPos: ptrPos}, nil
}

func (w *Writer) Pages() int { return w.pages }

// AppendPage adds the first page of the given single-page TIFF to the
// container. When meta carries a resolution, it replaces whatever the
// page declares, so every page of the output agrees with the document
// metadata.
func (w *Writer) AppendPage(page []byte, meta deid.DocumentMetadata) error {
	f, err := parse(page)
	if err != nil {
		return err
	}
	return w.appendParsed(f, f.pages[0], meta)
}

func (w *Writer) appendParsed(f *parsedFile, page parsedPage, meta deid.DocumentMetadata) error {
	offTag, cntTag, offsets, counts, err := f.chunkRefs(page)
	if err != nil {
		return err
	}
	chunks := make([][]byte, len(offsets))
	for i := range offsets {
		chunks[i] = f.data[offsets[i] : offsets[i]+counts[i]]
	}

	overrideRes := meta.DPIX > 0 || meta.DPIY > 0
	entries := make([]outEntry, 0, len(page.entries)+5)
	for _, e := range page.entries {
		switch {
		case pointerTags[e.Tag]:
			continue
		case e.Tag == tagStripOffsets || e.Tag == tagStripByteCounts ||
			e.Tag == tagTileOffsets || e.Tag == tagTileByteCounts:
			continue
		case overrideRes && (e.Tag == tagXResolution || e.Tag == tagYResolution || e.Tag == tagResolutionUnit):
			continue
		}
		entries = append(entries, outEntry{
			Tag:   e.Tag,
			Type:  e.Type,
			Count: e.Count,
			Value: convertValue(e.value, e.Type, f.order),
		})
	}
	if overrideRes {
		dpix, dpiy := meta.DPI()
		entries = append(entries, resolutionEntries(dpix, dpiy)...)
	}
	// Tiled sources keep their tile geometry tags (copied above); only
	// the chunk-referencing tags are rewritten for the new locations.
	return w.appendPage(entries, chunks, offTag, cntTag)
}

// appendPage writes chunk data followed by the page IFD and links it
// into the chain.
func (w *Writer) appendPage(entries []outEntry, chunks [][]byte, offTag, cntTag uint16) error {
	chunkOffsets := make([]uint64, len(chunks))
	chunkCounts := make([]uint64, len(chunks))
	for i, c := range chunks {
		w.end = align2(w.end)
		if _, err := w.dst.WriteAt(c, int64(w.end)); err != nil {
			return fmt.Errorf("write page data: %w", err)
		}
		chunkOffsets[i] = w.end
		chunkCounts[i] = uint64(len(c))
		w.end += uint64(len(c))
	}

	var offType uint16 = typeLong
	if w.big {
		offType = typeLong8
	}
	entries = append(entries,
		outEntry{Tag: offTag, Type: offType, Count: uint64(len(chunks)), Value: packUints(chunkOffsets, offType)},
		outEntry{Tag: cntTag, Type: offType, Count: uint64(len(chunks)), Value: packUints(chunkCounts, offType)},
	)
	sortOutEntries(entries)

	var entrySize, countSize, ptrSize, inline uint64
	if w.big {
		entrySize, countSize, ptrSize, inline = 20, 8, 8, 8
	} else {
		entrySize, countSize, ptrSize, inline = 12, 2, 4, 4
	}
	n := uint64(len(entries))
	ifdPos := align2(w.end)
	ifdSize := countSize + n*entrySize + ptrSize

	// Out-of-line values live immediately after the IFD.
	valPos := ifdPos + ifdSize
	buf := make([]byte, ifdSize)
	vals := []byte{}
	if w.big {
		le.PutUint64(buf, n)
	} else {
		le.PutUint16(buf, uint16(n))
	}
	for i, e := range entries {
		base := countSize + uint64(i)*entrySize
		le.PutUint16(buf[base:], e.Tag)
		le.PutUint16(buf[base+2:], e.Type)
		var valueField []byte
		if w.big {
			le.PutUint64(buf[base+4:], e.Count)
			valueField = buf[base+12 : base+20]
		} else {
			if e.Count > math.MaxUint32 {
				return fmt.Errorf("tag %d: count %d exceeds classic tiff limits", e.Tag, e.Count)
			}
			le.PutUint32(buf[base+4:], uint32(e.Count))
			valueField = buf[base+8 : base+12]
		}
		if uint64(len(e.Value)) <= inline {
			copy(valueField, e.Value)
			continue
		}
		off := valPos + uint64(len(vals))
		if !w.big {
			if off > math.MaxUint32 {
				return fmt.Errorf("classic tiff overflow at offset %d; use the streaming writer", off)
			}
			le.PutUint32(valueField, uint32(off))
		} else {
			le.PutUint64(valueField, off)
		}
		vals = append(vals, e.Value...)
		if len(vals)%2 == 1 {
			vals = append(vals, 0)
		}
	}
	// Next-IFD pointer starts as end-of-chain; a following page patches it.
	if _, err := w.dst.WriteAt(buf, int64(ifdPos)); err != nil {
		return fmt.Errorf("write page IFD: %w", err)
	}
	if len(vals) > 0 {
		if _, err := w.dst.WriteAt(vals, int64(valPos)); err != nil {
			return fmt.Errorf("write IFD values: %w", err)
		}
	}
	if err := w.patchPointer(ifdPos); err != nil {
		return err
	}
	w.prevPtrPos = ifdPos + countSize + n*entrySize
	w.end = valPos + uint64(len(vals))
	w.pages++
	return nil
}

func (w *Writer) patchPointer(ifdPos uint64) error {
	var ptr []byte
	if w.big {
		ptr = make([]byte, 8)
		le.PutUint64(ptr, ifdPos)
	} else {
		if ifdPos > math.MaxUint32 {
			return fmt.Errorf("classic tiff overflow at IFD offset %d; use the streaming writer", ifdPos)
		}
		ptr = make([]byte, 4)
		le.PutUint32(ptr, uint32(ifdPos))
	}
	if _, err := w.dst.WriteAt(ptr, int64(w.prevPtrPos)); err != nil {
		return fmt.Errorf("link page IFD: %w", err)
	}
	return nil
}

// Finish validates that at least one page was written. The chain is
// already terminated; there is nothing left to flush.
func (w *Writer) Finish() error {
	if w.pages == 0 {
		return fmt.Errorf("tiff writer finished with no pages")
	}
	return nil
}

func align2(v uint64) uint64 { return (v + 1) &^ 1 }

func packUints(vals []uint64, typ uint16) []byte {
	if typ == typeLong8 {
		out := make([]byte, 8*len(vals))
		for i, v := range vals {
			le.PutUint64(out[i*8:], v)
		}
		return out
	}
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		le.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

func resolutionEntries(dpix, dpiy float64) []outEntry {
	return []outEntry{
		{Tag: tagXResolution, Type: typeRational, Count: 1, Value: rationalBytes(dpix)},
		{Tag: tagYResolution, Type: typeRational, Count: 1, Value: rationalBytes(dpiy)},
		{Tag: tagResolutionUnit, Type: typeShort, Count: 1, Value: shortBytes(2)}, // inches
	}
}

func rationalBytes(v float64) []byte {
	out := make([]byte, 8)
	le.PutUint32(out, uint32(math.Round(v*100)))
	le.PutUint32(out[4:], 100)
	return out
}

func shortBytes(v uint16) []byte {
	out := make([]byte, 2)
	le.PutUint16(out, v)
	return out
}

func sortOutEntries(entries []outEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Tag < entries[j-1].Tag; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// memFile is a growable in-memory io.WriterAt for the merge path.
type memFile struct {
	b []byte
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.b) {
		grown := make([]byte, end)
		copy(grown, m.b)
		m.b = grown
	}
	copy(m.b[off:], p)
	return len(p), nil
}

func (m *memFile) Bytes() []byte { return m.b }
