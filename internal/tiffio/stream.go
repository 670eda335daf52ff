package tiffio

import (
	"fmt"
	"os"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
)

// StreamWriter appends pages one at a time to a file-backed BigTIFF.
// It exists for documents past the streaming threshold: the caller
// encodes and appends one page, drops it, and moves on, so peak memory
// stays at one decoded page regardless of document length. BigTIFF
// because a few hundred 300dpi pages walk straight past the 4GB offset
// ceiling of classic TIFF.
type StreamWriter struct {
	f      *os.File
	w      *Writer
	meta   deid.DocumentMetadata
	closed bool
}

// NewStreamWriter starts a BigTIFF at the given path (truncating any
// existing file). The metadata's resolution is stamped on every page.
func NewStreamWriter(path string, meta deid.DocumentMetadata) (*StreamWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open stream output %q: %w", path, err)
	}
	w, err := NewWriter(f, true)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &StreamWriter{f: f, w: w, meta: meta}, nil
}

// AppendPage adds one single-page TIFF to the output.
func (s *StreamWriter) AppendPage(page []byte) error {
	if s.closed {
		return fmt.Errorf("stream writer already closed")
	}
	return s.w.AppendPage(page, s.meta)
}

func (s *StreamWriter) Pages() int { return s.w.Pages() }

// Close finalises the container and syncs the file. The file stays on
// disk for the caller to hand off or read back.
func (s *StreamWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Finish(); err != nil {
		_ = s.f.Close()
		return err
	}
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("sync stream output: %w", err)
	}
	return s.f.Close()
}

// Abort closes and removes the partial output.
func (s *StreamWriter) Abort() {
	if !s.closed {
		s.closed = true
		_ = s.f.Close()
	}
	_ = os.Remove(s.f.Name())
}
