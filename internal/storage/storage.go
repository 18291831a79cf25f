// Package storage maps torrent pieces onto one or more files on disk:
// allocation, range reads/writes, and flushing, following the file
// mapper design in the engine spec.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitforge/torrent/internal/metainfo"
)

// ErrShortRead is returned when a read could not return the full
// requested length (e.g. file truncated on disk after allocation).
var ErrShortRead = errors.New("storage: short read")

// fileHandle pairs an open file with its content-stream placement and a
// mutex that serializes writes/flushes touching this specific file (two
// adjacent pieces may share a file at the boundary).
type fileHandle struct {
	path   string
	offset int64 // start offset within the concatenated content stream
	length int64
	mu     sync.Mutex
	f      *os.File
}

// Storage is the file mapper for a single torrent: it maps piece byte
// ranges onto the torrent's file list, rooted at dir.
type Storage struct {
	info  *metainfo.Info
	dir   string
	files []*fileHandle
}

// New allocates (creating directories and extending files as needed) and
// returns a Storage rooted at dir. For a multi-file torrent, dir is the
// torrent's own root directory (named after the metainfo name by
// convention of the caller); for a single-file torrent dir is the parent
// directory of the lone file.
func New(dir string, info *metainfo.Info) (*Storage, error) {
	s := &Storage{info: info, dir: dir}
	multi := len(info.Files) > 1
	for _, mf := range info.Files {
		var full string
		if multi {
			parts := append([]string{dir}, mf.Path...)
			full = filepath.Join(parts...)
		} else {
			full = filepath.Join(dir, mf.Path[len(mf.Path)-1])
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}
		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: open: %w", err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: stat: %w", err)
		}
		if st.Size() < mf.Length {
			if err := f.Truncate(mf.Length); err != nil {
				f.Close()
				return nil, fmt.Errorf("storage: truncate: %w", err)
			}
		}
		s.files = append(s.files, &fileHandle{path: full, offset: mf.Offset, length: mf.Length, f: f})
	}
	return s, nil
}

// Close releases all open file handles.
func (s *Storage) Close() error {
	var first error
	for _, fh := range s.files {
		if err := fh.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Dest returns the root directory this storage was opened against.
func (s *Storage) Dest() string { return s.dir }

// span is one (file, local-offset, length) slice of a content-stream
// byte range.
type span struct {
	fh     *fileHandle
	local  int64
	length int64
}

func (s *Storage) spansFor(streamOffset, length int64) []span {
	var spans []span
	end := streamOffset + length
	for _, fh := range s.files {
		fend := fh.offset + fh.length
		if fend <= streamOffset || fh.offset >= end {
			continue
		}
		lo := streamOffset
		if fh.offset > lo {
			lo = fh.offset
		}
		hi := end
		if fend < hi {
			hi = fend
		}
		spans = append(spans, span{fh: fh, local: lo - fh.offset, length: hi - lo})
	}
	return spans
}

// WritePiece writes data (the full, verified contents of piece index)
// across whichever files its byte range overlaps, then flushes every
// touched file. Overlapping writes to the same file are serialized by
// that file's own mutex; writes touching disjoint files proceed without
// contention.
func (s *Storage) WritePiece(index int, data []byte) error {
	streamOffset := int64(index) * s.info.PieceLength
	spans := s.spansFor(streamOffset, int64(len(data)))
	var written int64
	for _, sp := range spans {
		sp.fh.mu.Lock()
		_, err := sp.fh.f.WriteAt(data[written:written+sp.length], sp.local)
		if err == nil {
			err = sp.fh.f.Sync()
		}
		sp.fh.mu.Unlock()
		if err != nil {
			return fmt.Errorf("storage: write piece %d: %w", index, err)
		}
		written += sp.length
	}
	return nil
}

// ReadRange reads exactly length bytes starting at offset within piece
// index, across file boundaries if necessary.
func (s *Storage) ReadRange(index int, offset, length int64) ([]byte, error) {
	streamOffset := int64(index)*s.info.PieceLength + offset
	spans := s.spansFor(streamOffset, length)
	buf := make([]byte, length)
	var read int64
	for _, sp := range spans {
		sp.fh.mu.Lock()
		n, err := io.ReadFull(io.NewSectionReader(sp.fh.f, sp.local, sp.length), buf[read:read+sp.length])
		sp.fh.mu.Unlock()
		if err != nil || int64(n) != sp.length {
			return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
		}
		read += sp.length
	}
	if read != length {
		return nil, ErrShortRead
	}
	return buf, nil
}

// ReadPiece reads the full piece_length(index) bytes of piece index, for
// hash verification.
func (s *Storage) ReadPiece(index int) ([]byte, error) {
	return s.ReadRange(index, 0, s.info.PieceLen(index))
}
