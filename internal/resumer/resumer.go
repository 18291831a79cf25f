// Package resumer persists a torrent's present-pieces bitmap to a flat
// sidecar file next to its content, per the engine's resume design: one
// file per torrent, removed on full completion.
package resumer

import (
	"os"

	"github.com/bitforge/torrent/internal/bitfield"
)

// FileResumer implements piece.Resumer against a single file holding the
// present-pieces bitmap in little-endian packed order (bit i lives at
// byte i/8, bit i%8, LSB first), distinct from the MSB-first wire
// bitfield format.
type FileResumer struct {
	path string
	n    int
}

// New returns a resumer backed by path, for a torrent of n pieces. The
// file need not exist yet; Load treats a missing file as "no saved
// state".
func New(path string, n int) *FileResumer {
	return &FileResumer{path: path, n: n}
}

// Load reads the sidecar file, returning (nil, nil) if it does not
// exist.
func (r *FileResumer) Load() (*bitfield.Bitfield, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	bf := bitfield.New(r.n)
	for i := 0; i < r.n; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		if byteIdx < len(data) && data[byteIdx]&(1<<bitIdx) != 0 {
			bf.Set(uint32(i))
		}
	}
	return bf, nil
}

// Save durably writes bf via a temp-file-then-rename to avoid leaving a
// half-written sidecar file on a crash mid-save.
func (r *FileResumer) Save(bf *bitfield.Bitfield) error {
	out := make([]byte, (r.n+7)/8)
	for i := 0; i < r.n; i++ {
		if bf.Test(uint32(i)) {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Remove deletes the sidecar file; a missing file is not an error.
func (r *FileResumer) Remove() error {
	err := os.Remove(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
