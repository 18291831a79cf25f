package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bitforge/torrent/internal/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFileAllocateAndWrite(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "a.bin",
		PieceLength: 16384,
		Length:      40000,
		Files:       []metainfo.File{{Path: []string{"a.bin"}, Length: 40000, Offset: 0}},
	}
	st, err := New(dir, info)
	require.NoError(t, err)
	defer st.Close()

	fi, err := os.Stat(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(40000), fi.Size())

	data := make([]byte, 7232)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, st.WritePiece(2, data))

	got, err := st.ReadPiece(2)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMultiFileAcrossPieceBoundary(t *testing.T) {
	// name="root", piece_length=16384
	// files=[{len 10000, ["x"]}, {len 20000, ["sub","y"]}]
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "root",
		PieceLength: 16384,
		Length:      30000,
		Files: []metainfo.File{
			{Path: []string{"x"}, Length: 10000, Offset: 0},
			{Path: []string{"sub", "y"}, Length: 20000, Offset: 10000},
		},
	}
	st, err := New(dir, info)
	require.NoError(t, err)
	defer st.Close()

	piece0 := make([]byte, 16384)
	for i := range piece0 {
		piece0[i] = 1
	}
	require.NoError(t, st.WritePiece(0, piece0))

	xFI, err := os.Stat(filepath.Join(dir, "x"))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), xFI.Size())

	// piece 0 writes 10000 bytes to root/x and 6384 bytes at offset 0 of root/sub/y
	xBytes, err := os.ReadFile(filepath.Join(dir, "x"))
	require.NoError(t, err)
	assert.Len(t, xBytes, 10000)
	for _, b := range xBytes {
		assert.Equal(t, byte(1), b)
	}

	yBytes, err := os.ReadFile(filepath.Join(dir, "sub", "y"))
	require.NoError(t, err)
	require.Len(t, yBytes, 20000)
	for _, b := range yBytes[:6384] {
		assert.Equal(t, byte(1), b)
	}

	piece1 := make([]byte, 13616)
	for i := range piece1 {
		piece1[i] = 2
	}
	require.NoError(t, st.WritePiece(1, piece1))

	yBytes, err = os.ReadFile(filepath.Join(dir, "sub", "y"))
	require.NoError(t, err)
	for _, b := range yBytes[6384:] {
		assert.Equal(t, byte(2), b)
	}

	got, err := st.ReadRange(1, 0, 13616)
	require.NoError(t, err)
	for _, b := range got {
		assert.Equal(t, byte(2), b)
	}
}

func TestReadRangeShortFails(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "a.bin",
		PieceLength: 1024,
		Length:      1024,
		Files:       []metainfo.File{{Path: []string{"a.bin"}, Length: 1024, Offset: 0}},
	}
	st, err := New(dir, info)
	require.NoError(t, err)
	defer st.Close()

	_, err = st.ReadRange(0, 0, 2048)
	assert.ErrorIs(t, err, ErrShortRead)
}
