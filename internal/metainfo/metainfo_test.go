package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var b []byte
	for v > 0 {
		b = append([]byte{byte('0' + v%10)}, b...)
		v /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func strconv(s string) string { return itoa(int64(len(s))) + ":" + s }

// buildInfo builds a raw bencoded info dict by hand (avoids depending on
// our own encoder, which the info hash must not rely on anyway).
func buildInfo(t *testing.T, name string, pieceLen int64, numPieces int, lastPieceLen int64) []byte {
	t.Helper()
	var piecesBuf bytes.Buffer
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		piecesBuf.Write(h[:])
	}
	var b bytes.Buffer
	b.WriteString("d")
	total := pieceLen*int64(numPieces-1) + lastPieceLen
	b.WriteString("6:length")
	b.WriteString("i" + itoa(total) + "e")
	b.WriteString("4:name")
	b.WriteString(strconv(name))
	b.WriteString("12:piece length")
	b.WriteString("i" + itoa(pieceLen) + "e")
	b.WriteString("6:pieces")
	b.WriteString(itoa(int64(piecesBuf.Len())) + ":")
	b.Write(piecesBuf.Bytes())
	b.WriteString("e")
	return b.Bytes()
}

func TestNewInfoSingleFileLastPieceShorter(t *testing.T) {
	raw := buildInfo(t, "a.bin", 16384, 3, 7232)
	info, err := NewInfo(raw)
	require.NoError(t, err)
	assert.Equal(t, "a.bin", info.Name)
	assert.Equal(t, int64(40000), info.Length)
	assert.Equal(t, 3, info.NumPieces())
	assert.Equal(t, int64(16384), info.PieceLen(0))
	assert.Equal(t, int64(16384), info.PieceLen(1))
	assert.Equal(t, int64(7232), info.PieceLen(2))
	assert.Equal(t, sha1.Sum(raw), info.Hash)
}

func TestNewInfoExactMultiple(t *testing.T) {
	raw := buildInfo(t, "exact.bin", 16384, 2, 16384)
	info, err := NewInfo(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, info.NumPieces())
	assert.Equal(t, int64(16384), info.PieceLen(1))
}

func TestNewInfoRejectsBadPieces(t *testing.T) {
	raw := []byte("d4:name1:a12:piece lengthi16384e6:pieces3:abce")
	_, err := NewInfo(raw)
	assert.ErrorIs(t, err, ErrBadPieces)
}

func TestNewInfoRejectsMissingName(t *testing.T) {
	raw := []byte("d6:lengthi1e12:piece lengthi16384e6:pieces0:e")
	_, err := NewInfo(raw)
	assert.ErrorIs(t, err, ErrMissingName)
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	assert.ErrorIs(t, validatePath([]string{"..", "etc"}), ErrBadPath)
	assert.ErrorIs(t, validatePath([]string{"/etc"}), ErrBadPath)
	assert.ErrorIs(t, validatePath([]string{""}), ErrBadPath)
	assert.NoError(t, validatePath([]string{"sub", "y"}))
}

func TestGetTrackersFallsBackToAnnounce(t *testing.T) {
	mi := &MetaInfo{Announce: "http://tracker.example/announce"}
	tiers := mi.GetTrackers()
	require.Len(t, tiers, 1)
	assert.Equal(t, []string{"http://tracker.example/announce"}, tiers[0])
}

func TestGetTrackersUsesAnnounceList(t *testing.T) {
	mi := &MetaInfo{
		Announce:     "http://primary/announce",
		AnnounceList: [][]string{{"http://primary/announce"}, {"udp://backup:80"}},
	}
	tiers := mi.GetTrackers()
	require.Len(t, tiers, 2)
	assert.Equal(t, []string{"udp://backup:80"}, tiers[1])
}

func TestMultiFileOffsetsArePrefixSums(t *testing.T) {
	// files = [{len 10000, ["x"]}, {len 20000, ["sub","y"]}]
	raw := buildMultiFileInfo(t, "root", 16384, []rawFile{
		{Length: 10000, Path: []string{"x"}},
		{Length: 20000, Path: []string{"sub", "y"}},
	})
	info, err := NewInfo(raw)
	require.NoError(t, err)
	require.Len(t, info.Files, 2)
	assert.Equal(t, int64(0), info.Files[0].Offset)
	assert.Equal(t, int64(10000), info.Files[1].Offset)
	assert.Equal(t, int64(30000), info.Length)
}

func buildMultiFileInfo(t *testing.T, name string, pieceLen int64, files []rawFile) []byte {
	t.Helper()
	var total int64
	for _, f := range files {
		total += f.Length
	}
	numPieces := int((total + pieceLen - 1) / pieceLen)
	var piecesBuf bytes.Buffer
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		piecesBuf.Write(h[:])
	}
	var b bytes.Buffer
	b.WriteString("d")
	b.WriteString("4:name")
	b.WriteString(strconv(name))
	b.WriteString("12:piece length")
	b.WriteString("i" + itoa(pieceLen) + "e")
	b.WriteString("6:pieces")
	b.WriteString(itoa(int64(piecesBuf.Len())) + ":")
	b.Write(piecesBuf.Bytes())
	b.WriteString("5:files")
	b.WriteString("l")
	for _, f := range files {
		b.WriteString("d6:lengthi" + itoa(f.Length) + "e4:pathl")
		for _, p := range f.Path {
			b.WriteString(strconv(p))
		}
		b.WriteString("ee")
	}
	b.WriteString("e")
	b.WriteString("e")
	return b.Bytes()
}
