package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bitforge/torrent/internal/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerIDHasClientPrefix(t *testing.T) {
	id, err := newPeerID()
	require.NoError(t, err)
	assert.Equal(t, "-BT0001-", string(id[:8]))
}

func TestAllFilesPresentSingleFile(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:   "a.bin",
		Length: 5,
		Files:  []metainfo.File{{Path: []string{"a.bin"}, Length: 5}},
	}
	assert.False(t, allFilesPresent(dir, info))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("hello"), 0o644))
	assert.True(t, allFilesPresent(dir, info))
}

func TestAllFilesPresentRejectsWrongSize(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:   "a.bin",
		Length: 5,
		Files:  []metainfo.File{{Path: []string{"a.bin"}, Length: 5}},
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("hi"), 0o644))
	assert.False(t, allFilesPresent(dir, info))
}

func TestContentPathSingleVsMultiFile(t *testing.T) {
	single := &Torrent{dest: "/downloads", info: &metainfo.Info{
		Name: "a.bin", Files: []metainfo.File{{Path: []string{"a.bin"}}},
	}}
	assert.Equal(t, filepath.Join("/downloads", "a.bin"), single.contentPath())

	multi := &Torrent{dest: "/downloads", info: &metainfo.Info{
		Name: "root", Files: []metainfo.File{{Path: []string{"x"}}, {Path: []string{"sub", "y"}}},
	}}
	assert.Equal(t, filepath.Join("/downloads", "root"), multi.contentPath())
}
