// Package metainfo decodes bencoded torrent metainfo files and computes
// the info hash that identifies a torrent on trackers and the peer wire.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
	"strings"

	"github.com/zeebo/bencode"
)

// Errors returned by New and NewInfo. Callers should treat any of these
// as MalformedMetainfo, except ErrEmptyAnnounceList.
var (
	ErrNoInfoDict        = errors.New("metainfo: no info dict in torrent file")
	ErrMissingName       = errors.New("metainfo: missing name")
	ErrMissingPieceLen   = errors.New("metainfo: missing or zero piece length")
	ErrBadPieces         = errors.New("metainfo: pieces length not a multiple of 20")
	ErrNoFiles           = errors.New("metainfo: neither length nor files present")
	ErrBadPath           = errors.New("metainfo: invalid path component")
	ErrEmptyAnnounceList = errors.New("metainfo: no tracker url present")
)

const hashSize = sha1.Size

// File describes one file within the torrent's content, in the
// concatenated-content coordinate space.
type File struct {
	Path   []string
	Length int64
	Offset int64 // start offset within the concatenated content stream
}

// Info is the decoded `info` dictionary plus derived fields.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][hashSize]byte
	Files       []File
	Length      int64 // total content length L
	Private     int64

	// Bytes is the exact original bencoded byte range of the info
	// dictionary. Hash is computed directly from it; it is never
	// re-encoded, so the hash is stable regardless of whether this
	// implementation's bencode encoder would round-trip byte-identically.
	Bytes []byte
	Hash  [hashSize]byte
}

// MetaInfo is the decoded top-level metainfo dictionary.
type MetaInfo struct {
	Info         *Info              `bencode:"-"`
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	CreationDate int64              `bencode:"creation date"`
	Comment      string             `bencode:"comment"`
	CreatedBy    string             `bencode:"created by"`
	Encoding     string             `bencode:"encoding"`
}

type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Private     int64     `bencode:"private"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// New decodes a metainfo file from r.
func New(r io.Reader) (*MetaInfo, error) {
	var mi MetaInfo
	if err := bencode.NewDecoder(r).Decode(&mi); err != nil {
		return nil, err
	}
	if len(mi.RawInfo) == 0 {
		return nil, ErrNoInfoDict
	}
	info, err := NewInfo(mi.RawInfo)
	if err != nil {
		return nil, err
	}
	mi.Info = info
	if len(mi.GetTrackers()) == 0 {
		return nil, ErrEmptyAnnounceList
	}
	return &mi, nil
}

// NewInfo decodes and validates a raw `info` dictionary byte slice and
// computes its SHA-1 info hash directly from those bytes.
func NewInfo(raw []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.NewDecoder(bytes.NewReader(raw)).Decode(&ri); err != nil {
		return nil, err
	}
	if ri.Name == "" {
		return nil, ErrMissingName
	}
	if ri.PieceLength <= 0 {
		return nil, ErrMissingPieceLen
	}
	if len(ri.Pieces)%hashSize != 0 {
		return nil, ErrBadPieces
	}

	info := &Info{
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		Private:     ri.Private,
		Bytes:       append([]byte(nil), raw...),
		Hash:        sha1.Sum(raw),
	}
	n := len(ri.Pieces) / hashSize
	info.Pieces = make([][hashSize]byte, n)
	for i := 0; i < n; i++ {
		copy(info.Pieces[i][:], ri.Pieces[i*hashSize:(i+1)*hashSize])
	}

	switch {
	case len(ri.Files) > 0:
		var offset int64
		for _, f := range ri.Files {
			if f.Length <= 0 {
				return nil, ErrNoFiles
			}
			if err := validatePath(f.Path); err != nil {
				return nil, err
			}
			info.Files = append(info.Files, File{
				Path:   append([]string(nil), f.Path...),
				Length: f.Length,
				Offset: offset,
			})
			offset += f.Length
		}
		info.Length = offset
	case ri.Length > 0:
		info.Files = []File{{Path: []string{ri.Name}, Length: ri.Length, Offset: 0}}
		info.Length = ri.Length
	default:
		return nil, ErrNoFiles
	}
	return info, nil
}

func validatePath(parts []string) error {
	if len(parts) == 0 {
		return ErrBadPath
	}
	for _, p := range parts {
		if p == "" || p == ".." || p == "." || strings.ContainsRune(p, 0) || strings.HasPrefix(p, "/") {
			return ErrBadPath
		}
	}
	return nil
}

// NumPieces returns N = ceil(L/P).
func (i *Info) NumPieces() int {
	n := i.Length / i.PieceLength
	if i.Length%i.PieceLength != 0 {
		n++
	}
	return int(n)
}

// PieceLen returns the length of piece index, accounting for a shorter
// last piece.
func (i *Info) PieceLen(index int) int64 {
	n := i.NumPieces()
	if index == n-1 {
		rem := i.Length - int64(n-1)*i.PieceLength
		if rem > 0 {
			return rem
		}
		return i.PieceLength
	}
	return i.PieceLength
}

// GetTrackers returns the non-empty tiers of announce-list, dropping
// empty URLs. The single `announce` field is used as a one-URL tier only
// when announce-list yields no tiers; otherwise it is ignored.
func (mi *MetaInfo) GetTrackers() [][]string {
	var tiers [][]string
	if len(mi.AnnounceList) > 0 {
		for _, tier := range mi.AnnounceList {
			var t []string
			for _, u := range tier {
				if u != "" {
					t = append(t, u)
				}
			}
			if len(t) > 0 {
				tiers = append(tiers, t)
			}
		}
	}
	if len(tiers) == 0 && mi.Announce != "" {
		tiers = append(tiers, []string{mi.Announce})
	}
	return tiers
}

// FlatTrackers returns all tracker URLs across all tiers in order,
// flattened for components that don't need tier semantics.
func (mi *MetaInfo) FlatTrackers() []string {
	var out []string
	for _, tier := range mi.GetTrackers() {
		out = append(out, tier...)
	}
	return out
}
