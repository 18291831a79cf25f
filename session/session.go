// Package session manages a set of concurrently running torrents: it
// assigns each a listen port, keeps a durable registry of what is
// active, and owns the lifecycle (start, close, remove) the cmd/bitforge
// shell drives.
package session

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitforge/torrent/internal/logger"
	"github.com/bitforge/torrent/internal/metainfo"
	"github.com/boltdb/bolt"
	"github.com/mitchellh/go-homedir"
	"github.com/satori/go.uuid"
	"go.uber.org/zap"
)

var torrentsBucket = []byte("torrents")

// Config is the subset of the top-level Config a Session needs; it is
// satisfied by *bitforge.Config without this package importing it,
// avoiding an import cycle between the root package and session.
type Config struct {
	DownloadDirectory     string
	Database              string
	BaseListenPort        int
	MaxConcurrentDownloads int
	MaxConcurrentUploads  int
	AnnounceInterval      time.Duration
	TrackerTimeout        time.Duration
	MaxPortProbeAttempts  int
}

// Session owns every running torrent and the durable record of which
// ones exist across restarts.
type Session struct {
	config Config
	db     *bolt.DB
	log    *zap.SugaredLogger

	mu             sync.Mutex
	torrents       map[string]*Torrent
	torrentsByHash map[[20]byte]*Torrent
	usedPorts      map[int]bool
	closed         bool
}

// New opens (creating if necessary) the session's registry database,
// reloads and restarts any torrents recorded in it from a previous run.
func New(cfg Config) (*Session, error) {
	if cfg.BaseListenPort <= 0 {
		cfg.BaseListenPort = 6881
	}
	if cfg.MaxPortProbeAttempts <= 0 {
		cfg.MaxPortProbeAttempts = 16
	}

	dlDir, err := homedir.Expand(cfg.DownloadDirectory)
	if err != nil {
		return nil, fmt.Errorf("session: expand download directory: %w", err)
	}
	cfg.DownloadDirectory = dlDir
	if err := os.MkdirAll(cfg.DownloadDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("session: create download directory: %w", err)
	}

	dbPath, err := homedir.Expand(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("session: expand database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("session: create database directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("session: open registry: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(torrentsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: init registry bucket: %w", err)
	}

	s := &Session{
		config:         cfg,
		db:             db,
		log:            logger.New("session"),
		torrents:       make(map[string]*Torrent),
		torrentsByHash: make(map[[20]byte]*Torrent),
		usedPorts:      make(map[int]bool),
	}

	if err := s.loadExisting(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// loadExisting reconstructs and starts every torrent recorded in the
// registry from a previous run.
func (s *Session) loadExisting() error {
	type record struct {
		id   string
		port int
		raw  []byte
	}
	var records []record
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(torrentsBucket)
		return b.ForEach(func(k, v []byte) error {
			if len(v) < 2 {
				return nil
			}
			port := int(binary.BigEndian.Uint16(v[:2]))
			raw := append([]byte(nil), v[2:]...)
			records = append(records, record{id: string(k), port: port, raw: raw})
			return nil
		})
	}); err != nil {
		return fmt.Errorf("session: read registry: %w", err)
	}

	for _, rec := range records {
		mi, err := metainfo.New(bytes.NewReader(rec.raw))
		if err != nil {
			s.log.Warnw("dropping unreadable registry entry", "id", rec.id, "err", err)
			continue
		}
		s.mu.Lock()
		s.usedPorts[rec.port] = true
		s.mu.Unlock()

		t, err := s.build(rec.id, mi, rec.port)
		if err != nil {
			s.log.Warnw("failed to reconstruct torrent from registry", "id", rec.id, "err", err)
			continue
		}
		s.mu.Lock()
		s.torrents[rec.id] = t
		s.torrentsByHash[t.infoHash] = t
		s.mu.Unlock()
		t.Start()
	}
	return nil
}

// Close stops every running torrent concurrently, then closes the
// registry database. It blocks until every torrent has fully released
// its resources, per spec.md's exit-behavior ordering.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(torrents))
	for _, t := range torrents {
		go func(t *Torrent) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	wg.Wait()

	return s.db.Close()
}

// AddTorrentFile decodes a metainfo file at path and starts it.
func (s *Session) AddTorrentFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.AddTorrent(f)
}

// AddTorrent decodes a metainfo stream, allocates a listen port, builds
// the torrent, records it in the registry, and starts it.
func (s *Session) AddTorrent(r io.Reader) (string, error) {
	raw, err := ioutil.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("session: read metainfo: %w", err)
	}
	mi, err := metainfo.New(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("session: decode metainfo: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("session: closed")
	}
	if existing, ok := s.torrentsByHash[mi.Info.Hash]; ok {
		s.mu.Unlock()
		return existing.id, nil
	}
	s.mu.Unlock()

	id := newTorrentID()

	port, err := s.allocatePort()
	if err != nil {
		return "", err
	}

	t, err := s.build(id, mi, port)
	if err != nil {
		s.releasePort(port)
		return "", err
	}

	if err := s.recordTorrent(id, port, raw); err != nil {
		s.releasePort(port)
		t.storage.Close()
		return "", err
	}

	s.mu.Lock()
	s.torrents[id] = t
	s.torrentsByHash[t.infoHash] = t
	s.mu.Unlock()

	t.Start()
	return id, nil
}

// build constructs (but does not start or persist) a torrent for mi on
// the given port, shared by AddTorrent and registry reload.
func (s *Session) build(id string, mi *metainfo.MetaInfo, port int) (*Torrent, error) {
	tcfg := torrentConfig{
		maxDownloads:     s.config.MaxConcurrentDownloads,
		maxUploads:       s.config.MaxConcurrentUploads,
		announceInterval: s.config.AnnounceInterval,
		trackerTimeout:   s.config.TrackerTimeout,
	}
	return newTorrent(id, mi, s.config.DownloadDirectory, port, tcfg)
}

// GetTorrent returns the torrent with the given id, if any.
func (s *Session) GetTorrent(id string) (*Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[id]
	return t, ok
}

// ListTorrents returns every currently tracked torrent.
func (s *Session) ListTorrents() []*Torrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// RemoveTorrent stops and forgets a torrent, deleting its registry
// entry and its downloaded content from disk.
func (s *Session) RemoveTorrent(id string) error {
	s.mu.Lock()
	t, ok := s.torrents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session: no such torrent: %s", id)
	}
	delete(s.torrents, id)
	delete(s.torrentsByHash, t.infoHash)
	s.releasePort(t.port)
	s.mu.Unlock()

	t.Close()

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).Delete([]byte(id))
	}); err != nil {
		s.log.Debugw("error removing registry entry", "id", id, "err", err)
	}

	return os.RemoveAll(t.contentPath())
}

// allocatePort implements the port-assignment design: try base_port+n
// for the nth torrent's slot, then probe upward on a collision up to
// MaxPortProbeAttempts, confirming each candidate by actually binding a
// TCP listener (released immediately; the torrent itself binds the real
// listener).
func (s *Session) allocatePort() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.config.BaseListenPort + len(s.usedPorts)
	for attempt := 0; attempt < s.config.MaxPortProbeAttempts; attempt++ {
		candidate := base + attempt
		if s.usedPorts[candidate] {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", candidate))
		if err != nil {
			continue
		}
		ln.Close()
		s.usedPorts[candidate] = true
		return candidate, nil
	}
	return 0, fmt.Errorf("session: no free port found after %d attempts", s.config.MaxPortProbeAttempts)
}

func (s *Session) releasePort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.usedPorts, port)
}

// recordTorrent persists port||rawMetainfo under id, so a restart can
// reconstruct the torrent without needing the original file path.
func (s *Session) recordTorrent(id string, port int, raw []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 2+len(raw))
		binary.BigEndian.PutUint16(buf[:2], uint16(port))
		copy(buf[2:], raw)
		return tx.Bucket(torrentsBucket).Put([]byte(id), buf)
	})
}

func newTorrentID() string {
	u := uuid.NewV1()
	return base64.RawURLEncoding.EncodeToString(u[:])
}
