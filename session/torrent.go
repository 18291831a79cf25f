package session

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitforge/torrent/internal/announcer"
	"github.com/bitforge/torrent/internal/downloader"
	"github.com/bitforge/torrent/internal/logger"
	"github.com/bitforge/torrent/internal/meter"
	"github.com/bitforge/torrent/internal/metainfo"
	"github.com/bitforge/torrent/internal/piece"
	"github.com/bitforge/torrent/internal/resumer"
	"github.com/bitforge/torrent/internal/seeder"
	"github.com/bitforge/torrent/internal/storage"
	"github.com/bitforge/torrent/internal/tracker"
	"go.uber.org/zap"
)

// torrent composes the engine components that cooperate to download and
// seed a single info hash: a piece manager over a file-mapped storage, a
// worker pool pulling blocks from peers, a listener serving them back
// out, and two independent announce schedules (download, seeding).
type Torrent struct {
	id       string
	info     *metainfo.Info
	infoHash [20]byte
	peerID   [20]byte
	dest     string
	port     int
	log      *zap.SugaredLogger

	storage *storage.Storage
	pieces  *piece.Manager

	dlMeter *meter.Meter
	ulMeter *meter.Meter

	pool        *downloader.Pool
	seedLn      *seeder.Listener
	dlAnnouncer *announcer.Announcer
	sdAnnouncer *announcer.Announcer

	closeC  chan struct{}
	closedC chan struct{}

	mu        sync.Mutex
	completed bool
}

type torrentConfig struct {
	maxDownloads     int
	maxUploads       int
	announceInterval time.Duration
	trackerTimeout   time.Duration
}

// newTorrent builds every collaborator for one torrent but does not
// start any goroutine; call Start for that.
func newTorrent(id string, mi *metainfo.MetaInfo, destRoot string, port int, cfg torrentConfig) (*Torrent, error) {
	info := mi.Info
	multi := len(info.Files) > 1
	dest := destRoot
	if multi {
		dest = filepath.Join(destRoot, info.Name)
	}

	filesComplete := allFilesPresent(dest, info)

	st, err := storage.New(dest, info)
	if err != nil {
		return nil, fmt.Errorf("session: allocate storage: %w", err)
	}

	statePath := filepath.Join(destRoot, info.Name+".state")
	res := resumer.New(statePath, info.NumPieces())

	pm, err := piece.NewManager(info, st, res, filesComplete)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("session: init piece manager: %w", err)
	}

	peerID, err := newPeerID()
	if err != nil {
		st.Close()
		return nil, err
	}

	var trackers []tracker.Tracker
	for _, u := range mi.FlatTrackers() {
		tr, err := tracker.NewClient(u, cfg.trackerTimeout)
		if err != nil {
			continue // unsupported scheme: skip, don't fail the whole torrent
		}
		trackers = append(trackers, tr)
	}

	log := logger.ForTorrent("torrent", info.Hash)

	t := &Torrent{
		id:       id,
		info:     info,
		infoHash: info.Hash,
		peerID:   peerID,
		dest:     destRoot,
		port:     port,
		log:      log,
		storage:  st,
		pieces:   pm,
		dlMeter:  meter.New(),
		ulMeter:  meter.New(),
		closeC:   make(chan struct{}),
		closedC:  make(chan struct{}),
	}

	t.pool = downloader.NewPool(downloader.Deps{
		InfoHash: t.infoHash,
		PeerID:   t.peerID,
		Pieces:   pm,
		Storage:  st,
		Download: t.dlMeter,
		Log:      logger.ForTorrent("downloader", info.Hash),
	}, cfg.maxDownloads)

	ln, err := seeder.Listen(seeder.Deps{
		InfoHash: t.infoHash,
		PeerID:   t.peerID,
		Pieces:   pm,
		Storage:  st,
		Upload:   t.ulMeter,
		Log:      logger.ForTorrent("seeder", info.Hash),
	}, fmt.Sprintf(":%d", port), cfg.maxUploads)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("session: listen: %w", err)
	}
	t.seedLn = ln

	t.dlAnnouncer = announcer.New(trackers, t.infoHash, t.peerID, port, cfg.announceInterval, t.stats, t.pool.Offer, logger.ForTorrent("announcer:dl", info.Hash))
	t.sdAnnouncer = announcer.New(trackers, t.infoHash, t.peerID, port, cfg.announceInterval, t.stats, func([]tracker.Peer) {}, logger.ForTorrent("announcer:sd", info.Hash))

	return t, nil
}

// allFilesPresent reports whether every file this torrent declares
// already exists under dest at its full declared length, the signal
// used to trigger the piece manager's full-verification path instead of
// the resume-bitmap-guided one (storage.New itself would truncate a
// missing file up to length, destroying this signal, so it must be
// checked first).
func allFilesPresent(dest string, info *metainfo.Info) bool {
	multi := len(info.Files) > 1
	for _, f := range info.Files {
		var full string
		if multi {
			parts := append([]string{dest}, f.Path...)
			full = filepath.Join(parts...)
		} else {
			full = filepath.Join(dest, f.Path[len(f.Path)-1])
		}
		st, err := os.Stat(full)
		if err != nil || st.Size() != f.Length {
			return false
		}
	}
	return true
}

// contentPath returns the on-disk path that owns this torrent's
// content: the multi-file root directory (named after the torrent) for
// a multi-file torrent, or the single content file itself otherwise.
// Removing exactly this path must never touch sibling torrents sharing
// the same download directory.
func (t *Torrent) contentPath() string {
	if len(t.info.Files) > 1 {
		return filepath.Join(t.dest, t.info.Name)
	}
	return filepath.Join(t.dest, t.info.Files[0].Path[len(t.info.Files[0].Path)-1])
}

func (t *Torrent) stats() tracker.Stats {
	return tracker.Stats{
		Uploaded:   t.ulMeter.Total(),
		Downloaded: t.dlMeter.Total(),
		Left:       t.pieces.BytesLeft(),
	}
}

// Start launches every goroutine owned by this torrent: the download
// pool, the seeding listener, the download announcer immediately (its
// peer callback feeds the pool), the meter ticker, and the event loop
// that promotes the seeding announcer once a piece is present.
func (t *Torrent) Start() {
	go t.pool.Run()
	go t.seedLn.Run()
	go t.dlAnnouncer.Run()
	t.startMeterTicker()
	go t.run()
}

// Close stops every goroutine and blocks until each has released its
// resources, per spec.md's exit-behavior ordering: workers stopped,
// listeners closed, trackers informed, bitmap flushed, files closed.
func (t *Torrent) Close() {
	select {
	case <-t.closeC:
	default:
		close(t.closeC)
	}
	<-t.closedC

	t.pool.Stop()
	t.seedLn.Stop()
	t.dlAnnouncer.Stop()
	if t.seedingStarted() {
		t.sdAnnouncer.Stop()
	}
	t.pieces.Close()
	if err := t.storage.Close(); err != nil && t.log != nil {
		t.log.Debugw("error closing storage", "err", err)
	}
}

func (t *Torrent) seedingStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed || t.pieces.PresentBitfield().Count() > 0
}

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.info.Name }

// InfoHash returns the torrent's 20-byte info hash.
func (t *Torrent) InfoHash() [20]byte { return t.infoHash }

// BytesCompleted reports how much of the content is currently verified
// on disk.
func (t *Torrent) BytesCompleted() int64 { return t.info.Length - t.pieces.BytesLeft() }

// newPeerID generates a 20-byte peer id beginning with the client
// prefix, per spec.md §6, followed by 12 random alphanumeric bytes.
func newPeerID() ([20]byte, error) {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	var id [20]byte
	copy(id[:], "-BT0001-")
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return id, fmt.Errorf("session: generate peer id: %w", err)
	}
	for i, b := range buf {
		id[8+i] = alphabet[int(b)%len(alphabet)]
	}
	return id, nil
}
