// Package downloader runs the per-peer download state machine: a fixed
// pool of workers, each owning at most one active peer socket at a time,
// pulling pieces from a shared piece manager and verifying/writing them.
package downloader

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitforge/torrent/internal/bitfield"
	"github.com/bitforge/torrent/internal/btconn"
	"github.com/bitforge/torrent/internal/meter"
	"github.com/bitforge/torrent/internal/peerconn"
	"github.com/bitforge/torrent/internal/peerprotocol"
	"github.com/bitforge/torrent/internal/piece"
	"github.com/bitforge/torrent/internal/storage"
	"github.com/bitforge/torrent/internal/tracker"
	"go.uber.org/zap"
)

// BlockSize is the fixed request granularity (16 KiB).
const BlockSize = 16 * 1024

// DefaultWorkers is W, the fixed worker pool size per torrent.
const DefaultWorkers = 48

// ConnectTimeout bounds the Connect state's TCP dial.
const ConnectTimeout = 30 * time.Second

// nextPieceWait bounds a single claim attempt inside NextPiece; a worker
// that repeatedly sees no claimable piece still not-complete busy-waits
// with this small interval between attempts.
const nextPieceWait = 200 * time.Millisecond

var errUnexpectedPiece = errors.New("downloader: received piece message out of sequence")

// Deps bundles the collaborators every worker in a pool shares.
type Deps struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Pieces   *piece.Manager
	Storage  *storage.Storage
	Download *meter.Meter
	Log      *zap.SugaredLogger
}

// Pool runs DefaultWorkers (or a configured override) goroutines pulling
// from a shared peer candidate channel fed by the torrent's announcers.
type Pool struct {
	deps    Deps
	dir     *PeerDirectory
	peersC  chan tracker.Peer
	stopC   chan struct{}
	doneC   chan struct{}
	workers int
	stopOnce sync.Once
}

// NewPool builds a pool. Call Offer to feed it candidate peers (normally
// from an announcer's onPeers callback) and Run to start the workers.
func NewPool(deps Deps, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		deps:    deps,
		dir:     NewPeerDirectory(),
		peersC:  make(chan tracker.Peer, 4096),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
		workers: workers,
	}
}

// Offer enqueues newly discovered peers; it never blocks indefinitely,
// dropping peers if the queue is saturated (it will refill on the next
// announce).
func (p *Pool) Offer(peers []tracker.Peer) {
	for _, pr := range peers {
		select {
		case p.peersC <- pr:
		default:
		}
	}
}

// Run starts the worker pool and blocks until Stop is called.
func (p *Pool) Run() {
	defer close(p.doneC)
	done := make(chan struct{})
	for i := 0; i < p.workers; i++ {
		go func(id int) {
			w := &worker{id: id, pool: p}
			w.run()
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < p.workers; i++ {
		<-done
	}
}

// Stop signals every worker to exit and waits for the pool to drain. It
// is idempotent: calling it more than once (e.g. once automatically on
// completion and once from torrent shutdown) is safe.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopC) })
	<-p.doneC
}

type worker struct {
	id   int
	pool *Pool
}

func (w *worker) run() {
	d := &w.pool.deps
	for {
		select {
		case <-w.pool.stopC:
			return
		default:
		}
		if d.Pieces.IsComplete() {
			return
		}
		peer, ok := w.nextPeer()
		if !ok {
			return
		}
		if err := w.handlePeer(peer); err != nil && d.Log != nil {
			d.Log.Debugw("peer session ended", "worker", w.id, "peer", peer.String(), "err", err)
		}
	}
}

func (w *worker) nextPeer() (tracker.Peer, bool) {
	for {
		select {
		case <-w.pool.stopC:
			return tracker.Peer{}, false
		case p := <-w.pool.peersC:
			addr := p.String()
			if w.pool.dir.ShouldSkip(addr) {
				continue
			}
			return p, true
		}
	}
}

// handlePeer drives one peer through Connect -> Handshake -> AwaitBitfield
// -> SendInterested -> AwaitUnchoke -> Downloading, per spec.
func (w *worker) handlePeer(p tracker.Peer) error {
	d := &w.pool.deps
	addr := p.String()

	conn, remoteID, err := btconn.DialOutgoing(addr, d.InfoHash, d.PeerID, ConnectTimeout)
	if err != nil {
		failures := w.pool.dir.Fail(addr)
		if failures >= MaxPeerFailures {
			return fmt.Errorf("connect: giving up on %s after %d failures: %w", addr, failures, err)
		}
		return err
	}
	w.pool.dir.Reset(addr)

	pc := peerconn.New(conn, remoteID, d.Log)
	go pc.Run()
	defer pc.Close()

	have := bitfield.New(d.Pieces.NumPieces())
	if err := w.awaitBitfield(pc, have); err != nil {
		return err
	}

	pc.Send(peerprotocol.InterestedMessage)
	choked := true
	for choked {
		select {
		case <-w.pool.stopC:
			return nil
		case msg, ok := <-pc.Messages():
			if !ok {
				return errors.New("connection closed awaiting unchoke")
			}
			switch m := msg.(type) {
			case peerprotocol.HaveMessage:
				have.Set(m.Index)
			default:
				if msg.ID() == peerprotocol.Unchoke {
					choked = false
				}
			}
		}
	}

	return w.downloadLoop(pc, have)
}

func (w *worker) awaitBitfield(pc *peerconn.Peer, have *bitfield.Bitfield) error {
	for {
		select {
		case <-w.pool.stopC:
			return errors.New("stopped")
		case msg, ok := <-pc.Messages():
			if !ok {
				return errors.New("connection closed awaiting bitfield")
			}
			switch m := msg.(type) {
			case peerprotocol.BitfieldMessage:
				bf, err := bitfield.NewBytes(m.Data, have.Len())
				if err != nil {
					return err
				}
				return copyBitfield(have, bf)
			case peerprotocol.HaveMessage:
				have.Set(m.Index)
			default:
				if msg.ID() == peerprotocol.HaveAll {
					have.SetAll()
					return nil
				}
				if msg.ID() == peerprotocol.HaveNone {
					return nil
				}
				// Other messages are honored (state already updated by
				// their handlers where relevant) but do not end the wait.
			}
		}
	}
}

func copyBitfield(dst, src *bitfield.Bitfield) error {
	for i := 0; i < dst.Len(); i++ {
		if src.Test(uint32(i)) {
			dst.Set(uint32(i))
		}
	}
	return nil
}

func (w *worker) downloadLoop(pc *peerconn.Peer, have *bitfield.Bitfield) error {
	d := &w.pool.deps
	for {
		if d.Pieces.IsComplete() {
			return nil
		}
		select {
		case <-w.pool.stopC:
			return nil
		default:
		}

		index, length, ok := d.Pieces.NextPiece(nextPieceWait)
		if !ok {
			if d.Pieces.IsComplete() {
				return nil
			}
			time.Sleep(nextPieceWait)
			continue
		}
		if !have.Test(uint32(index)) {
			_ = d.Pieces.ReturnForRetry(index)
			continue
		}

		data, choked, err := w.downloadPiece(pc, index, length, have)
		if err != nil {
			_ = d.Pieces.ReturnForRetry(index)
			return err
		}
		if choked {
			_ = d.Pieces.ReturnForRetry(index)
			return nil // suspend back to AwaitUnchoke on the next peer session
		}

		if sha1.Sum(data) != d.Pieces.Hash(index) {
			_ = d.Pieces.ReturnForRetry(index)
			continue
		}

		if err := d.Storage.WritePiece(index, data); err != nil {
			_ = d.Pieces.ReturnForRetry(index)
			return err
		}
		if err := d.Pieces.MarkPresent(index); err != nil {
			return err
		}
	}
}

// downloadPiece requests every block of one piece in order and reads the
// matching piece responses in the order requested, per spec's strict
// in-order framing. A choke message mid-piece ends the attempt without
// error (the caller suspends to AwaitUnchoke); any other anomaly is a
// protocol error.
func (w *worker) downloadPiece(pc *peerconn.Peer, index int, length int64, have *bitfield.Bitfield) (data []byte, choked bool, err error) {
	data = make([]byte, length)
	var begin int64
	for begin < length {
		blockLen := int64(BlockSize)
		if length-begin < blockLen {
			blockLen = length - begin
		}
		pc.Send(peerprotocol.RequestMessage{Index: uint32(index), Begin: uint32(begin), Length: uint32(blockLen)})

		select {
		case <-w.pool.stopC:
			return nil, false, errors.New("stopped")
		case msg, ok := <-pc.Messages():
			if !ok {
				return nil, false, errors.New("connection closed mid-piece")
			}
			switch m := msg.(type) {
			case peerprotocol.PieceMessage:
				if int(m.Index) != index || int64(m.Begin) != begin {
					return nil, false, errUnexpectedPiece
				}
				if int64(len(m.Block)) != blockLen {
					return nil, false, errUnexpectedPiece
				}
				copy(data[begin:], m.Block)
				w.pool.deps.Download.Add(blockLen)
				begin += blockLen
			default:
				if msg.ID() == peerprotocol.Choke {
					return nil, true, nil
				}
				if h, ok := msg.(peerprotocol.HaveMessage); ok {
					have.Set(h.Index)
				}
				// other messages honored but do not advance the piece
			}
		}
	}
	return data, false, nil
}
