// Package seeder accepts inbound peer-wire connections and serves
// requested blocks from the present-piece set, up to a capped number of
// concurrently active seeding workers.
package seeder

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/bitforge/torrent/internal/btconn"
	"github.com/bitforge/torrent/internal/meter"
	"github.com/bitforge/torrent/internal/peerconn"
	"github.com/bitforge/torrent/internal/peerprotocol"
	"github.com/bitforge/torrent/internal/piece"
	"github.com/bitforge/torrent/internal/storage"
	"go.uber.org/zap"
)

// BlockSize bounds a single request's length.
const BlockSize = 16 * 1024

// DefaultCap is U, the default number of concurrently active seeding
// workers.
const DefaultCap = 10

// HandshakeTimeout bounds AwaitHandshake/SendHandshake.
const HandshakeTimeout = 30 * time.Second

// maxInvalidRequests closes a connection that keeps sending invalid or
// over-size requests rather than dropping it on the first offense.
const maxInvalidRequests = 5

// Deps bundles the collaborators shared by every accepted connection.
type Deps struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Pieces   *piece.Manager
	Storage  *storage.Storage
	Upload   *meter.Meter
	Log      *zap.SugaredLogger
}

// Listener accepts inbound connections on one port, spawning a seeding
// worker per accepted socket up to Cap; over-cap connections are closed
// immediately.
type Listener struct {
	deps Deps
	ln   net.Listener
	cap  int32
	active int32

	stopC chan struct{}
	doneC chan struct{}
}

// Listen opens a TCP listener on addr, ready for Run.
func Listen(deps Deps, addr string, cap int) (*Listener, error) {
	if cap <= 0 {
		cap = DefaultCap
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		deps:  deps,
		ln:    ln,
		cap:   int32(cap),
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until Stop is called.
func (l *Listener) Run() {
	defer close(l.doneC)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopC:
				return
			default:
				if l.deps.Log != nil {
					l.deps.Log.Debugw("accept error", "err", err)
				}
				return
			}
		}
		if atomic.LoadInt32(&l.active) >= l.cap {
			conn.Close()
			continue
		}
		atomic.AddInt32(&l.active, 1)
		go func() {
			defer atomic.AddInt32(&l.active, -1)
			l.serve(conn)
		}()
	}
}

// Stop closes the listener, causing Run to return, and waits for it.
func (l *Listener) Stop() {
	select {
	case <-l.stopC:
	default:
		close(l.stopC)
	}
	l.ln.Close()
	<-l.doneC
}

// ActiveWorkers returns the current count of connections being served.
func (l *Listener) ActiveWorkers() int { return int(atomic.LoadInt32(&l.active)) }

func (l *Listener) serve(conn net.Conn) {
	known := func(h [20]byte) bool { return h == l.deps.InfoHash }
	wired, _, remoteID, err := btconn.AcceptIncoming(conn, l.deps.PeerID, known, HandshakeTimeout)
	if err != nil {
		if l.deps.Log != nil {
			l.deps.Log.Debugw("rejected inbound connection", "err", err)
		}
		return
	}

	pc := peerconn.New(wired, remoteID, l.deps.Log)
	go pc.Run()
	defer pc.Close()

	bf := l.deps.Pieces.PresentBitfield()
	pc.Send(peerprotocol.BitfieldMessage{Data: bf.Bytes()})

	w := &worker{deps: &l.deps, pc: pc}
	w.run()
}

// worker tracks one accepted connection's Idle/Unchoked state.
type worker struct {
	deps      *Deps
	pc        *peerconn.Peer
	unchoked  bool
	invalid   int
}

func (w *worker) run() {
	for msg := range w.pc.Messages() {
		switch m := msg.(type) {
		case peerprotocol.RequestMessage:
			w.handleRequest(m)
		default:
			switch msg.ID() {
			case peerprotocol.Interested:
				w.unchoked = true
				w.pc.Send(peerprotocol.UnchokeMessage)
			case peerprotocol.NotInterested:
				w.unchoked = false
			case peerprotocol.Cancel:
				// Requests are served synchronously as they arrive, so
				// there is nothing queued left to cancel.
			}
		}
	}
}

func (w *worker) handleRequest(m peerprotocol.RequestMessage) {
	if !w.unchoked || !w.deps.Pieces.HasPiece(int(m.Index)) || m.Length > BlockSize {
		w.invalid++
		if w.invalid >= maxInvalidRequests {
			w.pc.Close()
		}
		return
	}
	data, err := w.deps.Storage.ReadRange(int(m.Index), int64(m.Begin), int64(m.Length))
	if err != nil {
		w.invalid++
		if w.invalid >= maxInvalidRequests {
			w.pc.Close()
		}
		return
	}
	w.pc.Send(peerprotocol.PieceMessage{Index: m.Index, Begin: m.Begin, Block: data})
	if w.deps.Upload != nil {
		w.deps.Upload.Add(int64(len(data)))
	}
}
