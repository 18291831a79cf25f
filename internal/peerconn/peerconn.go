// Package peerconn wraps one peer-wire TCP socket as a pair of
// goroutines: a reader decoding inbound frames onto a channel, and a
// writer serializing outbound messages, both joined on a shared close
// signal.
package peerconn

import (
	"net"

	"github.com/bitforge/torrent/internal/peerprotocol"
	"go.uber.org/zap"
)

// Peer is one established, post-handshake connection.
type Peer struct {
	conn   net.Conn
	id     [20]byte
	log    *zap.SugaredLogger
	messages chan peerprotocol.Message
	sendC    chan peerprotocol.Message
	closeC   chan struct{}
	closedC  chan struct{}
}

// New wraps conn, already past handshake, as a Peer with the given
// remote id.
func New(conn net.Conn, id [20]byte, log *zap.SugaredLogger) *Peer {
	return &Peer{
		conn:     conn,
		id:       id,
		log:      log,
		messages: make(chan peerprotocol.Message, 64),
		sendC:    make(chan peerprotocol.Message, 64),
		closeC:   make(chan struct{}),
		closedC:  make(chan struct{}),
	}
}

// ID returns the remote peer id exchanged during handshake.
func (p *Peer) ID() [20]byte { return p.id }

// String returns the remote address, for logging.
func (p *Peer) String() string { return p.conn.RemoteAddr().String() }

// Messages returns the channel of decoded inbound messages. It is closed
// when the reader goroutine exits (connection closed, or malformed
// frame).
func (p *Peer) Messages() <-chan peerprotocol.Message { return p.messages }

// Send enqueues msg for the writer goroutine. It does not block
// indefinitely: if the peer has been closed, Send is a safe no-op.
func (p *Peer) Send(msg peerprotocol.Message) {
	select {
	case p.sendC <- msg:
	case <-p.closeC:
	}
}

// Close signals both goroutines to stop and waits for them to exit.
func (p *Peer) Close() {
	select {
	case <-p.closeC:
	default:
		close(p.closeC)
	}
	<-p.closedC
}

// Run starts the reader and writer goroutines and blocks until both have
// exited. A read error or malformed frame stops the reader, closes the
// connection and closes Messages; the writer exits on its next failed
// write or on Close, so Run returns after Close even when the socket has
// already failed.
func (p *Peer) Run() {
	defer close(p.closedC)

	readerDone := make(chan struct{})
	go func() {
		p.runReader()
		close(readerDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		p.runWriter()
		close(writerDone)
	}()

	select {
	case <-p.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	p.conn.Close()
	<-readerDone
	<-writerDone
}

func (p *Peer) runReader() {
	defer close(p.messages)
	for {
		msg, err := peerprotocol.ReadMessage(p.conn)
		if err != nil {
			if p.log != nil {
				p.log.Debugw("peer read error", "peer", p.String(), "err", err)
			}
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		select {
		case p.messages <- msg:
		case <-p.closeC:
			return
		}
	}
}

func (p *Peer) runWriter() {
	for {
		select {
		case msg := <-p.sendC:
			if err := peerprotocol.WriteMessage(p.conn, msg); err != nil {
				if p.log != nil {
					p.log.Debugw("peer write error", "peer", p.String(), "err", err)
				}
				return
			}
		case <-p.closeC:
			return
		}
	}
}
