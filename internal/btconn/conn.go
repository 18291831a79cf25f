// Package btconn dials and accepts plain (unencrypted) BitTorrent
// peer-wire connections, performing the handshake exchange before
// handing the connection to the caller.
package btconn

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/bitforge/torrent/internal/peerprotocol"
)

var (
	errInvalidInfoHash = errors.New("btconn: invalid info hash")
	ErrOwnConnection    = errors.New("btconn: dropped own connection")
)

// readWriter pairs a buffered reader (which may already hold bytes read
// past the handshake) with the underlying connection's writer, so no
// peer-wire bytes are lost once the handshake is done.
type readWriter struct {
	io.Reader
	io.Writer
}

// rwConn presents a readWriter through the net.Conn interface by
// delegating everything except Read/Write to the wrapped connection.
type rwConn struct {
	rw io.ReadWriter
	net.Conn
}

func (c *rwConn) Read(p []byte) (int, error)  { return c.rw.Read(p) }
func (c *rwConn) Write(p []byte) (int, error) { return c.rw.Write(p) }

// DialOutgoing opens a TCP connection to addr, sends our handshake, and
// validates the peer's response carries infoHash. It returns a net.Conn
// ready for message traffic and the peer's advertised id.
func DialOutgoing(addr string, infoHash, ourID [20]byte, timeout time.Duration) (net.Conn, [20]byte, error) {
	var peerID [20]byte
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, peerID, err
	}
	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := (peerprotocol.Handshake{InfoHash: infoHash, PeerID: ourID}).Write(conn); err != nil {
		return nil, peerID, err
	}
	br := bufio.NewReader(conn)
	hs, err := peerprotocol.ReadHandshake(br)
	if err != nil {
		return nil, peerID, err
	}
	if hs.InfoHash != infoHash {
		return nil, peerID, errInvalidInfoHash
	}
	if hs.PeerID == ourID {
		return nil, peerID, ErrOwnConnection
	}
	_ = conn.SetDeadline(time.Time{})
	ok = true
	return wrap(conn, br), hs.PeerID, nil
}

// HasInfoHash is consulted by AcceptIncoming to decide whether a dialed-in
// peer's declared info hash corresponds to a torrent we are serving.
type HasInfoHash func(infoHash [20]byte) bool

// AcceptIncoming performs the responder side of the handshake on an
// already-accepted connection: reads the initiator's handshake, checks
// known(infoHash), and replies with our own handshake.
func AcceptIncoming(conn net.Conn, ourID [20]byte, known HasInfoHash, timeout time.Duration) (net.Conn, [20]byte, [20]byte, error) {
	var zero [20]byte
	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	br := bufio.NewReader(conn)
	hs, err := peerprotocol.ReadHandshake(br)
	if err != nil {
		return nil, zero, zero, err
	}
	if !known(hs.InfoHash) {
		return nil, zero, zero, errInvalidInfoHash
	}
	if hs.PeerID == ourID {
		return nil, zero, zero, ErrOwnConnection
	}
	if err := (peerprotocol.Handshake{InfoHash: hs.InfoHash, PeerID: ourID}).Write(conn); err != nil {
		return nil, zero, zero, err
	}
	_ = conn.SetDeadline(time.Time{})
	ok = true
	return wrap(conn, br), hs.InfoHash, hs.PeerID, nil
}

func wrap(conn net.Conn, br *bufio.Reader) net.Conn {
	if br.Buffered() == 0 {
		return conn
	}
	return &rwConn{rw: readWriter{Reader: br, Writer: conn}, Conn: conn}
}
