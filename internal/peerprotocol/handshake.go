// Package peerprotocol implements the BitTorrent peer-wire handshake and
// message framing (BEP 3), independent of any particular transport.
package peerprotocol

import (
	"errors"
	"io"
)

const protocolString = "BitTorrent protocol"

// HandshakeLen is the fixed wire length of a handshake frame.
const HandshakeLen = 49 + len(protocolString)

// ErrInvalidProtocol is returned when the peer's handshake does not carry
// the expected protocol identifier.
var ErrInvalidProtocol = errors.New("peerprotocol: invalid protocol string")

// Handshake is the 68-byte frame exchanged before any message traffic.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Write encodes and sends the handshake.
func (h Handshake) Write(w io.Writer) error {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolString))
	copy(buf[1:], protocolString)
	// bytes [20:28) are the 8 reserved bytes, left zero: no DHT/extension
	// bits are advertised.
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a handshake frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, err
	}
	if int(buf[0]) != len(protocolString) || string(buf[1:20]) != protocolString {
		return h, ErrInvalidProtocol
	}
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
