package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID is the one-byte message type tag that follows the length
// prefix of every non-keep-alive frame.
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	HaveAll       MessageID = 14
	HaveNone      MessageID = 15

	extendedID MessageID = 20
)

// MaxFrameLength is the largest length-prefix this codec will accept.
const MaxFrameLength = 1 << 20 // 1 MiB

// ErrMalformedMessage is raised when a frame's declared length does not
// match the fixed size expected for its message ID, or the frame exceeds
// MaxFrameLength.
var ErrMalformedMessage = errors.New("peerprotocol: malformed message")

// Message is any frame this codec can write. ID identifies the wire tag;
// Payload returns the bytes following it (empty for fixed, ID-only
// messages such as Choke).
type Message interface {
	ID() MessageID
	Payload() []byte
}

type simpleMessage struct{ id MessageID }

func (m simpleMessage) ID() MessageID  { return m.id }
func (m simpleMessage) Payload() []byte { return nil }

// ChokeMessage, UnchokeMessage, InterestedMessage, NotInterestedMessage,
// HaveAllMessage and HaveNoneMessage carry no payload.
var (
	ChokeMessage         Message = simpleMessage{Choke}
	UnchokeMessage       Message = simpleMessage{Unchoke}
	InterestedMessage    Message = simpleMessage{Interested}
	NotInterestedMessage Message = simpleMessage{NotInterested}
	HaveAllMessage       Message = simpleMessage{HaveAll}
	HaveNoneMessage      Message = simpleMessage{HaveNone}
)

// HaveMessage announces that a piece has become available.
type HaveMessage struct{ Index uint32 }

func (m HaveMessage) ID() MessageID { return Have }
func (m HaveMessage) Payload() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b
}

// BitfieldMessage carries the MSB-first present-piece bitmap.
type BitfieldMessage struct{ Data []byte }

func (m BitfieldMessage) ID() MessageID    { return Bitfield }
func (m BitfieldMessage) Payload() []byte { return m.Data }

// RequestMessage asks for one block of a piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (m RequestMessage) ID() MessageID { return Request }
func (m RequestMessage) Payload() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b
}

// CancelMessage withdraws a previously sent request.
type CancelMessage struct {
	Index, Begin, Length uint32
}

func (m CancelMessage) ID() MessageID { return Cancel }
func (m CancelMessage) Payload() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b
}

// PieceMessage carries one requested block.
type PieceMessage struct {
	Index, Begin uint32
	Block        []byte
}

func (m PieceMessage) ID() MessageID { return Piece }
func (m PieceMessage) Payload() []byte {
	b := make([]byte, 8+len(m.Block))
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	copy(b[8:], m.Block)
	return b
}

// WriteMessage encodes and sends msg as a length-prefixed frame.
func WriteMessage(w io.Writer, msg Message) error {
	payload := msg.Payload()
	frame := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = byte(msg.ID())
	copy(frame[5:], payload)
	_, err := w.Write(frame)
	return err
}

// WriteKeepAlive sends a zero-length frame.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

func fixedSize(id MessageID) (size int, ok bool) {
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		return 0, true
	case Have:
		return 4, true
	case Request, Cancel:
		return 12, true
	}
	return 0, false
}

// ReadMessage reads one frame from r. A zero-length frame (keep-alive)
// returns (nil, nil). Messages with unrecognized IDs, including the
// reserved extension ID 20, are still returned as a rawMessage so the
// caller may choose to ignore them; fixed-size IDs whose declared length
// disagrees with their specification raise ErrMalformedMessage.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil // keep-alive
	}
	if n > MaxFrameLength {
		return nil, fmt.Errorf("%w: frame length %d exceeds maximum", ErrMalformedMessage, n)
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return nil, err
	}
	id := MessageID(idBuf[0])
	payloadLen := int(n) - 1

	if size, ok := fixedSize(id); ok && payloadLen != size {
		// Still drain the frame so the stream stays in sync for the
		// caller that decides to tolerate this instead of dropping.
		discard(r, payloadLen)
		return nil, fmt.Errorf("%w: id %d declared length %d, want %d", ErrMalformedMessage, id, payloadLen, size)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	switch id {
	case Choke:
		return ChokeMessage, nil
	case Unchoke:
		return UnchokeMessage, nil
	case Interested:
		return InterestedMessage, nil
	case NotInterested:
		return NotInterestedMessage, nil
	case HaveAll:
		return HaveAllMessage, nil
	case HaveNone:
		return HaveNoneMessage, nil
	case Have:
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		return BitfieldMessage{Data: payload}, nil
	case Request:
		return RequestMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Cancel:
		return CancelMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: piece message shorter than 8 bytes", ErrMalformedMessage)
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Block: payload[8:],
		}, nil
	case extendedID:
		// Reserved extension-protocol messages: the inner extended ID is
		// the first payload byte. Extensions are out of scope, so we
		// just expose the raw tail.
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: extended message has no extended id", ErrMalformedMessage)
		}
		return rawMessage{id: id, payload: payload}, nil
	default:
		// Ignored/unknown IDs (9, 13, 16, 17, and anything else): the
		// frame has already been fully consumed above, so the stream
		// stays in sync.
		return rawMessage{id: id, payload: payload}, nil
	}
}

// rawMessage is returned for message IDs this codec does not interpret.
// Callers inspect ID() and otherwise ignore it.
type rawMessage struct {
	id      MessageID
	payload []byte
}

func (m rawMessage) ID() MessageID    { return m.id }
func (m rawMessage) Payload() []byte { return m.payload }

func discard(r io.Reader, n int) {
	if n <= 0 {
		return
	}
	_, _ = io.CopyN(io.Discard, r, int64(n))
}
