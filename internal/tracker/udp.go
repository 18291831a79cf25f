package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

const (
	udpProtocolMagic int64 = 0x41727101980
	udpActionConnect int32 = 0
	udpActionAnnounce int32 = 1

	udpReceiveTimeout = 15 * time.Second
)

// ErrUDPMismatch is returned when a UDP response's action or transaction
// id does not match the request that was just sent.
var ErrUDPMismatch = errors.New("tracker: udp response action/transaction mismatch")

// UDPTracker announces over the two-phase connect/announce UDP protocol
// (BEP 15).
type UDPTracker struct {
	url     string
	addr    string
	numWant int32
	rng     func() uint32
}

// NewUDPTracker builds a tracker client for a udp:// announce URL.
func NewUDPTracker(rawURL string) (*UDPTracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &UDPTracker{
		url:     rawURL,
		addr:    u.Host,
		numWant: 50,
		rng:     rand.Uint32,
	}, nil
}

func (t *UDPTracker) URL() string { return t.url }

func eventCode(e Event) int32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func (t *UDPTracker) Announce(infoHash, peerID [20]byte, port int, stats Stats, event Event) (*Response, error) {
	conn, err := net.Dial("udp", t.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(udpReceiveTimeout))

	connID, err := t.connect(conn)
	if err != nil {
		return nil, err
	}
	return t.announce(conn, connID, infoHash, peerID, port, stats, event)
}

func (t *UDPTracker) connect(conn net.Conn) (int64, error) {
	txID := int32(t.rng())
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], uint64(udpProtocolMagic))
	binary.BigEndian.PutUint32(req[8:12], uint32(udpActionConnect))
	binary.BigEndian.PutUint32(req[12:16], uint32(txID))
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("%w: short connect response", ErrUDPMismatch)
	}
	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	gotTx := int32(binary.BigEndian.Uint32(resp[4:8]))
	if action != udpActionConnect || gotTx != txID {
		return 0, ErrUDPMismatch
	}
	return int64(binary.BigEndian.Uint64(resp[8:16])), nil
}

func (t *UDPTracker) announce(conn net.Conn, connID int64, infoHash, peerID [20]byte, port int, stats Stats, event Event) (*Response, error) {
	txID := int32(t.rng())
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], uint64(connID))
	binary.BigEndian.PutUint32(req[8:12], uint32(udpActionAnnounce))
	binary.BigEndian.PutUint32(req[12:16], uint32(txID))
	copy(req[16:36], infoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(stats.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(stats.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(stats.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], uint32(eventCode(event)))
	binary.BigEndian.PutUint32(req[84:88], 0) // IP = 0 (default)
	binary.BigEndian.PutUint32(req[88:92], t.rng())
	binary.BigEndian.PutUint32(req[92:96], uint32(t.numWant))
	binary.BigEndian.PutUint16(req[96:98], uint16(port))
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("%w: short announce response", ErrUDPMismatch)
	}
	resp := buf[:n]
	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	gotTx := int32(binary.BigEndian.Uint32(resp[4:8]))
	if action != udpActionAnnounce || gotTx != txID {
		return nil, ErrUDPMismatch
	}
	interval := int32(binary.BigEndian.Uint32(resp[8:12]))
	leechers := int32(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int32(binary.BigEndian.Uint32(resp[16:20]))

	peers, err := decodeCompactPeers(resp[20:])
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval:   int(interval),
		Incomplete: int(leechers),
		Complete:   int(seeders),
		Peers:      peers,
	}, nil
}
