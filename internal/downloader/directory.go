package downloader

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// MaxPeerFailures is the Connect-state failure budget before a worker
// moves on to the next candidate peer.
const MaxPeerFailures = 3

type peerState struct {
	failures int
	backoff  *backoff.ExponentialBackOff
	until    time.Time
}

// PeerDirectory tracks per-(host,port) connect failures and an
// exponential backoff cursor, shared by every worker of one torrent so
// that a peer that just failed for one worker is not immediately
// redialed by another.
type PeerDirectory struct {
	mu    sync.Mutex
	peers map[string]*peerState
}

// NewPeerDirectory returns an empty directory.
func NewPeerDirectory() *PeerDirectory {
	return &PeerDirectory{peers: make(map[string]*peerState)}
}

func (d *PeerDirectory) entry(addr string) *peerState {
	e, ok := d.peers[addr]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = time.Minute
		e = &peerState{backoff: b}
		d.peers[addr] = e
	}
	return e
}

// ShouldSkip reports whether addr is still within its backoff window.
func (d *PeerDirectory) ShouldSkip(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.peers[addr]
	if !ok {
		return false
	}
	return time.Now().Before(e.until)
}

// Fail records a connect failure for addr and returns the cumulative
// failure count; once it reaches MaxPeerFailures the caller should give
// up on this peer for the current backoff window.
func (d *PeerDirectory) Fail(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entry(addr)
	e.failures++
	e.until = time.Now().Add(e.backoff.NextBackOff())
	return e.failures
}

// Reset clears addr's failure count after a successful connect.
func (d *PeerDirectory) Reset(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, addr)
}
