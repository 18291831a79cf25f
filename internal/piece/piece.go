// Package piece holds the per-torrent piece state machine: the single
// source of truth for {absent, in-flight, present}, the download queue,
// and resume-bitmap persistence.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitforge/torrent/internal/bitfield"
	"github.com/bitforge/torrent/internal/metainfo"
	"github.com/bitforge/torrent/internal/storage"
)

// State is one of the three piece states.
type State int

const (
	Absent State = iota
	InFlight
	Present
)

const (
	// MaxRetries is the default retry budget per piece.
	MaxRetries = 5
	// RetryDelay is the minimum time between retry attempts.
	RetryDelay = 2 * time.Second
	// FlushEvery controls how many completions trigger a resume flush.
	FlushEvery = 10
)

// RetryExhausted is returned by ReturnForRetry when a piece has spent
// its entire retry budget without completing.
type RetryExhausted struct{ Index int }

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("piece: retry budget exhausted for piece %d", e.Index)
}

// ErrNotInFlight is returned when MarkPresent/ReturnForRetry is called
// for a piece that is not currently claimed.
var ErrNotInFlight = errors.New("piece: not in-flight")

// Resumer persists/loads the present-piece bitmap.
type Resumer interface {
	Load() (*bitfield.Bitfield, error)
	Save(bf *bitfield.Bitfield) error
	Remove() error
}

type entry struct {
	state      State
	retries    int
	lastAttempt time.Time
}

// Manager is the authoritative piece-state vector for one torrent.
type Manager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	info     *metainfo.Info
	storage  *storage.Storage
	resumer  Resumer
	entries  []entry
	queue    map[int]struct{} // absent pieces available to claim
	present  int
	sinceFlush int
	closed   bool

	OnVerifyError func(index int, err error)

	// MaxRetries and RetryDelay default to the package constants but are
	// exported so deterministic tests can shrink RetryDelay instead of
	// sleeping in real time.
	MaxRetries int
	RetryDelay time.Duration
}

// NewManager builds a manager and runs the initialization algorithm:
// full on-disk verification if every file already exists at its declared
// length, otherwise a resume-bitmap-guided partial verification, with
// everything else enqueued absent.
func NewManager(info *metainfo.Info, st *storage.Storage, resumer Resumer, filesComplete bool) (*Manager, error) {
	n := info.NumPieces()
	m := &Manager{
		info:    info,
		storage: st,
		resumer: resumer,
		entries: make([]entry, n),
		queue:   make(map[int]struct{}, n),

		MaxRetries: MaxRetries,
		RetryDelay: RetryDelay,
	}
	m.cond = sync.NewCond(&m.mu)

	verifyAndMark := func(indices []int) error {
		for _, i := range indices {
			ok, err := m.verify(i)
			if err != nil {
				return err
			}
			if ok {
				m.entries[i].state = Present
				m.present++
			}
		}
		return nil
	}

	if filesComplete {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		if err := verifyAndMark(all); err != nil {
			return nil, err
		}
	} else if resumer != nil {
		bf, err := resumer.Load()
		if err == nil && bf != nil {
			var toCheck []int
			for i := 0; i < n && i < bf.Len(); i++ {
				if bf.Test(uint32(i)) {
					toCheck = append(toCheck, i)
				}
			}
			if err := verifyAndMark(toCheck); err != nil {
				return nil, err
			}
		}
	}

	for i := 0; i < n; i++ {
		if m.entries[i].state == Absent {
			m.queue[i] = struct{}{}
		}
	}
	return m, nil
}

func (m *Manager) verify(index int) (bool, error) {
	data, err := m.storage.ReadPiece(index)
	if err != nil {
		return false, nil // unreadable: not present, not an init error
	}
	h := sha1.Sum(data)
	return h == m.info.Pieces[index], nil
}

// NumPieces returns N.
func (m *Manager) NumPieces() int { return len(m.entries) }

// Hash returns H[index], the expected SHA-1 digest a downloaded piece
// must match before it may be marked present.
func (m *Manager) Hash(index int) [sha1.Size]byte { return m.info.Pieces[index] }

// IsComplete reports whether the present set equals 0..N-1.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present == len(m.entries)
}

// HasPiece reports whether index is present.
func (m *Manager) HasPiece(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[index].state == Present
}

// PresentBitfield returns a snapshot bitfield of the present set.
func (m *Manager) PresentBitfield() *bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	bf := bitfield.New(len(m.entries))
	for i, e := range m.entries {
		if e.state == Present {
			bf.Set(uint32(i))
		}
	}
	return bf
}

// BytesLeft computes the `left` tracker field from current piece state.
func (m *Manager) BytesLeft() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.present == len(m.entries) {
		return 0
	}
	var left int64
	for i, e := range m.entries {
		if e.state != Present {
			left += m.info.PieceLen(i)
		}
	}
	return left
}

// NextPiece atomically claims an absent piece (absent -> in-flight) and
// returns its index and length. If none is currently available it blocks
// up to timeout; it then returns ok=false if the torrent is complete or
// the manager has been shut down, or (0,0,false) on timeout with pieces
// still outstanding (the caller should retry).
func (m *Manager) NextPiece(timeout time.Duration) (index int, length int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for len(m.queue) == 0 {
		if m.closed || m.present == len(m.entries) {
			return 0, 0, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, 0, false
		}
		m.waitWithTimeout(remaining)
	}
	for i := range m.queue {
		delete(m.queue, i)
		m.entries[i].state = InFlight
		m.entries[i].lastAttempt = time.Now()
		return i, m.info.PieceLen(i), true
	}
	return 0, 0, false
}

// waitWithTimeout wakes the condvar after d elapses even with no signal.
func (m *Manager) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()
	m.cond.Wait()
}

// MarkPresent transitions index from in-flight to present. It is
// idempotent: a repeated call for an already-present piece is a no-op.
// Every FlushEvery completions the resume bitmap is durably flushed; the
// final completion deletes the resume file instead of saving it.
func (m *Manager) MarkPresent(index int) error {
	m.mu.Lock()
	if m.entries[index].state == Present {
		m.mu.Unlock()
		return nil // idempotent
	}
	if m.entries[index].state != InFlight {
		m.mu.Unlock()
		return ErrNotInFlight
	}
	m.entries[index].state = Present
	m.present++
	complete := m.present == len(m.entries)
	m.sinceFlush++
	shouldFlush := complete || m.sinceFlush >= FlushEvery
	if shouldFlush {
		m.sinceFlush = 0
	}
	bf := m.snapshotLocked()
	m.cond.Broadcast()
	m.mu.Unlock()

	if m.resumer == nil {
		return nil
	}
	if complete {
		return m.resumer.Remove()
	}
	if shouldFlush {
		return m.resumer.Save(bf)
	}
	return nil
}

func (m *Manager) snapshotLocked() *bitfield.Bitfield {
	bf := bitfield.New(len(m.entries))
	for i, e := range m.entries {
		if e.state == Present {
			bf.Set(uint32(i))
		}
	}
	return bf
}

// ReturnForRetry abandons an in-flight claim and always re-enters the
// piece into the claimable queue: an abandoned claim must never strand a
// piece in-flight, or the torrent can never reach completion. The retry
// counter (and the exhaustion check against MaxRetries) is gated on
// RetryDelay having elapsed since the last attempt, so a peer that
// abandons the same piece repeatedly within one delay window is not
// charged for it; once the budget is spent, *RetryExhausted is returned,
// which the caller must treat as fatal for the torrent.
func (m *Manager) ReturnForRetry(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[index].state != InFlight {
		return ErrNotInFlight
	}
	e := &m.entries[index]
	var exhausted error
	if time.Since(e.lastAttempt) >= m.RetryDelay {
		if e.retries >= m.MaxRetries {
			exhausted = &RetryExhausted{Index: index}
		} else {
			e.retries++
		}
	}
	e.state = Absent
	m.queue[index] = struct{}{}
	m.cond.Broadcast()
	return exhausted
}

// Close marks the manager shut down; any blocked NextPiece callers wake
// and return ok=false. If the torrent is not complete, the current
// present bitmap is flushed to the resumer.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	complete := m.present == len(m.entries)
	bf := m.snapshotLocked()
	m.cond.Broadcast()
	m.mu.Unlock()
	if m.resumer != nil && !complete {
		_ = m.resumer.Save(bf)
	}
}
