// Package meter tracks cumulative transfer counters and a rolling
// transfer rate sampled on a fixed interval.
package meter

import (
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// DefaultSampleInterval is T from the transfer-meter spec (2s).
const DefaultSampleInterval = 2 * time.Second

// Meter accumulates a monotonic byte counter and derives an EWMA rate
// from the deltas observed between samples, exactly as the teacher's
// torrent struct ticks its downloadSpeed/uploadSpeed fields.
type Meter struct {
	mu      sync.Mutex
	total   int64
	lastSample int64
	rate    metrics.EWMA
}

// New returns a Meter with a fresh 1-minute EWMA, matching the teacher's
// metrics.NewEWMA1().
func New() *Meter {
	return &Meter{rate: metrics.NewEWMA1()}
}

// Add accumulates n bytes into the cumulative total.
func (m *Meter) Add(n int64) {
	m.mu.Lock()
	m.total += n
	m.mu.Unlock()
}

// Total returns the cumulative byte count.
func (m *Meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Tick samples the delta since the last Tick, feeds it into the EWMA,
// and advances the EWMA clock. Call this once per DefaultSampleInterval.
func (m *Meter) Tick() {
	m.mu.Lock()
	delta := m.total - m.lastSample
	m.lastSample = m.total
	m.mu.Unlock()

	m.rate.Update(delta)
	m.rate.Tick()
}

// Rate returns the current smoothed rate in bytes/sec.
func (m *Meter) Rate() float64 {
	return m.rate.Rate()
}

// Reset zeroes the cumulative counter and rate; idempotent.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.total = 0
	m.lastSample = 0
	m.mu.Unlock()
	m.rate = metrics.NewEWMA1()
}
