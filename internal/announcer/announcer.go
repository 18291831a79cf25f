// Package announcer drives the periodic tracker announce cycle for one
// torrent. Two independent Announcer instances are used per torrent: a
// download announcer, active while the torrent is incomplete, and a
// seeding announcer, active from the first present piece until shutdown.
package announcer

import (
	"time"

	"github.com/bitforge/torrent/internal/tracker"
	"go.uber.org/zap"
)

// DefaultInterval is used when the tracker does not override it and the
// configured interval is zero.
const DefaultInterval = time.Minute

// Announcer fires started/periodic/completed/stopped announces across a
// fixed set of tracker URLs, in list order, tolerating per-tracker
// failures.
type Announcer struct {
	trackers []tracker.Tracker
	infoHash [20]byte
	peerID   [20]byte
	port     int
	interval time.Duration
	statsFn  func() tracker.Stats
	onPeers  func([]tracker.Peer)
	log      *zap.SugaredLogger

	completeC chan struct{}
	stopC     chan struct{}
	doneC     chan struct{}
}

// New builds an Announcer. interval is the default period between
// none-event announces; it is overridden by a tracker's own response
// interval once one is observed.
func New(trackers []tracker.Tracker, infoHash, peerID [20]byte, port int, interval time.Duration, statsFn func() tracker.Stats, onPeers func([]tracker.Peer), log *zap.SugaredLogger) *Announcer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Announcer{
		trackers:  trackers,
		infoHash:  infoHash,
		peerID:    peerID,
		port:      port,
		interval:  interval,
		statsFn:   statsFn,
		onPeers:   onPeers,
		log:       log,
		completeC: make(chan struct{}, 1),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}
}

// Run is the scheduler's event loop; call it in its own goroutine. It
// fires an immediate `started` announce, then alternates between the
// periodic timer and the Complete/Stop signals until Stop is called.
func (a *Announcer) Run() {
	defer close(a.doneC)

	a.announceAll(tracker.EventStarted)
	timer := time.NewTimer(a.interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			a.announceAll(tracker.EventNone)
			timer.Reset(a.interval)
		case <-a.completeC:
			a.announceAll(tracker.EventCompleted)
		case <-a.stopC:
			a.announceAll(tracker.EventStopped)
			return
		}
	}
}

// Complete requests a `completed` announce on the next loop iteration.
// It is safe to call at most once per torrent lifetime; extra calls are
// dropped rather than queued.
func (a *Announcer) Complete() {
	select {
	case a.completeC <- struct{}{}:
	default:
	}
}

// Stop requests a final `stopped` announce and waits for the scheduler
// goroutine to exit.
func (a *Announcer) Stop() {
	select {
	case <-a.stopC:
	default:
		close(a.stopC)
	}
	<-a.doneC
}

func (a *Announcer) announceAll(event tracker.Event) {
	stats := a.statsFn()
	for _, t := range a.trackers {
		resp, err := t.Announce(a.infoHash, a.peerID, a.port, stats, event)
		if err != nil {
			if a.log != nil {
				a.log.Debugw("announce failed", "tracker", t.URL(), "event", event.String(), "err", err)
			}
			continue
		}
		if resp.Interval > 0 {
			a.interval = time.Duration(resp.Interval) * time.Second
		}
		if a.onPeers != nil && len(resp.Peers) > 0 {
			a.onPeers(resp.Peers)
		}
	}
}
