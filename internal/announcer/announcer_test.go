package announcer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bitforge/torrent/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	url    string
	fail   bool
	events []tracker.Event
	mu     sync.Mutex
	resp   tracker.Response
}

func (f *fakeTracker) URL() string { return f.url }
func (f *fakeTracker) Announce(infoHash, peerID [20]byte, port int, stats tracker.Stats, event tracker.Event) (*tracker.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if f.fail {
		return nil, errors.New("boom")
	}
	r := f.resp
	return &r, nil
}

func (f *fakeTracker) seenEvents() []tracker.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tracker.Event, len(f.events))
	copy(out, f.events)
	return out
}

func TestAnnounceAllToleratesOneFailure(t *testing.T) {
	ok := &fakeTracker{url: "a", resp: tracker.Response{Interval: 60}}
	bad := &fakeTracker{url: "b", fail: true}

	var gotPeers []tracker.Peer
	var mu sync.Mutex
	a := New([]tracker.Tracker{bad, ok}, [20]byte{}, [20]byte{}, 6881, time.Hour,
		func() tracker.Stats { return tracker.Stats{} },
		func(p []tracker.Peer) { mu.Lock(); gotPeers = p; mu.Unlock() }, nil)

	a.announceAll(tracker.EventStarted)

	assert.Equal(t, []tracker.Event{tracker.EventStarted}, bad.seenEvents())
	assert.Equal(t, []tracker.Event{tracker.EventStarted}, ok.seenEvents())
}

func TestRunFiresStartedThenStoppedOnStop(t *testing.T) {
	ok := &fakeTracker{url: "a", resp: tracker.Response{Interval: 3600}}
	a := New([]tracker.Tracker{ok}, [20]byte{}, [20]byte{}, 6881, time.Hour,
		func() tracker.Stats { return tracker.Stats{} }, nil, nil)

	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	require.Eventually(t, func() bool { return len(ok.seenEvents()) >= 1 }, time.Second, time.Millisecond)
	a.Stop()
	<-done

	events := ok.seenEvents()
	require.Len(t, events, 2)
	assert.Equal(t, tracker.EventStarted, events[0])
	assert.Equal(t, tracker.EventStopped, events[1])
}

func TestRunFiresCompletedOnDemand(t *testing.T) {
	ok := &fakeTracker{url: "a", resp: tracker.Response{Interval: 3600}}
	a := New([]tracker.Tracker{ok}, [20]byte{}, [20]byte{}, 6881, time.Hour,
		func() tracker.Stats { return tracker.Stats{} }, nil, nil)

	go a.Run()
	require.Eventually(t, func() bool { return len(ok.seenEvents()) >= 1 }, time.Second, time.Millisecond)

	a.Complete()
	require.Eventually(t, func() bool { return len(ok.seenEvents()) >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, tracker.EventCompleted, ok.seenEvents()[1])

	a.Stop()
}
