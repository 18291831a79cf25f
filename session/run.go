package session

import "time"

// completePollInterval bounds how quickly the event loop notices a
// transition to "has at least one piece" (promote seeding) or "fully
// complete" (promote the download announcer's completed event).
const completePollInterval = 300 * time.Millisecond

// run is the torrent's own event loop: it has no peer-wire or tracker
// logic of its own, only the glue between the piece manager's state and
// the two announcers, plus shutdown coordination.
func (t *Torrent) run() {
	defer close(t.closedC)

	ticker := time.NewTicker(completePollInterval)
	defer ticker.Stop()

	seedingStarted := false
	downloadDone := false

	for {
		select {
		case <-t.closeC:
			return
		case <-ticker.C:
			if !seedingStarted && t.pieces.PresentBitfield().Count() > 0 {
				seedingStarted = true
				go t.sdAnnouncer.Run()
			}
			if !downloadDone && t.pieces.IsComplete() {
				downloadDone = true
				t.mu.Lock()
				t.completed = true
				t.mu.Unlock()
				if !seedingStarted {
					seedingStarted = true
					go t.sdAnnouncer.Run()
				}
				t.dlAnnouncer.Complete()
				// Nothing left to fetch; release download workers so
				// they stop holding peer connections open. The pool
				// drain blocks, so run it off the event loop goroutine.
				go t.pool.Stop()
			}
		}
	}
}
