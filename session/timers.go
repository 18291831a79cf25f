package session

import (
	"time"

	"github.com/bitforge/torrent/internal/meter"
)

// startMeterTicker drives both the download and upload transfer meters'
// EWMA sampling on the cadence the meter package documents, until the
// torrent is closed.
func (t *Torrent) startMeterTicker() {
	ticker := time.NewTicker(meter.DefaultSampleInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.closeC:
				return
			case <-ticker.C:
				t.dlMeter.Tick()
				t.ulMeter.Tick()
			}
		}
	}()
}
