package transfer

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

const rateWindow = 250 * time.Millisecond

// rateMeter smooths the transfer rate over short sampling windows.
type rateMeter struct {
	rate      float64
	lastBytes uint64
	lastTime  time.Time
}

func (m *rateMeter) reset(bytes uint64) {
	m.rate = 0
	m.lastBytes = bytes
	m.lastTime = time.Now()
}

func (m *rateMeter) sample(bytes uint64, now time.Time) {
	elapsed := now.Sub(m.lastTime)
	if elapsed < rateWindow {
		return
	}
	current := float64(bytes-m.lastBytes) / elapsed.Seconds()
	if m.rate == 0 {
		m.rate = current
	} else {
		m.rate = 0.7*m.rate + 0.3*current
	}
	m.lastBytes = bytes
	m.lastTime = now
}

// Percent returns the rounded completion percentage.
func (u Update) Percent() int {
	if u.Size == 0 {
		if u.State == Finished {
			return 100
		}
		return 0
	}
	return int(math.Round(float64(u.Transferred) / float64(u.Size) * 100))
}

// Summary renders the update as "State, N%, rate/s" with the error
// appended when there is one.
func (u Update) Summary() string {
	s := fmt.Sprintf("%s, %d%%, %s/s", u.State, u.Percent(), humanize.Bytes(uint64(math.Round(u.Rate))))
	if u.Err != "" {
		s += " - " + u.Err
	}
	return s
}

// Summary renders the transfer's current progress.
func (t *Transfer) Summary() string {
	return t.Snapshot().Summary()
}
