package meter

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultTickInterval is the recompute cadence while the timer runs.
const DefaultTickInterval = time.Second

// Ticker is the single periodic recompute schedule of a meter. It is never
// adjusted in place: Rebuild stops the current schedule and starts a new one.
type Ticker struct {
	clock    clockwork.Clock
	interval time.Duration

	mu      sync.Mutex
	current clockwork.Ticker
	builds  int
}

// NewTicker creates a stopped ticker.
func NewTicker(clock clockwork.Clock, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{clock: clock, interval: interval}
}

// Rebuild tears down the current schedule and, when running, starts a fresh
// one whose first tick is one interval from now.
func (t *Ticker) Rebuild(running bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil {
		stopAndDrainTicker(t.current)
		t.current = nil
	}
	if !running {
		return
	}
	t.current = t.clock.NewTicker(t.interval)
	t.builds++
	log.Debug().Dur("interval", t.interval).Int("builds", t.builds).Msg("rebuilt meter ticker")
}

// C returns the tick channel, or nil while stopped so a select on it blocks.
func (t *Ticker) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	return t.current.Chan()
}

// Running reports whether a schedule is active.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// Builds returns how many schedules have been started.
func (t *Ticker) Builds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.builds
}

// Stop tears down the schedule.
func (t *Ticker) Stop() {
	t.Rebuild(false)
}

// stopAndDrainTicker stops a ticker and drains a pending tick so a rebuilt
// schedule never sees a tick computed from the old one.
func stopAndDrainTicker(ticker clockwork.Ticker) {
	ticker.Stop()
	select {
	case <-ticker.Chan():
	default:
	}
}
