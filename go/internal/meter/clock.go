package meter

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/store"
	"github.com/rs/zerolog/log"
)

// DefaultResyncInterval is how often the server clock offset is re-measured.
const DefaultResyncInterval = 5 * time.Minute

// ServerClock estimates the store's clock from the local one. Each Sync
// performs one Store.Now round trip and takes the offset between the server
// reading and the midpoint of the round trip, so per-second recomputes need
// no network call.
type ServerClock struct {
	store store.Store
	clock clockwork.Clock

	mu        sync.RWMutex
	offset    time.Duration
	roundTrip time.Duration
	syncedAt  time.Time
	synced    bool
}

// NewServerClock creates an unsynced clock. Until the first Sync it reports
// local time.
func NewServerClock(st store.Store, clock clockwork.Clock) *ServerClock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ServerClock{store: st, clock: clock}
}

// Sync measures the offset once.
func (c *ServerClock) Sync(ctx context.Context) error {
	sent := c.clock.Now()
	server, err := c.store.Now(ctx)
	if err != nil {
		return &ConnectivityError{Op: "clock sync", Err: err}
	}
	received := c.clock.Now()

	rtt := received.Sub(sent)
	midpoint := sent.Add(rtt / 2)
	offset := server.Sub(midpoint)

	c.mu.Lock()
	c.offset = offset
	c.roundTrip = rtt
	c.syncedAt = received
	c.synced = true
	c.mu.Unlock()

	log.Debug().
		Dur("offset", offset).
		Dur("round_trip", rtt).
		Msg("server clock synced")
	return nil
}

// Now returns the estimated server time.
func (c *ServerClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clock.Now().Add(c.offset)
}

// Offset returns the last measured server minus local offset.
func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// LastSync returns when the offset was last measured and the round trip it
// took.
func (c *ServerClock) LastSync() (time.Time, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncedAt, c.roundTrip
}

// Synced reports whether at least one Sync succeeded.
func (c *ServerClock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// Run re-syncs every interval until ctx is done. A failed re-sync keeps the
// previous offset.
func (c *ServerClock) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.Sync(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Dur("offset", c.Offset()).Msg("server clock resync failed, keeping last offset")
			}
		}
	}
}
