package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/meter"
	"github.com/mcdev12/meetingmeter/go/internal/rates"
	"github.com/mcdev12/meetingmeter/go/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// HubConfig holds what every hosted meter is built with
type HubConfig struct {
	Store          store.Store
	Rates          rates.Lookup
	Clock          clockwork.Clock
	TickInterval   time.Duration
	ResyncInterval time.Duration
}

// Hub hosts one meter per session on demand. Meters are reference counted by
// websocket connections and in-flight RPCs and closed when the last user
// releases them. Every reading is broadcast to the session's connections.
type Hub struct {
	config      HubConfig
	broadcaster Broadcaster

	mu       sync.Mutex
	sessions map[string]*hostedMeter
	closed   bool

	active prometheus.Gauge
}

// Broadcaster receives the readings of hosted meters
type Broadcaster interface {
	BroadcastToSession(sessionID string, event *MeterEvent)
}

type hostedMeter struct {
	meter  *meter.Meter
	refs   int
	cancel func()
	done   chan struct{}

	// ready is closed once the meter is built or err is set.
	ready chan struct{}
	err   error
	// detached is set when a newer meter replaced this one in sessions.
	detached bool
}

// NewHub creates a hub. reg may be nil.
func NewHub(config HubConfig, broadcaster Broadcaster, reg prometheus.Registerer) *Hub {
	h := &Hub{
		config:      config,
		broadcaster: broadcaster,
		sessions:    make(map[string]*hostedMeter),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meetingmeter",
			Subsystem: "gateway",
			Name:      "hosted_meters",
			Help:      "Sessions with a meter hosted by this gateway.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.active)
	}
	return h
}

// Acquire returns the session's meter, starting it if needed. A meter whose
// subscription was lost is replaced by a fresh one. The meter is built
// outside the hub lock; callers for the same session wait for it. release
// must be called exactly once.
func (h *Hub) Acquire(ctx context.Context, sessionID string) (*meter.Meter, func(), error) {
	sessionID, err := meter.ValidateSessionID(sessionID)
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, meter.ErrClosed
	}

	hm, ok := h.sessions[sessionID]
	if ok && hm.meter != nil && subscriptionLost(hm.meter) {
		log.Warn().Str("session_id", sessionID).Msg("hosted meter lost its subscription, starting a new one")
		delete(h.sessions, sessionID)
		h.active.Dec()
		hm.detached = true
		ok = false
	}
	if !ok {
		hm = &hostedMeter{ready: make(chan struct{})}
		h.sessions[sessionID] = hm
		hm.refs++
		h.mu.Unlock()
		if err := h.start(ctx, sessionID, hm); err != nil {
			return nil, nil, err
		}
	} else {
		hm.refs++
		h.mu.Unlock()
		if err := h.wait(ctx, sessionID, hm); err != nil {
			return nil, nil, err
		}
	}

	var once sync.Once
	return hm.meter, func() {
		once.Do(func() { h.release(sessionID, hm) })
	}, nil
}

// start builds the meter for a pending entry and publishes the outcome to
// callers waiting on it.
func (h *Hub) start(ctx context.Context, sessionID string, hm *hostedMeter) error {
	m, err := meter.New(ctx, meter.Config{
		SessionID:      sessionID,
		Store:          h.config.Store,
		Rates:          h.config.Rates,
		Clock:          h.config.Clock,
		TickInterval:   h.config.TickInterval,
		ResyncInterval: h.config.ResyncInterval,
	})
	if err != nil {
		err = fmt.Errorf("failed to start meter for %s: %w", sessionID, err)
	}

	h.mu.Lock()
	if err == nil && h.closed {
		_ = m.Close()
		err = meter.ErrClosed
	}
	if err != nil {
		hm.err = err
		hm.refs--
		if h.sessions[sessionID] == hm {
			delete(h.sessions, sessionID)
		}
		close(hm.ready)
		h.mu.Unlock()
		return err
	}

	hm.meter = m
	hm.done = make(chan struct{})
	readings, cancel := m.Readings()
	hm.cancel = cancel
	go h.forward(sessionID, readings, hm.done)
	h.active.Inc()
	close(hm.ready)
	h.mu.Unlock()

	log.Info().Str("session_id", sessionID).Msg("hosting meter")
	return nil
}

// wait blocks until a meter another caller is building is ready. The
// reference taken by Acquire is dropped when it fails.
func (h *Hub) wait(ctx context.Context, sessionID string, hm *hostedMeter) error {
	select {
	case <-hm.ready:
		if hm.err == nil {
			return nil
		}
		h.mu.Lock()
		hm.refs--
		h.mu.Unlock()
		return hm.err
	case <-ctx.Done():
		go func() {
			<-hm.ready
			if hm.err == nil {
				h.release(sessionID, hm)
				return
			}
			h.mu.Lock()
			hm.refs--
			h.mu.Unlock()
		}()
		return ctx.Err()
	}
}

func subscriptionLost(m *meter.Meter) bool {
	var cerr *meter.ConnectivityError
	return errors.As(m.Current().Err, &cerr)
}

func (h *Hub) release(sessionID string, hm *hostedMeter) {
	h.mu.Lock()
	hm.refs--
	if hm.refs > 0 {
		h.mu.Unlock()
		return
	}
	switch {
	case h.sessions[sessionID] == hm:
		delete(h.sessions, sessionID)
		h.active.Dec()
	case !hm.detached:
		// Already shut down by Close.
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.shutdown(sessionID, hm)
}

func (h *Hub) shutdown(sessionID string, hm *hostedMeter) {
	hm.cancel()
	if err := hm.meter.Close(); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to close meter")
	}
	<-hm.done
	log.Info().Str("session_id", sessionID).Msg("stopped hosting meter")
}

func (h *Hub) forward(sessionID string, readings <-chan meter.Reading, done chan struct{}) {
	defer close(done)
	for r := range readings {
		if h.broadcaster == nil {
			continue
		}
		event, err := NewMeterEvent(sessionID, EventTypeReading, NewReadingPayload(r))
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("failed to build reading event")
			continue
		}
		h.broadcaster.BroadcastToSession(sessionID, event)
	}
}

// Sessions returns the number of hosted meters.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops every hosted meter. Meters still being built are closed by
// the caller building them.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	running := make(map[string]*hostedMeter, len(h.sessions))
	for id, hm := range h.sessions {
		if hm.meter != nil {
			running[id] = hm
		}
	}
	h.sessions = make(map[string]*hostedMeter)
	h.mu.Unlock()

	for id, hm := range running {
		h.active.Dec()
		h.shutdown(id, hm)
	}
}
