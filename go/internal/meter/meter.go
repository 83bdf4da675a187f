// Package meter keeps one client's view of a shared meeting cost meter. A
// Meter subscribes to the session record, projects each snapshot into a
// participant registry and timer state, recomputes cost on a per-second
// schedule while the timer runs and turns user commands into store writes.
package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/mcdev12/meetingmeter/go/internal/rates"
	"github.com/mcdev12/meetingmeter/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Config wires a Meter to its collaborators.
type Config struct {
	SessionID      string
	Store          store.Store
	Rates          rates.Lookup
	Clock          clockwork.Clock
	TickInterval   time.Duration
	ResyncInterval time.Duration // zero disables periodic clock resync
}

// Reading is the read-only view handed to the presentation layer.
type Reading struct {
	SessionID          string               `json:"session_id"`
	ElapsedSeconds     float64              `json:"elapsed_seconds"`
	TotalCost          float64              `json:"total_cost"`
	PerParticipantCost map[string]float64   `json:"per_participant_cost"`
	Participants       []models.Participant `json:"participants"`
	IsRunning          bool                 `json:"is_running"`
	AccumulatedSeconds float64              `json:"accumulated_seconds"`
	StartAnchor        *time.Time           `json:"start_anchor,omitempty"`
	Version            uint64               `json:"version"`
	ComputedAt         time.Time            `json:"computed_at"`
	Err                error                `json:"-"`
}

// Meter is one client's live view of a session.
type Meter struct {
	sessionID  string
	store      store.Store
	clock      clockwork.Clock
	server     *ServerClock
	registry   *Registry
	reconciler *Reconciler
	ticker     *Ticker

	mu       sync.RWMutex
	reading  Reading
	watchers map[int]chan Reading
	nextID   int
	closed   bool

	ready     chan struct{}
	readyOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New syncs the server clock, subscribes to the session and starts the event
// loop. The returned meter may not have applied a snapshot yet; commands wait
// for the first one.
func New(ctx context.Context, cfg Config) (*Meter, error) {
	if cfg.Store == nil {
		return nil, errors.New("meter: store is required")
	}
	sessionID, err := ValidateSessionID(cfg.SessionID)
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	server := NewServerClock(cfg.Store, cfg.Clock)
	if err := server.Sync(ctx); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	snaps, err := cfg.Store.Subscribe(loopCtx, sessionID)
	if err != nil {
		cancel()
		return nil, &ConnectivityError{Op: "subscribe", Err: err}
	}

	registry := NewRegistry(cfg.Rates)
	m := &Meter{
		sessionID:  sessionID,
		store:      cfg.Store,
		clock:      cfg.Clock,
		server:     server,
		registry:   registry,
		reconciler: NewReconciler(sessionID, cfg.Store, registry),
		ticker:     NewTicker(cfg.Clock, cfg.TickInterval),
		reading:    Reading{SessionID: sessionID, PerParticipantCost: map[string]float64{}, Participants: []models.Participant{}},
		watchers:   make(map[int]chan Reading),
		ready:      make(chan struct{}),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go server.Run(loopCtx, cfg.ResyncInterval)
	go m.run(loopCtx, snaps)

	log.Info().
		Str("session_id", sessionID).
		Dur("clock_offset", server.Offset()).
		Msg("meter started")
	return m, nil
}

// SessionID returns the session this meter follows.
func (m *Meter) SessionID() string {
	return m.sessionID
}

// ServerClock returns the calibrated store clock.
func (m *Meter) ServerClock() *ServerClock {
	return m.server
}

func (m *Meter) run(ctx context.Context, snaps <-chan store.Snapshot) {
	defer close(m.done)
	defer m.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				if ctx.Err() != nil {
					return
				}
				if m.reconciler.Err() != nil {
					// The terminal snapshot already carried the cause.
					continue
				}
				snap = store.Snapshot{SessionID: m.sessionID, Err: store.ErrUnavailable}
			}
			m.handleSnapshot(ctx, snap)

		case <-m.ticker.C():
			m.recompute(nil)

		case err := <-m.reconciler.InitErrors():
			if err != nil {
				log.Error().Err(err).Str("session_id", m.sessionID).Msg("failed to create session record")
				m.recompute(err)
			}
		}
	}
}

func (m *Meter) handleSnapshot(ctx context.Context, snap store.Snapshot) {
	res := m.reconciler.Apply(ctx, snap)
	if res.Err != nil {
		m.ticker.Stop()
		m.recompute(res.Err)
		m.markReady()
		return
	}
	if !res.Applied {
		return
	}
	if res.Changed {
		m.ticker.Rebuild(m.reconciler.Timer().IsRunning)
	}
	m.recompute(nil)
	m.markReady()

	log.Debug().
		Str("session_id", m.sessionID).
		Uint64("version", snap.Version).
		Bool("exists", snap.Exists()).
		Bool("changed", res.Changed).
		Msg("applied session snapshot")
}

// recompute evaluates the accrual against the server clock and publishes the
// reading. A terminal subscription error sticks to every later reading.
func (m *Meter) recompute(err error) {
	rec := m.reconciler.Record()
	now := m.server.Now()
	acc := Compute(rec.Participants, rec.Timer, now)
	version, _ := m.reconciler.Version()
	if err == nil {
		err = m.reconciler.Err()
	}

	r := Reading{
		SessionID:          m.sessionID,
		ElapsedSeconds:     acc.ElapsedSeconds,
		TotalCost:          acc.TotalCost,
		PerParticipantCost: acc.PerParticipantCost,
		Participants:       rec.Participants,
		IsRunning:          rec.Timer.IsRunning,
		AccumulatedSeconds: rec.Timer.AccumulatedSeconds,
		StartAnchor:        rec.Timer.StartAnchor,
		Version:            version,
		ComputedAt:         now,
		Err:                err,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reading = r
	for _, ch := range m.watchers {
		offer(ch, r)
	}
}

// offer replaces any unread reading so watchers always see the latest one.
func offer(ch chan Reading, r Reading) {
	for {
		select {
		case ch <- r:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (m *Meter) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// Ready is closed once the first snapshot (or a subscription failure) has been
// applied.
func (m *Meter) Ready() <-chan struct{} {
	return m.ready
}

// WaitReady blocks until the first snapshot is applied.
func (m *Meter) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return m.reconciler.Err()
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the latest reading.
func (m *Meter) Current() Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reading
}

// Readings streams every published reading, coalescing to the newest when
// the reader falls behind. The stream starts with the current reading and
// ends when cancel is called or the meter closes.
func (m *Meter) Readings() (<-chan Reading, func()) {
	ch := make(chan Reading, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	ch <- m.reading
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(ch)
			}
		})
	}
}

// base waits for the first snapshot and returns the projection commands work
// against. A failed subscription makes every command fail.
func (m *Meter) base(ctx context.Context) (models.SessionRecord, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return models.SessionRecord{}, ErrClosed
	}
	if err := m.WaitReady(ctx); err != nil {
		return models.SessionRecord{}, err
	}
	return m.reconciler.Record(), nil
}

// AddParticipant validates the input, prices the participant at the current
// rate for role and appends it to the session.
func (m *Meter) AddParticipant(ctx context.Context, name, role string) (models.Participant, error) {
	p, err := m.registry.Build(name, role)
	if err != nil {
		return models.Participant{}, err
	}
	if _, err := m.base(ctx); err != nil {
		return models.Participant{}, err
	}
	if err := m.store.WriteMerge(ctx, m.sessionID, m.registry.AddPatch(p)); err != nil {
		return models.Participant{}, &WriteRejectedError{Op: "add participant", Err: err}
	}

	log.Info().
		Str("session_id", m.sessionID).
		Str("participant_id", p.ID).
		Str("role", p.Role).
		Float64("rate", p.Rate).
		Msg("participant added")
	return p, nil
}

// RemoveParticipant drops id from the session. Removing an absent id succeeds
// without writing.
func (m *Meter) RemoveParticipant(ctx context.Context, id string) error {
	if _, err := m.base(ctx); err != nil {
		return err
	}
	patch, ok := m.registry.RemovePatch(id)
	if !ok {
		log.Debug().Str("session_id", m.sessionID).Str("participant_id", id).Msg("participant already absent")
		return nil
	}
	if err := m.store.WriteMerge(ctx, m.sessionID, patch); err != nil {
		return &WriteRejectedError{Op: "remove participant", Err: err}
	}
	log.Info().Str("session_id", m.sessionID).Str("participant_id", id).Msg("participant removed")
	return nil
}

// Start anchors a new running segment at the store's current time.
func (m *Meter) Start(ctx context.Context) error {
	rec, err := m.base(ctx)
	if err != nil {
		return err
	}
	if _, err := StartPatch(rec, time.Time{}); err != nil {
		return err
	}
	now, err := m.store.Now(ctx)
	if err != nil {
		return &ConnectivityError{Op: "start", Err: err}
	}
	patch, err := StartPatch(rec, now)
	if err != nil {
		return err
	}
	if err := m.store.WriteMerge(ctx, m.sessionID, patch); err != nil {
		return &WriteRejectedError{Op: "start", Err: err}
	}
	log.Info().Str("session_id", m.sessionID).Time("anchor", now).Msg("meter started running")
	return nil
}

// Stop folds the running segment, measured on the store's clock, into the
// accumulated seconds.
func (m *Meter) Stop(ctx context.Context) error {
	rec, err := m.base(ctx)
	if err != nil {
		return err
	}
	if _, err := StopPatch(rec, time.Time{}); err != nil {
		return err
	}
	now, err := m.store.Now(ctx)
	if err != nil {
		return &ConnectivityError{Op: "stop", Err: err}
	}
	patch, err := StopPatch(rec, now)
	if err != nil {
		return err
	}
	if err := m.store.WriteMerge(ctx, m.sessionID, patch); err != nil {
		return &WriteRejectedError{Op: "stop", Err: err}
	}
	log.Info().
		Str("session_id", m.sessionID).
		Float64("accumulated_seconds", *patch.Timer.AccumulatedSeconds).
		Msg("meter stopped")
	return nil
}

// Reset wipes the session back to the default record.
func (m *Meter) Reset(ctx context.Context) error {
	if _, err := m.base(ctx); err != nil {
		return err
	}
	if err := m.store.WriteReplace(ctx, m.sessionID, ResetRecord()); err != nil {
		return &WriteRejectedError{Op: "reset", Err: err}
	}
	log.Info().Str("session_id", m.sessionID).Msg("session reset")
	return nil
}

// Close releases the subscription and the tick schedule and ends every
// readings stream. It does not close the store.
func (m *Meter) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	<-m.done

	m.mu.Lock()
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
	m.mu.Unlock()

	log.Info().Str("session_id", m.sessionID).Msg("meter closed")
	return nil
}

// String is used in log lines.
func (r Reading) String() string {
	state := models.TimerStatusStopped
	if r.IsRunning {
		state = models.TimerStatusRunning
	}
	return fmt.Sprintf("%s %s elapsed=%.0fs cost=%.2f participants=%d", r.SessionID, state, r.ElapsedSeconds, r.TotalCost, len(r.Participants))
}
