package meter

import (
	"context"
	"sync"

	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/mcdev12/meetingmeter/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Reconciler turns the snapshot stream into the local projection. Every
// applied snapshot replaces the registry and timer wholesale; nothing is
// merged locally.
type Reconciler struct {
	sessionID string
	store     store.Store
	registry  *Registry

	mu           sync.RWMutex
	timer        models.TimerState
	version      uint64
	applied      bool
	exists       bool
	err          error
	initializing bool
	initErrs     chan error
}

// ReconcileResult describes what one snapshot did to the projection.
type ReconcileResult struct {
	// Applied is false for snapshots older than the projection.
	Applied bool
	// Changed is set when running state, anchor, accumulated seconds or
	// participants differ from before.
	Changed bool
	// Err is the terminal ConnectivityError for a failed stream.
	Err error
}

// NewReconciler creates a reconciler feeding registry.
func NewReconciler(sessionID string, st store.Store, registry *Registry) *Reconciler {
	return &Reconciler{
		sessionID: sessionID,
		store:     st,
		registry:  registry,
		initErrs:  make(chan error, 1),
	}
}

// Apply folds one snapshot into the projection. An absent record triggers a
// background create-if-absent of the default record; its outcome arrives on
// InitErrors.
func (r *Reconciler) Apply(ctx context.Context, snap store.Snapshot) ReconcileResult {
	if snap.Err != nil {
		err := &ConnectivityError{Op: "subscribe", Err: snap.Err}
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		log.Error().Err(snap.Err).Str("session_id", r.sessionID).Msg("session subscription failed")
		return ReconcileResult{Err: err}
	}

	r.mu.Lock()
	if r.applied && snap.Version < r.version {
		r.mu.Unlock()
		log.Debug().
			Str("session_id", r.sessionID).
			Uint64("version", snap.Version).
			Uint64("applied_version", r.version).
			Msg("dropping stale snapshot")
		return ReconcileResult{}
	}

	rec := models.DefaultSessionRecord()
	if snap.Exists() {
		rec = snap.Record.Clone()
	}
	first := !r.applied
	timerChanged := !sameTimer(r.timer, rec.Timer)
	r.timer = rec.Timer
	r.version = snap.Version
	r.applied = true
	r.exists = snap.Exists()
	r.err = nil

	startInit := !snap.Exists() && !r.initializing
	if startInit {
		r.initializing = true
	}
	if snap.Exists() {
		r.initializing = false
	}
	participantsChanged := r.registry.Replace(rec.Participants)
	r.mu.Unlock()

	if startInit {
		go r.initialize(ctx)
	}

	return ReconcileResult{
		Applied: true,
		Changed: first || timerChanged || participantsChanged,
	}
}

func (r *Reconciler) initialize(ctx context.Context) {
	log.Info().Str("session_id", r.sessionID).Msg("session record missing, creating default")
	err := r.store.Create(ctx, r.sessionID, models.DefaultSessionRecord())
	if err != nil {
		err = &WriteRejectedError{Op: "initialize", Err: err}
	}

	r.mu.Lock()
	if err != nil {
		r.initializing = false
	}
	r.mu.Unlock()

	select {
	case r.initErrs <- err:
	case <-ctx.Done():
	}
}

// InitErrors delivers the outcome of each default-record create. A nil
// value is a successful create.
func (r *Reconciler) InitErrors() <-chan error {
	return r.initErrs
}

// Timer returns the projected timer state.
func (r *Reconciler) Timer() models.TimerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timer
}

// Record returns the projected session record. Timer and participants always
// come from the same snapshot.
func (r *Reconciler) Record() models.SessionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := models.SessionRecord{
		Participants: r.registry.Participants(),
		Timer:        r.timer,
	}
	return rec.Clone()
}

// Version returns the version of the last applied snapshot and whether any
// snapshot was applied.
func (r *Reconciler) Version() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version, r.applied
}

// Exists reports whether the last applied snapshot carried a record.
func (r *Reconciler) Exists() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exists
}

// Err returns the terminal subscription error, if any.
func (r *Reconciler) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

func sameTimer(a, b models.TimerState) bool {
	if a.IsRunning != b.IsRunning || a.AccumulatedSeconds != b.AccumulatedSeconds {
		return false
	}
	if (a.StartAnchor == nil) != (b.StartAnchor == nil) {
		return false
	}
	return a.StartAnchor == nil || a.StartAnchor.Equal(*b.StartAnchor)
}
