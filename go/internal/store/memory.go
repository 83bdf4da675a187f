package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process Store. Its clock plays the role of the server
// clock. It also lets tests hold back deliveries to reproduce stale-base
// races and inject write or connectivity failures.
type MemoryStore struct {
	clock clockwork.Clock

	mu       sync.Mutex
	records  map[string]models.SessionRecord
	versions map[string]uint64
	subs     map[string]map[*mailbox]struct{}
	held     bool
	writeErr error
	closed   bool
	writeLog []string
}

// NewMemoryStore creates an empty store using clock as the server clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:    clock,
		records:  make(map[string]models.SessionRecord),
		versions: make(map[string]uint64),
		subs:     make(map[string]map[*mailbox]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(ctx context.Context, sessionID string) (<-chan Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	mb := newMailbox()
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[*mailbox]struct{})
	}
	s.subs[sessionID][mb] = struct{}{}
	mb.put(s.snapshotLocked(sessionID))

	go func() {
		mb.run(ctx)
		s.mu.Lock()
		delete(s.subs[sessionID], mb)
		if len(s.subs[sessionID]) == 0 {
			delete(s.subs, sessionID)
		}
		s.mu.Unlock()
	}()

	return mb.out, nil
}

// WriteMerge implements Store.
func (s *MemoryStore) WriteMerge(ctx context.Context, sessionID string, patch models.Patch) error {
	return s.write(ctx, sessionID, "merge", func(cur models.SessionRecord, exists bool) (models.SessionRecord, bool) {
		if !exists {
			cur = models.DefaultSessionRecord()
		}
		return cur.Merge(patch), true
	})
}

// WriteReplace implements Store.
func (s *MemoryStore) WriteReplace(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	return s.write(ctx, sessionID, "replace", func(models.SessionRecord, bool) (models.SessionRecord, bool) {
		return rec.Clone(), true
	})
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	return s.write(ctx, sessionID, "create", func(_ models.SessionRecord, exists bool) (models.SessionRecord, bool) {
		if exists {
			return models.SessionRecord{}, false
		}
		return rec.Clone(), true
	})
}

func (s *MemoryStore) write(ctx context.Context, sessionID, op string, fn func(models.SessionRecord, bool) (models.SessionRecord, bool)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.writeErr != nil {
		return fmt.Errorf("%s %s: %w", op, sessionID, s.writeErr)
	}

	cur, exists := s.records[sessionID]
	next, changed := fn(cur, exists)
	if !changed {
		return nil
	}
	s.records[sessionID] = next
	s.versions[sessionID]++
	s.writeLog = append(s.writeLog, op)

	log.Debug().
		Str("session_id", sessionID).
		Str("op", op).
		Uint64("version", s.versions[sessionID]).
		Msg("memory store write")

	if !s.held {
		s.deliverLocked(sessionID)
	}
	return nil
}

// Now implements Store.
func (s *MemoryStore) Now(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return time.Time{}, ErrClosed
	}
	return s.clock.Now(), nil
}

// Close ends every subscription and rejects further calls.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, boxes := range s.subs {
		for mb := range boxes {
			mb.fail(Snapshot{SessionID: id, Err: ErrClosed})
		}
	}
	return nil
}

// Hold stops fan-out: writes are applied but subscribers keep seeing the
// last delivered snapshot until Release.
func (s *MemoryStore) Hold() {
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
}

// Release resumes fan-out and delivers the latest record of every session.
func (s *MemoryStore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
	for id := range s.subs {
		s.deliverLocked(id)
	}
}

// FailWrites makes every following write return err. A nil err restores
// normal behaviour.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// Disconnect terminates every subscription on sessionID with err.
func (s *MemoryStore) Disconnect(sessionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mb := range s.subs[sessionID] {
		mb.fail(Snapshot{SessionID: sessionID, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)})
	}
}

// Record returns the stored record and whether it exists.
func (s *MemoryStore) Record(sessionID string) (models.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return models.SessionRecord{}, false
	}
	return rec.Clone(), true
}

// Writes returns the operations applied so far, in order.
func (s *MemoryStore) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writeLog))
	copy(out, s.writeLog)
	return out
}

// Subscribers returns the number of open subscriptions on sessionID.
func (s *MemoryStore) Subscribers(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[sessionID])
}

func (s *MemoryStore) snapshotLocked(sessionID string) Snapshot {
	snap := Snapshot{SessionID: sessionID, Version: s.versions[sessionID]}
	if rec, ok := s.records[sessionID]; ok {
		c := rec.Clone()
		snap.Record = &c
	}
	return snap
}

func (s *MemoryStore) deliverLocked(sessionID string) {
	for mb := range s.subs[sessionID] {
		mb.put(s.snapshotLocked(sessionID))
	}
}
