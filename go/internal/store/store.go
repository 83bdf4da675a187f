// Package store holds the adapters for the shared session document store.
// Every adapter offers the same capability: subscribe to full-record
// snapshots, merge or replace the record, and report the store's own clock.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mcdev12/meetingmeter/go/internal/models"
)

var (
	// ErrUnavailable marks a store that could not be reached or dropped a
	// subscription.
	ErrUnavailable = errors.New("store unavailable")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Store is the remote document store shared by every client of a session.
type Store interface {
	// Subscribe streams full snapshots of the session record, starting with
	// the current one (Record is nil while the record does not exist). Each
	// subscriber sees versions in non-decreasing order. A snapshot with Err
	// set is terminal and is followed by the channel closing. The channel is
	// also closed when ctx is cancelled.
	Subscribe(ctx context.Context, sessionID string) (<-chan Snapshot, error)

	// WriteMerge applies patch to the stored record, creating it from the
	// default record if absent.
	WriteMerge(ctx context.Context, sessionID string, patch models.Patch) error

	// WriteReplace overwrites the whole record.
	WriteReplace(ctx context.Context, sessionID string, rec models.SessionRecord) error

	// Create stores rec only if no record exists yet. Losing the race to
	// another creator is not an error.
	Create(ctx context.Context, sessionID string, rec models.SessionRecord) error

	// Now returns the store's clock. Every instant used in duration math
	// comes from here.
	Now(ctx context.Context) (time.Time, error)

	Close() error
}

// Snapshot is one delivery on a subscription.
type Snapshot struct {
	SessionID string
	Record    *models.SessionRecord
	Version   uint64
	Err       error
}

// Exists reports whether the snapshot carries a record.
func (s Snapshot) Exists() bool {
	return s.Record != nil
}

// Backend names a store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendNATS     Backend = "nats"
)

// snapshotBuffer is the channel size handed to subscribers. Adapters
// coalesce to the latest record, so a slow reader only ever misses
// intermediate versions.
const snapshotBuffer = 16
