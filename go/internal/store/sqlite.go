package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/mcdev12/meetingmeter/go/internal/sqlutil"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	Path         string
	PollInterval time.Duration
	BusyTimeout  time.Duration
}

// DefaultSQLiteConfig returns default SQLite settings.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:         "meetingmeter.db",
		PollInterval: 250 * time.Millisecond,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStore shares session records through one SQLite file, which lets
// several processes on a host act as clients of the same session. The
// database clock is the server clock; subscriptions poll the version column.
type SQLiteStore struct {
	db    *sql.DB
	cfg   SQLiteConfig
	clock clockwork.Clock

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS meter_sessions (
	session_id          TEXT PRIMARY KEY,
	participants        TEXT NOT NULL,
	is_running          INTEGER NOT NULL DEFAULT 0,
	accumulated_seconds REAL NOT NULL DEFAULT 0,
	start_anchor        TEXT NULL,
	version             INTEGER NOT NULL,
	updated_at          TEXT NOT NULL
)`

// NewSQLiteStore opens (and if needed creates) the database at cfg.Path.
// clock drives the subscription poller; nil means the real clock.
func NewSQLiteStore(cfg SQLiteConfig, clock clockwork.Clock) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultSQLiteConfig().Path
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultSQLiteConfig().PollInterval
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultSQLiteConfig().BusyTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create meter_sessions table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	log.Info().Str("path", cfg.Path).Msg("sqlite store opened")
	return &SQLiteStore{db: db, cfg: cfg, clock: clock, ctx: ctx, cancel: cancel}, nil
}

var _ Store = (*SQLiteStore)(nil)

// sqliteQueries binds the statements to a transaction or the pool.
type sqliteQueries struct {
	db interface {
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	}
}

func newSQLiteQueries(tx *sql.Tx) *sqliteQueries {
	return &sqliteQueries{db: tx}
}

type sqliteRow struct {
	record  models.SessionRecord
	version uint64
}

func (q *sqliteQueries) get(ctx context.Context, sessionID string) (*sqliteRow, error) {
	var (
		participants string
		running      int64
		accumulated  float64
		anchor       sql.NullString
		version      int64
	)
	err := q.db.QueryRowContext(ctx, `SELECT participants, is_running, accumulated_seconds, start_anchor, version
		FROM meter_sessions WHERE session_id = ?`, sessionID).
		Scan(&participants, &running, &accumulated, &anchor, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	row := &sqliteRow{version: uint64(version)}
	if err := json.Unmarshal([]byte(participants), &row.record.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if row.record.Participants == nil {
		row.record.Participants = []models.Participant{}
	}
	row.record.Timer.IsRunning = running != 0
	row.record.Timer.AccumulatedSeconds = accumulated
	if row.record.Timer.StartAnchor, err = sqlutil.FromSqlTimeText(anchor); err != nil {
		return nil, err
	}
	return row, nil
}

func (q *sqliteQueries) version(ctx context.Context, sessionID string) (uint64, bool, error) {
	var version int64
	err := q.db.QueryRowContext(ctx, `SELECT version FROM meter_sessions WHERE session_id = ?`, sessionID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(version), true, nil
}

func (q *sqliteQueries) put(ctx context.Context, sessionID string, rec models.SessionRecord, version uint64) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `INSERT INTO meter_sessions
		(session_id, participants, is_running, accumulated_seconds, start_anchor, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(session_id) DO UPDATE SET
			participants = excluded.participants,
			is_running = excluded.is_running,
			accumulated_seconds = excluded.accumulated_seconds,
			start_anchor = excluded.start_anchor,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		sessionID,
		string(participants),
		sqlutil.ToSqlBool(rec.Timer.IsRunning),
		rec.Timer.AccumulatedSeconds,
		sqlutil.ToSqlTimeText(rec.Timer.StartAnchor),
		int64(version),
	)
	return err
}

func (q *sqliteQueries) now(ctx context.Context) (time.Time, error) {
	var raw string
	if err := q.db.QueryRowContext(ctx, `SELECT strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`).Scan(&raw); err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// Subscribe implements Store.
func (s *SQLiteStore) Subscribe(ctx context.Context, sessionID string) (<-chan Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	q := &sqliteQueries{db: s.db}
	row, err := q.get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	mb := newMailbox()
	last := uint64(0)
	if row != nil {
		last = row.version
		rec := row.record
		mb.put(Snapshot{SessionID: sessionID, Record: &rec, Version: row.version})
	} else {
		mb.put(Snapshot{SessionID: sessionID})
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		mb.run(subCtx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poll(subCtx, q, mb, sessionID, last)
	}()
	return mb.out, nil
}

// poll checks the version column on every tick and pushes a snapshot when
// it moved.
func (s *SQLiteStore) poll(ctx context.Context, q *sqliteQueries, mb *mailbox, sessionID string, last uint64) {
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			mb.fail(Snapshot{SessionID: sessionID, Err: ErrClosed})
			return
		case <-ticker.Chan():
		}

		version, exists, err := q.version(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("session_id", sessionID).Msg("sqlite poll failed")
			mb.fail(Snapshot{SessionID: sessionID, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)})
			return
		}
		if !exists || version <= last {
			continue
		}

		row, err := q.get(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			mb.fail(Snapshot{SessionID: sessionID, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)})
			return
		}
		if row == nil {
			continue
		}
		last = row.version
		rec := row.record
		mb.put(Snapshot{SessionID: sessionID, Record: &rec, Version: row.version})
	}
}

// WriteMerge implements Store.
func (s *SQLiteStore) WriteMerge(ctx context.Context, sessionID string, patch models.Patch) error {
	return s.write(ctx, sessionID, func(cur *sqliteRow) (models.SessionRecord, bool) {
		base := models.DefaultSessionRecord()
		if cur != nil {
			base = cur.record
		}
		return base.Merge(patch), true
	})
}

// WriteReplace implements Store.
func (s *SQLiteStore) WriteReplace(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	return s.write(ctx, sessionID, func(*sqliteRow) (models.SessionRecord, bool) {
		return rec, true
	})
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	return s.write(ctx, sessionID, func(cur *sqliteRow) (models.SessionRecord, bool) {
		return rec, cur == nil
	})
}

func (s *SQLiteStore) write(ctx context.Context, sessionID string, fn func(*sqliteRow) (models.SessionRecord, bool)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return sqlutil.Run(ctx, s.db, newSQLiteQueries, func(q *sqliteQueries) error {
		cur, err := q.get(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("read %s: %w", sessionID, err)
		}
		next, ok := fn(cur)
		if !ok {
			return nil
		}
		version := uint64(1)
		if cur != nil {
			version = cur.version + 1
		}
		if err := q.put(ctx, sessionID, next, version); err != nil {
			return fmt.Errorf("write %s: %w", sessionID, err)
		}
		return nil
	})
}

// Now implements Store.
func (s *SQLiteStore) Now(ctx context.Context) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	q := &sqliteQueries{db: s.db}
	t, err := q.now(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return t, nil
}

// Close stops every poller and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
