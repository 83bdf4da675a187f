package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/mcdev12/meetingmeter/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"
)

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	DatabaseURL      string        // Postgres DSN, used by the pool and LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to re-read subscribed sessions
	PingInterval     time.Duration
	MinReconnect     time.Duration
	MaxReconnect     time.Duration
}

// DefaultPostgresConfig returns default Postgres settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		NotifyChannel:    "meter_sessions",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		MinReconnect:     10 * time.Second,
		MaxReconnect:     time.Minute,
	}
}

const postgresSchema = `CREATE TABLE IF NOT EXISTS meter_sessions (
	session_id          TEXT PRIMARY KEY,
	participants        JSONB NOT NULL DEFAULT '[]'::jsonb,
	is_running          BOOLEAN NOT NULL DEFAULT false,
	accumulated_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	start_anchor        TIMESTAMPTZ NULL,
	version             BIGINT NOT NULL DEFAULT 1,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	CONSTRAINT meter_sessions_anchor_iff_running CHECK (is_running = (start_anchor IS NOT NULL)),
	CONSTRAINT meter_sessions_accumulated_non_negative CHECK (accumulated_seconds >= 0)
)`

// PostgresStore keeps session records in a Postgres table. Every write bumps
// the row version and sends a NOTIFY carrying the session id; one pq
// listener per store fans notifications out to subscribers.
type PostgresStore struct {
	pool     *pgxpool.Pool
	listener *pq.Listener
	cfg      PostgresConfig

	mu     sync.Mutex
	subs   map[string]map[*pgSubscriber]struct{}
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pgSubscriber struct {
	mb   *mailbox
	last uint64
}

// NewPostgresStore connects the pool, ensures the schema and starts the
// notification loop.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	defaults := DefaultPostgresConfig()
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = defaults.NotifyChannel
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = defaults.FallbackInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.MinReconnect <= 0 {
		cfg.MinReconnect = defaults.MinReconnect
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = defaults.MaxReconnect
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", ErrUnavailable, err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create meter_sessions table: %w", err)
	}

	l := pq.NewListener(cfg.DatabaseURL, cfg.MinReconnect, cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		pool.Close()
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		pool:     pool,
		listener: l,
		cfg:      cfg,
		subs:     make(map[string]map[*pgSubscriber]struct{}),
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.listen(loopCtx)
	return s, nil
}

var _ Store = (*PostgresStore)(nil)

// pgQueries binds the statements to a transaction or the pool.
type pgQueries struct {
	db interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	}
}

func newPgQueries(tx pgx.Tx) *pgQueries {
	return &pgQueries{db: tx}
}

type pgRow struct {
	record  models.SessionRecord
	version uint64
}

func (q *pgQueries) get(ctx context.Context, sessionID string, forUpdate bool) (*pgRow, error) {
	query := `SELECT participants, is_running, accumulated_seconds, start_anchor, version
		FROM meter_sessions WHERE session_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		participants pqtype.NullRawMessage
		anchor       sql.NullTime
		version      int64
		row          pgRow
	)
	err := q.db.QueryRow(ctx, query, sessionID).Scan(
		&participants,
		&row.record.Timer.IsRunning,
		&row.record.Timer.AccumulatedSeconds,
		&anchor,
		&version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	row.version = uint64(version)
	row.record.Timer.StartAnchor = sqlutil.FromSqlTime(anchor)
	row.record.Participants = []models.Participant{}
	if participants.Valid && len(participants.RawMessage) > 0 {
		if err := json.Unmarshal(participants.RawMessage, &row.record.Participants); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
	}
	return &row, nil
}

func (q *pgQueries) put(ctx context.Context, sessionID string, rec models.SessionRecord) (uint64, error) {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return 0, fmt.Errorf("encode participants: %w", err)
	}
	var version int64
	err = q.db.QueryRow(ctx, `INSERT INTO meter_sessions
		(session_id, participants, is_running, accumulated_seconds, start_anchor, version, updated_at)
		VALUES ($1, $2::jsonb, $3, $4, $5, 1, clock_timestamp())
		ON CONFLICT (session_id) DO UPDATE SET
			participants = EXCLUDED.participants,
			is_running = EXCLUDED.is_running,
			accumulated_seconds = EXCLUDED.accumulated_seconds,
			start_anchor = EXCLUDED.start_anchor,
			version = meter_sessions.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version`,
		sessionID,
		string(participants),
		rec.Timer.IsRunning,
		rec.Timer.AccumulatedSeconds,
		sqlutil.ToSqlTime(rec.Timer.StartAnchor),
	).Scan(&version)
	if err != nil {
		return 0, err
	}
	return uint64(version), nil
}

// insert writes rec only when no row exists. created is false when another
// writer got there first; that row is left untouched.
func (q *pgQueries) insert(ctx context.Context, sessionID string, rec models.SessionRecord) (version uint64, created bool, err error) {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return 0, false, fmt.Errorf("encode participants: %w", err)
	}
	var v int64
	err = q.db.QueryRow(ctx, `INSERT INTO meter_sessions
		(session_id, participants, is_running, accumulated_seconds, start_anchor, version, updated_at)
		VALUES ($1, $2::jsonb, $3, $4, $5, 1, clock_timestamp())
		ON CONFLICT (session_id) DO NOTHING
		RETURNING version`,
		sessionID,
		string(participants),
		rec.Timer.IsRunning,
		rec.Timer.AccumulatedSeconds,
		sqlutil.ToSqlTime(rec.Timer.StartAnchor),
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(v), true, nil
}

func (q *pgQueries) notify(ctx context.Context, channel, sessionID string) error {
	_, err := q.db.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, sessionID)
	return err
}

// Subscribe implements Store. The subscriber is registered before the first
// read so a notification racing the read is not lost.
func (s *PostgresStore) Subscribe(ctx context.Context, sessionID string) (<-chan Snapshot, error) {
	sub := &pgSubscriber{mb: newMailbox()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[*pgSubscriber]struct{})
	}
	s.subs[sessionID][sub] = struct{}{}
	s.mu.Unlock()

	unregister := func() {
		s.mu.Lock()
		delete(s.subs[sessionID], sub)
		if len(s.subs[sessionID]) == 0 {
			delete(s.subs, sessionID)
		}
		s.mu.Unlock()
	}

	q := &pgQueries{db: s.pool}
	row, err := q.get(ctx, sessionID, false)
	if err != nil {
		unregister()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	switch {
	case row != nil && row.version > sub.last:
		sub.last = row.version
		rec := row.record
		sub.mb.put(Snapshot{SessionID: sessionID, Record: &rec, Version: row.version})
	case row == nil && sub.last == 0:
		sub.mb.put(Snapshot{SessionID: sessionID})
	}
	s.mu.Unlock()

	go func() {
		sub.mb.run(ctx)
		unregister()
	}()
	return sub.mb.out, nil
}

// listen is the LISTEN/NOTIFY loop. A notification names the session that
// changed; the fallback ticker re-reads every subscribed session in case a
// notification was lost while the listener reconnected.
func (s *PostgresStore) listen(ctx context.Context) {
	defer s.wg.Done()

	log.Info().
		Str("channel", s.cfg.NotifyChannel).
		Dur("ping_interval", s.cfg.PingInterval).
		Dur("fallback_interval", s.cfg.FallbackInterval).
		Msg("listener started")

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	fallbackTicker := time.NewTicker(s.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return
		case note := <-s.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established
				s.refreshAll(ctx)
				continue
			}
			s.refresh(ctx, note.Extra)
		case <-fallbackTicker.C:
			s.refreshAll(ctx)
		case <-pingTicker.C:
			if err := s.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (s *PostgresStore) refreshAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.refresh(ctx, id)
	}
}

// refresh reads the row once and hands it to every subscriber that has not
// seen this version yet.
func (s *PostgresStore) refresh(ctx context.Context, sessionID string) {
	s.mu.Lock()
	_, watched := s.subs[sessionID]
	s.mu.Unlock()
	if !watched {
		return
	}

	q := &pgQueries{db: s.pool}
	row, err := q.get(ctx, sessionID, false)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to read session after notification")
		s.failSession(sessionID, fmt.Errorf("%w: %v", ErrUnavailable, err))
		return
	}
	if row == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[sessionID] {
		if row.version <= sub.last {
			continue
		}
		sub.last = row.version
		rec := row.record.Clone()
		sub.mb.put(Snapshot{SessionID: sessionID, Record: &rec, Version: row.version})
	}
}

func (s *PostgresStore) failSession(sessionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[sessionID] {
		sub.mb.fail(Snapshot{SessionID: sessionID, Err: err})
	}
}

// WriteMerge implements Store. The row is locked for the read-merge-write so
// concurrent merges on different fields do not overwrite each other.
func (s *PostgresStore) WriteMerge(ctx context.Context, sessionID string, patch models.Patch) error {
	return s.write(ctx, sessionID, func(cur *pgRow) (models.SessionRecord, bool) {
		base := models.DefaultSessionRecord()
		if cur != nil {
			base = cur.record
		}
		return base.Merge(patch), true
	})
}

// WriteReplace implements Store.
func (s *PostgresStore) WriteReplace(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	return s.write(ctx, sessionID, func(*pgRow) (models.SessionRecord, bool) {
		return rec, true
	})
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	return s.write(ctx, sessionID, func(cur *pgRow) (models.SessionRecord, bool) {
		return rec, cur == nil
	})
}

// write runs fn against the locked row. FOR UPDATE cannot lock a row that
// does not exist yet, so a missing row is inserted with DO NOTHING; when
// another writer inserted first, its row is locked and fn runs again on it.
func (s *PostgresStore) write(ctx context.Context, sessionID string, fn func(*pgRow) (models.SessionRecord, bool)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return sqlutil.RunPgx(ctx, s.pool, newPgQueries, func(q *pgQueries) error {
		cur, err := q.get(ctx, sessionID, true)
		if err != nil {
			return fmt.Errorf("read %s: %w", sessionID, err)
		}
		next, ok := fn(cur)
		if !ok {
			return nil
		}

		var version uint64
		if cur == nil {
			var created bool
			version, created, err = q.insert(ctx, sessionID, next)
			if err != nil {
				return fmt.Errorf("write %s: %w", sessionID, err)
			}
			if !created {
				if cur, err = q.get(ctx, sessionID, true); err != nil {
					return fmt.Errorf("read %s: %w", sessionID, err)
				}
				if cur == nil {
					return fmt.Errorf("write %s: row missing after insert conflict", sessionID)
				}
				if next, ok = fn(cur); !ok {
					return nil
				}
			}
		}
		if cur != nil {
			if version, err = q.put(ctx, sessionID, next); err != nil {
				return fmt.Errorf("write %s: %w", sessionID, err)
			}
		}

		if err := q.notify(ctx, s.cfg.NotifyChannel, sessionID); err != nil {
			return fmt.Errorf("notify %s: %w", sessionID, err)
		}
		log.Debug().
			Str("session_id", sessionID).
			Uint64("version", version).
			Msg("postgres store write")
		return nil
	})
}

// Now implements Store.
func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return now.UTC(), nil
}

// Close stops the listener loop, ends subscriptions and closes the pool.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, subs := range s.subs {
		for sub := range subs {
			sub.mb.fail(Snapshot{SessionID: id, Err: ErrClosed})
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	err := s.listener.Close()
	s.pool.Close()
	return err
}

func (s *PostgresStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
