package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the JetStream key-value store
type NATSConfig struct {
	URL            string
	Bucket         string
	MaxReconnects  int
	ReconnectWait  time.Duration
	Replicas       int
	MaxCASAttempts int // merge retries when another client wins the revision race
}

// DefaultNATSConfig returns default JetStream key-value configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Bucket:         "MEETING_METER",
		MaxReconnects:  -1, // Infinite
		ReconnectWait:  2 * time.Second,
		Replicas:       1,
		MaxCASAttempts: 10,
	}
}

// NATSStore keeps one key per session in a JetStream key-value bucket.
// Watchers provide the snapshot stream, the entry revision is the version
// and entry creation times stamped by the server are the store clock.
type NATSStore struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	kv       jetstream.KeyValue
	config   NATSConfig
	clockKey string

	mu     sync.Mutex
	closed bool
}

// NewNATSStore connects to NATS and creates or updates the bucket.
func NewNATSStore(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	defaults := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.MaxCASAttempts <= 0 {
		cfg.MaxCASAttempts = defaults.MaxCASAttempts
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = defaults.Replicas
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to NATS: %v", ErrUnavailable, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Shared meeting meter session records",
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("url", nc.ConnectedUrl()).
		Msg("NATS key-value store ready")

	return &NATSStore{
		nc:       nc,
		js:       js,
		kv:       kv,
		config:   cfg,
		clockKey: "clock." + uuid.New().String()[:8],
	}, nil
}

var _ Store = (*NATSStore)(nil)

func sessionKey(sessionID string) string {
	return "session." + sessionID
}

// Subscribe implements Store.
func (s *NATSStore) Subscribe(ctx context.Context, sessionID string) (<-chan Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	watcher, err := s.kv.Watch(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: watch %s: %v", ErrUnavailable, sessionID, err)
	}

	mb := newMailbox()
	go mb.run(ctx)
	go func() {
		defer func() {
			if err := watcher.Stop(); err != nil {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("failed to stop watcher")
			}
		}()

		delivered := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-mb.done:
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					if ctx.Err() == nil {
						mb.fail(Snapshot{SessionID: sessionID, Err: fmt.Errorf("%w: watcher closed", ErrUnavailable)})
					}
					return
				}
				if entry == nil {
					// End of initial values; nothing stored yet.
					if !delivered {
						mb.put(Snapshot{SessionID: sessionID})
						delivered = true
					}
					continue
				}
				snap, err := decodeEntry(sessionID, entry)
				if err != nil {
					mb.fail(Snapshot{SessionID: sessionID, Err: err})
					return
				}
				mb.put(snap)
				delivered = true
			}
		}
	}()
	return mb.out, nil
}

func decodeEntry(sessionID string, entry jetstream.KeyValueEntry) (Snapshot, error) {
	snap := Snapshot{SessionID: sessionID, Version: entry.Revision()}
	if op := entry.Operation(); op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge {
		return snap, nil
	}
	var rec models.SessionRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Snapshot{}, fmt.Errorf("decode session %s revision %d: %w", sessionID, entry.Revision(), err)
	}
	if rec.Participants == nil {
		rec.Participants = []models.Participant{}
	}
	snap.Record = &rec
	return snap, nil
}

// WriteMerge implements Store. The merge is a compare-and-set on the key's
// revision, retried when another client wrote in between.
func (s *NATSStore) WriteMerge(ctx context.Context, sessionID string, patch models.Patch) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := sessionKey(sessionID)

	var lastErr error
	for attempt := 0; attempt < s.config.MaxCASAttempts; attempt++ {
		base := models.DefaultSessionRecord()
		var revision uint64

		entry, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("read %s: %w", sessionID, err)
		default:
			snap, err := decodeEntry(sessionID, entry)
			if err != nil {
				return err
			}
			if snap.Record != nil {
				base = *snap.Record
			}
			revision = entry.Revision()
		}

		data, err := json.Marshal(base.Merge(patch))
		if err != nil {
			return fmt.Errorf("encode session %s: %w", sessionID, err)
		}

		if revision == 0 {
			_, err = s.kv.Create(ctx, key, data)
		} else {
			_, err = s.kv.Update(ctx, key, data, revision)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("write %s: %w", sessionID, err)
		}
		lastErr = err
		log.Debug().
			Str("session_id", sessionID).
			Int("attempt", attempt+1).
			Msg("revision conflict, merging again")
	}
	return fmt.Errorf("write %s: gave up after %d conflicts: %w", sessionID, s.config.MaxCASAttempts, lastErr)
}

// WriteReplace implements Store.
func (s *NATSStore) WriteReplace(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	if _, err := s.kv.Put(ctx, sessionKey(sessionID), data); err != nil {
		return fmt.Errorf("write %s: %w", sessionID, err)
	}
	return nil
}

// Create implements Store.
func (s *NATSStore) Create(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	if _, err := s.kv.Create(ctx, sessionKey(sessionID), data); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("create %s: %w", sessionID, err)
	}
	return nil
}

// Now implements Store. It writes a marker under this client's clock key and
// reads back the timestamp the server stamped on it.
func (s *NATSStore) Now(ctx context.Context) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	if _, err := s.kv.Put(ctx, s.clockKey, []byte("now")); err != nil {
		return time.Time{}, fmt.Errorf("%w: stamp clock: %v", ErrUnavailable, err)
	}
	entry, err := s.kv.Get(ctx, s.clockKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: read clock: %v", ErrUnavailable, err)
	}
	return entry.Created().UTC(), nil
}

// Close deletes this client's clock key and closes the connection, which
// ends every watcher.
func (s *NATSStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	log.Info().Msg("closing NATS key-value store")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.kv.Purge(ctx, s.clockKey); err != nil {
		log.Debug().Err(err).Msg("failed to purge clock key")
	}
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// Connected reports whether the NATS connection is up.
func (s *NATSStore) Connected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

func (s *NATSStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
