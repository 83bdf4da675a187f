package store

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend  Backend
	SQLite   SQLiteConfig
	Postgres PostgresConfig
	NATS     NATSConfig
	Clock    clockwork.Clock
	Metrics  MetricsCollector
}

// Open builds the configured backend wrapped with metrics collection.
func Open(ctx context.Context, opts Options) (*InstrumentedStore, error) {
	var (
		st  Store
		err error
	)
	switch opts.Backend {
	case BackendMemory:
		st = NewMemoryStore(opts.Clock)
	case BackendSQLite, "":
		st, err = NewSQLiteStore(opts.SQLite, opts.Clock)
	case BackendPostgres:
		st, err = NewPostgresStore(ctx, opts.Postgres)
	case BackendNATS:
		st, err = NewNATSStore(ctx, opts.NATS)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Backend, err)
	}

	log.Info().Str("backend", string(opts.Backend)).Msg("session store opened")
	return NewInstrumentedStore(st, opts.Metrics), nil
}
