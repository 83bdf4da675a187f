package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/config"
	"github.com/mcdev12/meetingmeter/go/internal/meter"
	"github.com/mcdev12/meetingmeter/go/internal/rates"
	"github.com/mcdev12/meetingmeter/go/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

var (
	configPath  string
	sessionFlag string
	backendFlag string
	ratesFlag   string
)

var rootCmd = &cobra.Command{
	Use:           "meetingmeter",
	Short:         "Shared running cost meter for meetings",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if sessionFlag != "" {
			loaded.SessionID = sessionFlag
		}
		if backendFlag != "" {
			loaded.Backend = store.Backend(backendFlag)
		}
		if ratesFlag != "" {
			loaded.RatesFile = ratesFlag
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		zerolog.SetGlobalLevel(cfg.Level())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "meetingmeter.yaml", "optional YAML config file")
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session id (default $MEETING_SESSION_ID)")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "store backend: memory, sqlite, postgres or nats")
	rootCmd.PersistentFlags().StringVar(&ratesFlag, "rates", "", "YAML file with role rates")
}

// loadRates returns the configured rate table, or the built-in one.
func loadRates() (*rates.Source, error) {
	if cfg.RatesFile == "" {
		return rates.NewSource(rates.Default()), nil
	}
	table, err := rates.LoadFile(cfg.RatesFile)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", cfg.RatesFile).Int("roles", table.Len()).Msg("loaded role rates")
	return rates.NewSource(table), nil
}

// openStore opens the configured backend. reg may be nil.
func openStore(ctx context.Context, reg prometheus.Registerer) (*store.InstrumentedStore, error) {
	opts := cfg.StoreOptions()
	if reg != nil {
		opts.Metrics = store.NewPrometheusMetrics(reg)
	}
	return store.Open(ctx, opts)
}

// session bundles what the one-shot commands and the TUI need.
type session struct {
	meter *meter.Meter
	store store.Store
	rates *rates.Source
}

func (s *session) Close() {
	if err := s.meter.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close meter")
	}
	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close store")
	}
}

// openSession resolves the session id, opens the store and starts a meter
// that has applied its first snapshot.
func openSession(ctx context.Context) (*session, error) {
	sessionID, err := meter.FirstSession{
		meter.StaticSession(cfg.SessionID),
		meter.EnvSession{},
	}.SessionID()
	if err != nil {
		return nil, err
	}

	src, err := loadRates()
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, nil)
	if err != nil {
		return nil, err
	}

	m, err := meter.New(ctx, meter.Config{
		SessionID:      sessionID,
		Store:          st,
		Rates:          src,
		Clock:          clockwork.NewRealClock(),
		TickInterval:   cfg.TickInterval,
		ResyncInterval: cfg.ResyncInterval,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.WaitReady(waitCtx); err != nil {
		m.Close()
		st.Close()
		return nil, fmt.Errorf("waiting for session %s: %w", sessionID, err)
	}
	return &session{meter: m, store: st, rates: src}, nil
}

// printReading writes a plain-text reading.
func printReading(w io.Writer, r meter.Reading) {
	state := "stopped"
	if r.IsRunning {
		state = "running"
	}
	fmt.Fprintf(w, "Session:  %s\n", r.SessionID)
	fmt.Fprintf(w, "State:    %s\n", state)
	fmt.Fprintf(w, "Elapsed:  %s\n", (time.Duration(r.ElapsedSeconds * float64(time.Second))).Round(time.Second))
	fmt.Fprintf(w, "Cost:     %.2f\n", r.TotalCost)
	if len(r.Participants) == 0 {
		fmt.Fprintln(w, "Participants: (none)")
		return
	}
	fmt.Fprintln(w, "Participants:")
	for _, p := range r.Participants {
		fmt.Fprintf(w, "  %s  %-20s %-12s %8.2f/h  %8.2f\n", p.ID, p.Name, p.Role, p.Rate, r.PerParticipantCost[p.ID])
	}
}
