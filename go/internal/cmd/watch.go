package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/mcdev12/meetingmeter/go/internal/rates"
	"github.com/mcdev12/meetingmeter/go/internal/tui"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var logFile string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the live meter view",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(os.Stdout.Fd()) {
			return errors.New("watch needs an interactive terminal; use status for plain output")
		}

		// Logs would corrupt the screen, send them to a file instead.
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		log.Logger = zerolog.New(f).With().Timestamp().Logger()

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if cfg.RatesFile != "" {
			go func() {
				if err := rates.Watch(ctx, cfg.RatesFile, s.rates); err != nil {
					log.Error().Err(err).Msg("rates watcher stopped")
				}
			}()
		}

		return tui.Run(s.meter, s.rates.Current().Roles())
	},
}

func init() {
	watchCmd.Flags().StringVar(&logFile, "log-file", "meetingmeter.log", "where to write logs while the view is open")
	rootCmd.AddCommand(watchCmd)
}
