package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/gateway"
	"github.com/mcdev12/meetingmeter/go/internal/rates"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the meter gateway (WebSocket readings, command RPCs, health, metrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		src, err := loadRates()
		if err != nil {
			return err
		}
		if cfg.RatesFile != "" {
			go func() {
				if err := rates.Watch(ctx, cfg.RatesFile, src); err != nil {
					log.Error().Err(err).Msg("rates watcher stopped")
				}
			}()
		}

		st, err := openStore(ctx, reg)
		if err != nil {
			return err
		}
		defer st.Close()

		gatewayConfig := gateway.Config{
			ConnectionConfig: gateway.DefaultConnectionConfig(),
			Hub: gateway.HubConfig{
				Store:          st,
				Rates:          src,
				Clock:          clockwork.NewRealClock(),
				TickInterval:   cfg.TickInterval,
				ResyncInterval: cfg.ResyncInterval,
			},
			Backend:  cfg.Backend,
			Registry: reg,
		}
		service, err := gateway.NewService(gatewayConfig)
		if err != nil {
			return fmt.Errorf("failed to create gateway service: %w", err)
		}

		server := gateway.NewServer(fmt.Sprintf(":%s", cfg.GatewayPort), service)

		serviceDone := make(chan struct{})
		go func() {
			defer close(serviceDone)
			if err := service.Start(ctx); err != nil {
				log.Error().Err(err).Msg("gateway service failed")
			}
		}()

		serverErr := make(chan error, 1)
		go func() {
			log.Info().
				Str("addr", server.Addr).
				Str("backend", string(cfg.Backend)).
				Msg("HTTP server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()

		select {
		case <-ctx.Done():
			log.Info().Msg("received shutdown signal")
		case err = <-serverErr:
			log.Error().Err(err).Msg("HTTP server failed")
		}

		// Graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}

		cancel()
		<-serviceDone

		log.Info().Msg("meter gateway shutdown complete")
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
