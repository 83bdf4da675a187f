package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/rates"
	"github.com/mcdev12/meetingmeter/go/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Service is the meter gateway: it hosts meters, fans readings out over
// WebSocket and serves the command API
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	hub               *Hub
	meterService      *MeterService
	health            *store.HealthChecker
	registry          *prometheus.Registry
	backend           store.Backend
	startedAt         time.Time
}

// Config holds configuration for the meter gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	Hub              HubConfig
	Backend          store.Backend
	Registry         *prometheus.Registry // nil creates a private registry
}

// DefaultConfig returns default configuration for the meter gateway
func DefaultConfig(st store.Store, lookup rates.Lookup) Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		Hub: HubConfig{
			Store: st,
			Rates: lookup,
			Clock: clockwork.NewRealClock(),
		},
	}
}

// NewService creates a new meter gateway service
func NewService(config Config) (*Service, error) {
	if config.Hub.Store == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	reg := config.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	connectionManager := NewConnectionManager(config.ConnectionConfig)
	hub := NewHub(config.Hub, connectionManager, reg)
	meterService := NewMeterService(hub)
	connectionManager.SetCommandHandler(meterService)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "meetingmeter",
		Subsystem: "gateway",
		Name:      "websocket_connections",
		Help:      "Open websocket connections.",
	}, func() float64 {
		return float64(connectionManager.GetConnectionStats().TotalConnections)
	}))

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, hub),
		hub:               hub,
		meterService:      meterService,
		health:            store.NewHealthChecker(config.Hub.Store, config.Backend, config.Hub.Clock),
		registry:          reg,
		backend:           config.Backend,
		startedAt:         time.Now(),
	}, nil
}

// Start begins the gateway service and blocks until ctx is done
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting meter gateway service")

	go s.connectionManager.Start(ctx)

	<-ctx.Done()

	log.Info().Msg("meter gateway service shutting down")
	return s.Stop()
}

// Stop closes every hosted meter
func (s *Service) Stop() error {
	s.hub.Close()
	log.Info().Msg("meter gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket, RPC and operational routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)

	path, handler := NewMeterServiceHandler(s.meterService)
	mux.Handle(path, handler)

	mux.Handle("/health", s.health)
	mux.HandleFunc("/info", s.handleInfo)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	log.Info().Msg("meter gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	return map[string]interface{}{
		"service":           "meter_gateway",
		"status":            "running",
		"backend":           s.backend,
		"hosted_sessions":   s.hub.Sessions(),
		"total_connections": stats.TotalConnections,
		"active_sessions":   stats.ActiveSessions,
		"uptime":            time.Since(s.startedAt).Round(time.Second).String(),
	}
}

func (s *Service) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.GetStats()); err != nil {
		log.Error().Err(err).Msg("failed to write service info")
	}
}

// NewServer wraps the service routes with CORS and h2c so connect clients can
// speak HTTP/2 without TLS.
func NewServer(addr string, s *Service) *http.Server {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
