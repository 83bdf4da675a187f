package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

type HealthStatus struct {
	Healthy       bool      `json:"healthy"`
	Backend       Backend   `json:"backend"`
	ServerTime    time.Time `json:"server_time,omitempty"`
	ClockSkew     string    `json:"clock_skew,omitempty"`
	RoundTrip     string    `json:"round_trip"`
	NATSConnected *bool     `json:"nats_connected,omitempty"`
	Errors        []string  `json:"errors"`
}

// HealthChecker probes a store by reading its clock.
type HealthChecker struct {
	store   Store
	backend Backend
	clock   clockwork.Clock
	timeout time.Duration
}

func NewHealthChecker(st Store, backend Backend, clock clockwork.Clock) *HealthChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthChecker{
		store:   st,
		backend: backend,
		clock:   clock,
		timeout: 5 * time.Second,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Backend: h.backend,
		Errors:  []string{},
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	sent := h.clock.Now()
	serverNow, err := h.store.Now(ctx)
	received := h.clock.Now()
	status.RoundTrip = received.Sub(sent).String()
	if err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("store clock read failed: %v", err))
	} else {
		status.ServerTime = serverNow
		midpoint := sent.Add(received.Sub(sent) / 2)
		status.ClockSkew = serverNow.Sub(midpoint).String()
	}

	if ns, ok := unwrapStore(h.store).(*NATSStore); ok {
		connected := ns.Connected()
		status.NATSConnected = &connected
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	return status
}

// HTTP handler helper
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func unwrapStore(st Store) Store {
	for {
		u, ok := st.(interface{ Unwrap() Store })
		if !ok {
			return st
		}
		st = u.Unwrap()
	}
}
