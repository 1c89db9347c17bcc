package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Pinger is a backing store that can report its own reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthStatus struct {
	Healthy        bool      `json:"healthy"`
	Connected      bool      `json:"connected"`
	SessionActive  bool      `json:"session_active"`
	ClockOffline   bool      `json:"clock_offline"`
	LastHeartbeat  time.Time `json:"last_heartbeat_at"`
	PendingActions int       `json:"pending_actions"`
	AuthBlocked    bool      `json:"auth_blocked"`
	StoreReachable bool      `json:"store_reachable"`
	Errors         []string  `json:"errors"`
}

// HealthChecker derives agent health from the engine snapshot, the backlog
// and the backlog store.
type HealthChecker struct {
	show         Show
	submissions  Submissions
	store        Pinger
	backlogLimit int
}

// NewHealthChecker creates a checker. store may be nil for stores with
// nothing to ping.
func NewHealthChecker(show Show, submissions Submissions, store Pinger) *HealthChecker {
	return &HealthChecker{
		show:         show,
		submissions:  submissions,
		store:        store,
		backlogLimit: 100,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:        true,
		StoreReachable: true,
		Errors:         []string{},
	}

	if st := h.show.State(); st != nil {
		status.Connected = st.Connected
		status.SessionActive = st.Session != nil
		status.ClockOffline = st.Clock.IsOffline
		status.LastHeartbeat = st.Clock.LastHeartbeatAt
	}
	if !status.Connected {
		status.Healthy = false
		status.Errors = append(status.Errors, "show control disconnected")
	}
	if status.SessionActive && status.ClockOffline {
		status.Errors = append(status.Errors, "no heartbeats - running on local clock")
	}

	status.PendingActions = h.submissions.Backlog().Len()
	status.AuthBlocked = h.submissions.AuthBlocked()
	if status.AuthBlocked {
		status.Errors = append(status.Errors, "sign-in required to deliver queued responses")
	}
	if status.PendingActions > h.backlogLimit {
		status.Errors = append(status.Errors, fmt.Sprintf("high pending action count: %d", status.PendingActions))
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			status.StoreReachable = false
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("backlog store ping failed: %v", err))
		}
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}
