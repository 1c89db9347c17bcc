// Package clock keeps the audience device's estimate of authoritative show
// time. Heartbeats from show control are compensated for round-trip time and
// reconciled against the local clock with a bounded drift correction; when
// heartbeats stop the estimate falls back to local elapsed time.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds the synchronizer's timing constants
type Config struct {
	HeartbeatTimeout         time.Duration `yaml:"heartbeat_timeout"`
	MaxDriftPerMinute        time.Duration `yaml:"max_drift_per_minute"`
	HeartbeatRequestInterval time.Duration `yaml:"heartbeat_request_interval"`
}

// DefaultConfig returns the production timing constants
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:         10 * time.Second,
		MaxDriftPerMinute:        250 * time.Millisecond,
		HeartbeatRequestInterval: 5 * time.Second,
	}
}

// HeartbeatResult describes what ApplyHeartbeat did with a heartbeat
type HeartbeatResult int

const (
	HeartbeatIgnored HeartbeatResult = iota
	HeartbeatApplied
	HeartbeatStale
	HeartbeatRecovered
	HeartbeatRejected
)

func (r HeartbeatResult) String() string {
	switch r {
	case HeartbeatApplied:
		return "applied"
	case HeartbeatStale:
		return "stale"
	case HeartbeatRecovered:
		return "recovered"
	case HeartbeatRejected:
		return "rejected"
	default:
		return "ignored"
	}
}

// Estimate is a point-in-time copy of the synchronizer's belief
type Estimate struct {
	ServerTimecode  time.Duration
	DriftCorrection time.Duration
	DisplayTimecode time.Duration
	IsOffline       bool
	LastHeartbeatAt time.Time
}

// Synchronizer is owned by a single goroutine (the engine loop) and is not
// safe for concurrent use.
type Synchronizer struct {
	clk clockwork.Clock
	cfg Config

	active       bool
	sessionStart time.Time

	haveHeartbeat  bool
	rawTimecode    time.Duration // last applied T_srv
	serverTimecode time.Duration // last applied T_adj
	drift          time.Duration
	lastHeartbeat  time.Time
	lastCorrection time.Time
	lastSignal     time.Time // last heartbeat, or session start

	offline bool
	display time.Duration
	floor   time.Duration
}

// NewSynchronizer creates an idle synchronizer
func NewSynchronizer(clk clockwork.Clock, cfg Config) *Synchronizer {
	return &Synchronizer{clk: clk, cfg: cfg}
}

// Start begins a session whose show time zero is sessionStart. A zero
// sessionStart means "now".
func (s *Synchronizer) Start(sessionStart time.Time) {
	now := s.clk.Now()
	if sessionStart.IsZero() {
		sessionStart = now
	}
	*s = Synchronizer{clk: s.clk, cfg: s.cfg}
	s.active = true
	s.sessionStart = sessionStart
	s.lastCorrection = now
	s.lastSignal = now
	s.display = s.localElapsed(now)
	s.floor = s.display
}

// Stop discards all session state
func (s *Synchronizer) Stop() {
	*s = Synchronizer{clk: s.clk, cfg: s.cfg}
}

// Active reports whether a session is running
func (s *Synchronizer) Active() bool {
	return s.active
}

// ApplyHeartbeat folds one heartbeat into the estimate. serverTimecode is the
// server's elapsed show time and serverSend its wall-clock send time.
// Heartbeats with a negative show time, no send time, or a round trip longer
// than HeartbeatTimeout in either direction are rejected and leave the
// estimate untouched.
func (s *Synchronizer) ApplyHeartbeat(serverTimecode time.Duration, serverSend time.Time) HeartbeatResult {
	if !s.active {
		return HeartbeatIgnored
	}
	now := s.clk.Now()
	recovering := s.offline

	if serverTimecode < 0 || serverSend.UnixMilli() <= 0 {
		return HeartbeatRejected
	}
	rtt := now.Sub(serverSend)
	if rtt > s.cfg.HeartbeatTimeout || rtt < -s.cfg.HeartbeatTimeout {
		return HeartbeatRejected
	}
	if rtt < 0 {
		rtt = 0
	}

	if s.haveHeartbeat && !recovering && serverTimecode < s.rawTimecode {
		return HeartbeatStale
	}
	adjusted := serverTimecode + rtt/2

	raw := adjusted - s.localElapsed(now)
	limit := time.Duration(float64(s.cfg.MaxDriftPerMinute) * now.Sub(s.lastCorrection).Minutes())
	s.drift = clamp(raw, limit)

	s.haveHeartbeat = true
	s.rawTimecode = serverTimecode
	s.serverTimecode = adjusted
	s.lastHeartbeat = now
	s.lastCorrection = now
	s.lastSignal = now
	s.display = adjusted + s.drift

	if recovering {
		s.offline = false
		s.floor = s.display
		return HeartbeatRecovered
	}
	s.raise()
	return HeartbeatApplied
}

// Interpolate advances the display value from the last heartbeat. It runs on
// the fast tick and does nothing while the local fallback clock is in use.
func (s *Synchronizer) Interpolate() time.Duration {
	if s.synced() {
		s.display = s.serverTimecode + s.drift + s.clk.Since(s.lastHeartbeat)
		s.raise()
	}
	return s.display
}

// TickFallback advances the display value from local elapsed time. It runs on
// the 1 Hz tick and does nothing while heartbeats drive the estimate.
func (s *Synchronizer) TickFallback() time.Duration {
	if s.active && !s.synced() {
		s.display = s.localElapsed(s.clk.Now())
		s.raise()
	}
	return s.display
}

// CheckWatchdog flips the synchronizer offline once no heartbeat has arrived
// for HeartbeatTimeout. It reports whether this call caused the transition.
func (s *Synchronizer) CheckWatchdog() bool {
	if !s.active || s.offline {
		return false
	}
	now := s.clk.Now()
	if now.Sub(s.lastSignal) <= s.cfg.HeartbeatTimeout {
		return false
	}
	s.offline = true
	s.display = s.localElapsed(now)
	s.floor = s.display
	return true
}

// WatchdogDeadline is how long until the watchdog should next be checked,
// landing just past the timeout.
func (s *Synchronizer) WatchdogDeadline() time.Duration {
	d := s.cfg.HeartbeatTimeout - s.clk.Since(s.lastSignal) + time.Millisecond
	if d < 0 {
		return 0
	}
	return d
}

// NeedsHeartbeatRequest reports whether show control has been quiet long
// enough that a heartbeat_request should be sent.
func (s *Synchronizer) NeedsHeartbeatRequest() bool {
	if !s.active {
		return false
	}
	return s.clk.Since(s.lastSignal) >= s.cfg.HeartbeatRequestInterval
}

// CurrentShowTime returns the show time to display and evaluate cues at. It
// never decreases within a mode; entering or leaving offline mode may jump.
func (s *Synchronizer) CurrentShowTime() time.Duration {
	if !s.active {
		return 0
	}
	if s.synced() {
		return s.Interpolate()
	}
	return s.TickFallback()
}

// IsOffline reports whether the fallback clock is in use
func (s *Synchronizer) IsOffline() bool {
	return s.offline
}

// Estimate returns a copy of the current estimate
func (s *Synchronizer) Estimate() Estimate {
	display := s.CurrentShowTime()
	return Estimate{
		ServerTimecode:  s.serverTimecode,
		DriftCorrection: s.drift,
		DisplayTimecode: display,
		IsOffline:       s.offline,
		LastHeartbeatAt: s.lastHeartbeat,
	}
}

func (s *Synchronizer) synced() bool {
	return s.active && s.haveHeartbeat && !s.offline
}

func (s *Synchronizer) localElapsed(now time.Time) time.Duration {
	d := now.Sub(s.sessionStart)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Synchronizer) raise() {
	if s.display < s.floor {
		s.display = s.floor
		return
	}
	s.floor = s.display
}

func clamp(d, limit time.Duration) time.Duration {
	if d > limit {
		return limit
	}
	if d < -limit {
		return -limit
	}
	return d
}
