package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livecue/go/internal/show/clock"
	"github.com/mcdev12/livecue/go/internal/show/cue"
	"github.com/mcdev12/livecue/go/internal/show/events"
	"github.com/mcdev12/livecue/go/internal/show/metrics"
	"github.com/mcdev12/livecue/go/internal/show/submission"
)

// dispatch routes one inbound message. Everything except session_start is
// ignored while no session is active.
func (e *Engine) dispatch(ctx context.Context, env events.Envelope) {
	payload, err := events.ParsePayload(env)
	if err != nil {
		if errors.Is(err, events.ErrInvalidHeartbeat) {
			metrics.RecordHeartbeat(clock.HeartbeatRejected.String())
		}
		log.Warn().Err(err).Str("message_type", string(env.Type)).Msg("dropping unreadable message")
		return
	}

	if _, ok := payload.(events.SessionStartPayload); !ok && e.session == nil {
		log.Debug().Str("message_type", string(env.Type)).Msg("no active session - ignoring message")
		return
	}

	switch p := payload.(type) {
	case events.SessionStartPayload:
		e.handleSessionStart(ctx, p)

	case events.SessionEndPayload:
		e.endSession("session_end")

	case events.HeartbeatPayload:
		e.handleHeartbeat(ctx, p)

	case events.CuePayload:
		e.handleCue(p)

	case events.PauseAudiencePayload:
		e.sched.SetHeadsDown(true)
		log.Info().Str("session_id", e.session.ID).Msg("audience paused")

	case events.ResumeAudiencePayload:
		e.sched.SetHeadsDown(false)
		log.Info().Str("session_id", e.session.ID).Msg("audience resumed")

	default:
		log.Warn().Str("message_type", string(env.Type)).Msg("unexpected inbound message type - ignoring")
	}
}

func (e *Engine) handleSessionStart(ctx context.Context, p events.SessionStartPayload) {
	if e.session != nil && e.session.ID == p.SessionID {
		log.Debug().Str("session_id", p.SessionID).Msg("session_start replayed for active session")
		return
	}
	if e.session != nil {
		e.endSession("replaced")
	}

	var start time.Time
	if p.StartTime > 0 {
		start = time.UnixMilli(p.StartTime)
	}
	e.sync.Start(start)
	e.sched = cue.NewScheduler()
	e.lastClosed, e.lastClosedAt = nil, time.Time{}

	eventID := p.EventID
	if eventID == "" {
		eventID = e.cfg.EventID
	}
	e.session = &Session{ID: p.SessionID, EventID: eventID, StartedAt: e.clk.Now()}
	e.submitter.BeginSession(p.SessionID)

	e.fast = e.clk.NewTicker(e.cfg.FastTick)
	e.fallback = e.clk.NewTicker(e.cfg.FallbackTick)
	e.redraw = e.clk.NewTicker(e.cfg.RedrawInterval)
	e.armWatchdog(e.sync.WatchdogDeadline())
	e.lastRequestAt = e.clk.Now()

	log.Info().
		Str("session_id", p.SessionID).
		Str("event_id", eventID).
		Int64("start_time", p.StartTime).
		Msg("show session started")

	e.recompute()
	e.maybeDrain(ctx)
}

// endSession discards every piece of per-session state
func (e *Engine) endSession(reason string) {
	if e.session == nil {
		return
	}
	log.Info().Str("session_id", e.session.ID).Str("reason", reason).Msg("show session ended")

	for _, t := range []clockwork.Ticker{e.fast, e.fallback, e.redraw} {
		if t != nil {
			t.Stop()
		}
	}
	e.fast, e.fallback, e.redraw = nil, nil, nil
	e.lastClosed, e.lastClosedAt = nil, time.Time{}
	if e.watchdog != nil {
		stopAndDrainTimer(e.watchdog)
		e.watchdog = nil
	}

	e.sync.Stop()
	e.sched = cue.NewScheduler()
	e.submitter.EndSession()
	e.session = nil
	metrics.SetOffline(false)
}

func (e *Engine) handleHeartbeat(ctx context.Context, p events.HeartbeatPayload) {
	result := e.sync.ApplyHeartbeat(p.Timecode(), p.SentAt())
	metrics.RecordHeartbeat(result.String())

	switch result {
	case clock.HeartbeatIgnored:
		return
	case clock.HeartbeatStale:
		log.Debug().Float64("server_timecode", p.ServerTimecode).Msg("stale heartbeat ignored")
		return
	case clock.HeartbeatRejected:
		log.Warn().
			Float64("server_timecode", p.ServerTimecode).
			Int64("server_time", p.ServerTime).
			Msg("heartbeat rejected - send time too far from local clock")
		return
	}

	est := e.sync.Estimate()
	metrics.SetDrift(est.DriftCorrection)
	e.armWatchdog(e.sync.WatchdogDeadline())

	if result == clock.HeartbeatRecovered {
		metrics.SetOffline(false)
		log.Info().
			Str("session_id", e.session.ID).
			Str("show_time", cue.FormatTimecode(est.DisplayTimecode)).
			Msg("heartbeats resumed - leaving offline mode")
		e.maybeDrain(ctx)
	}
	e.recompute()
}

func (e *Engine) handleCue(p events.CuePayload) {
	c, err := cue.FromPayload(p)
	if err != nil {
		metrics.RecordCue("rejected")
		log.Warn().Err(err).Str("cue_id", p.ID).Msg("rejecting malformed cue")
		return
	}

	if err := e.sched.Ingest(c); err != nil {
		if errors.Is(err, cue.ErrDuplicateCue) {
			metrics.RecordCue("duplicate")
			log.Debug().Str("cue_id", c.ID).Msg("duplicate cue ignored")
			return
		}
		metrics.RecordCue("rejected")
		log.Warn().Err(err).Str("cue_id", c.ID).Msg("failed to buffer cue")
		return
	}

	metrics.RecordCue("accepted")
	log.Debug().
		Str("cue_id", c.ID).
		Str("cue_type", string(c.Type)).
		Str("opens_at", cue.FormatTimecode(c.OpenAt())).
		Str("closes_at", cue.FormatTimecode(c.CloseAt())).
		Msg("cue buffered")
	e.recompute()
}

func (e *Engine) recompute() {
	if e.session == nil {
		return
	}
	now := e.sync.CurrentShowTime()
	prev := e.sched.ActiveCue()
	sel, changed := e.sched.Recompute(now)
	if !changed {
		return
	}
	if prev != nil && (sel.Active == nil || sel.Active.ID != prev.ID) {
		e.lastClosed, e.lastClosedAt = prev, e.clk.Now()
	}

	evt := log.Info().Str("session_id", e.session.ID).Str("show_time", cue.FormatTimecode(now))
	if sel.Active != nil {
		evt = evt.Str("active_cue", sel.Active.ID)
	}
	if sel.Next != nil {
		evt = evt.Str("next_cue", sel.Next.ID)
	}
	evt.Bool("heads_down", e.sched.HeadsDown()).Msg("cue selection changed")
}

func (e *Engine) onWatchdog() {
	e.watchdog = nil
	if e.session == nil {
		return
	}
	if e.sync.CheckWatchdog() {
		metrics.SetOffline(true)
		log.Warn().
			Str("session_id", e.session.ID).
			Dur("timeout", e.cfg.Clock.HeartbeatTimeout).
			Msg("no heartbeat received - switching to local clock")
		e.recompute()
		return
	}
	if !e.sync.IsOffline() {
		e.armWatchdog(e.sync.WatchdogDeadline())
	}
}

func (e *Engine) armWatchdog(d time.Duration) {
	if e.watchdog != nil {
		stopAndDrainTimer(e.watchdog)
	}
	e.watchdog = e.clk.NewTimer(d)
}

func (e *Engine) maybeRequestHeartbeat(ctx context.Context) {
	if !e.connected || !e.sync.NeedsHeartbeatRequest() {
		return
	}
	if e.clk.Since(e.lastRequestAt) < e.cfg.Clock.HeartbeatRequestInterval {
		return
	}
	e.lastRequestAt = e.clk.Now()
	e.send(ctx, events.MessageHeartbeatRequest, events.HeartbeatRequestPayload{EventID: e.eventID()})
}

func (e *Engine) handleConnectivity(ctx context.Context, up bool) {
	if up == e.connected {
		return
	}
	e.connected = up
	if !up {
		log.Warn().Msg("show control connection lost")
		return
	}

	log.Info().Str("event_id", e.eventID()).Msg("show control connected - joining event")
	e.send(ctx, events.MessageJoinEvent, events.JoinEventPayload{EventID: e.eventID(), UserID: e.cfg.UserID})
	e.drainFailures = 0
	e.nextDrainAt = time.Time{}
	e.maybeDrain(ctx)
}

// maybeDrain starts a backlog drain in the background unless one is running
// or the drain backoff has not elapsed yet.
func (e *Engine) maybeDrain(ctx context.Context) {
	if e.draining || e.submitter == nil {
		return
	}
	if !e.nextDrainAt.IsZero() && e.clk.Now().Before(e.nextDrainAt) {
		return
	}
	e.draining = true
	go func() {
		e.drainDone <- e.submitter.Drain(ctx)
	}()
}

func (e *Engine) onDrainFinished(report submission.DrainReport) {
	e.draining = false
	if report.Skipped {
		return
	}
	if report.Stopped && report.Reason == submission.ReasonConnectionFailed {
		e.drainFailures++
		delay := e.cfg.DrainBackoff.NextDelay(e.drainFailures)
		e.nextDrainAt = e.clk.Now().Add(delay)
		log.Debug().Int("failures", e.drainFailures).Dur("retry_in", delay).Int("remaining", report.Remaining).Msg("backlog drain deferred")
		return
	}
	e.drainFailures = 0
	e.nextDrainAt = time.Time{}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
