// Package engine runs the audience-side show loop. A single goroutine owns
// the session, the show clock and the cue scheduler; transport callbacks and
// timers are funnelled into it through channels, and readers get an
// immutable State snapshot published after every step.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livecue/go/internal/show/clock"
	"github.com/mcdev12/livecue/go/internal/show/cue"
	"github.com/mcdev12/livecue/go/internal/show/events"
	"github.com/mcdev12/livecue/go/internal/show/retry"
	"github.com/mcdev12/livecue/go/internal/show/submission"
)

var (
	ErrNoSession    = errors.New("no active show session")
	ErrCueNotActive = errors.New("cue is not accepting responses")
)

// Transport is the outbound half of the show control channel
type Transport interface {
	Send(ctx context.Context, env events.Envelope) error
}

// Submitter is what the engine needs from the submission layer
type Submitter interface {
	BeginSession(sessionID string)
	EndSession()
	Submit(ctx context.Context, cueID string, kind submission.Kind, payload json.RawMessage) (submission.Result, error)
	Drain(ctx context.Context) submission.DrainReport
}

// Config holds the engine's cadences and identity
type Config struct {
	EventID        string
	UserID         string
	FastTick       time.Duration
	RedrawInterval time.Duration
	FallbackTick   time.Duration
	Clock          clock.Config
	DrainBackoff   retry.Policy
	InboxSize      int

	// ResponseGrace keeps a cue answerable for a moment after it leaves
	// the active slot
	ResponseGrace time.Duration
}

// DefaultConfig returns the production cadences
func DefaultConfig() Config {
	return Config{
		FastTick:       100 * time.Millisecond,
		RedrawInterval: 250 * time.Millisecond,
		FallbackTick:   time.Second,
		Clock:          clock.DefaultConfig(),
		DrainBackoff:   retry.DefaultPolicy(),
		InboxSize:      256,
		ResponseGrace:  2 * time.Second,
	}
}

// Session is the show session the engine is currently attached to
type Session struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId"`
	StartedAt time.Time `json:"startedAt"`
}

// State is an immutable snapshot of the engine, safe to share between
// goroutines
type State struct {
	Session   *Session
	Clock     clock.Estimate
	Active    *cue.Cue
	Next      *cue.Cue
	HeadsDown bool
	CueCount  int
	Connected bool
	UpdatedAt time.Time

	// LastClosed is the cue most recently displaced from the active slot
	LastClosed   *cue.Cue
	LastClosedAt time.Time
}

// AcceptsResponse reports whether a response to cueID made at now belongs to
// the active cue, or to the last active one within grace of its closing.
func (s *State) AcceptsResponse(cueID string, now time.Time, grace time.Duration) bool {
	if s.Session == nil || cueID == "" {
		return false
	}
	if s.Active != nil && s.Active.ID == cueID {
		return true
	}
	return s.LastClosed != nil && s.LastClosed.ID == cueID && now.Sub(s.LastClosedAt) <= grace
}

type Engine struct {
	cfg       Config
	clk       clockwork.Clock
	transport Transport
	submitter Submitter

	inbox     chan events.Envelope
	connCh    chan bool
	drainDone chan submission.DrainReport
	done      chan struct{}
	state     atomic.Pointer[State]

	// owned by the loop goroutine
	session       *Session
	sync          *clock.Synchronizer
	sched         *cue.Scheduler
	connected     bool
	fast          clockwork.Ticker
	fallback      clockwork.Ticker
	redraw        clockwork.Ticker
	lastRequestAt time.Time
	watchdog      clockwork.Timer
	draining      bool
	drainFailures int
	nextDrainAt   time.Time
	lastClosed    *cue.Cue
	lastClosedAt  time.Time
}

func New(cfg Config, clk clockwork.Clock, submitter Submitter) *Engine {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	e := &Engine{
		cfg:       cfg,
		clk:       clk,
		submitter: submitter,
		inbox:     make(chan events.Envelope, cfg.InboxSize),
		connCh:    make(chan bool, 8),
		drainDone: make(chan submission.DrainReport, 1),
		done:      make(chan struct{}),
		sync:      clock.NewSynchronizer(clk, cfg.Clock),
		sched:     cue.NewScheduler(),
	}
	e.publish()
	return e
}

// SetTransport attaches the outbound channel. It must be called before Run.
func (e *Engine) SetTransport(t Transport) {
	e.transport = t
}

// State returns the latest published snapshot
func (e *Engine) State() *State {
	return e.state.Load()
}

// HandleEnvelope queues an inbound message for the loop
func (e *Engine) HandleEnvelope(env events.Envelope) {
	select {
	case e.inbox <- env:
	case <-e.done:
	}
}

// Connected is called by the transport once a connection is up
func (e *Engine) Connected() {
	select {
	case e.connCh <- true:
	case <-e.done:
	}
}

// Disconnected is called by the transport when the connection drops
func (e *Engine) Disconnected(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("transport reported disconnect")
	}
	select {
	case e.connCh <- false:
	case <-e.done:
	}
}

// Run processes messages and timers until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Str("event_id", e.cfg.EventID).Str("user_id", e.cfg.UserID).Msg("show engine started")
	defer close(e.done)
	defer e.publish()

	for {
		select {
		case <-ctx.Done():
			e.endSession("shutdown")
			log.Info().Msg("show engine stopped")
			return nil

		case env := <-e.inbox:
			e.dispatch(ctx, env)

		case up := <-e.connCh:
			e.handleConnectivity(ctx, up)

		// 10 Hz while heartbeats arrive, 1 Hz on the local clock
		case <-tickerChan(e.fast):
			e.sync.Interpolate()

		case <-tickerChan(e.fallback):
			e.sync.TickFallback()
			e.maybeRequestHeartbeat(ctx)
			if e.drainFailures > 0 {
				e.maybeDrain(ctx)
			}

		case <-tickerChan(e.redraw):
			e.recompute()

		case <-timerChan(e.watchdog):
			e.onWatchdog()

		case report := <-e.drainDone:
			e.onDrainFinished(report)
		}
		e.publish()
	}
}

func (e *Engine) publish() {
	st := &State{Connected: e.connected, UpdatedAt: e.clk.Now()}
	if e.session != nil {
		s := *e.session
		st.Session = &s
		st.Clock = e.sync.Estimate()
		st.Active = e.sched.ActiveCue()
		st.Next = e.sched.NextCue()
		st.HeadsDown = e.sched.HeadsDown()
		st.CueCount = e.sched.Len()
		st.LastClosed = e.lastClosed
		st.LastClosedAt = e.lastClosedAt
	}
	e.state.Store(st)
}

// Submit forwards a response to the active cue to the submission layer.
// Poll votes are also echoed to show control as a best-effort cue_response.
func (e *Engine) Submit(ctx context.Context, cueID string, kind submission.Kind, payload json.RawMessage) (submission.Result, error) {
	st := e.State()
	if st == nil || st.Session == nil {
		return submission.Result{}, ErrNoSession
	}
	if !st.AcceptsResponse(cueID, e.clk.Now(), e.cfg.ResponseGrace) {
		return submission.Result{}, fmt.Errorf("%w: %s", ErrCueNotActive, cueID)
	}

	res, err := e.submitter.Submit(ctx, cueID, kind, payload)
	if err != nil {
		return res, err
	}

	if kind == submission.KindPollVote && !res.Repeat && res.Outcome != submission.OutcomeRejected {
		e.sendCueResponse(ctx, st.Session, cueID, payload, res)
	}
	return res, nil
}

func (e *Engine) sendCueResponse(ctx context.Context, session *Session, cueID string, payload json.RawMessage, res submission.Result) {
	if e.transport == nil {
		return
	}
	var vote struct {
		PollID         string `json:"pollId"`
		SelectedOption string `json:"selectedOption"`
	}
	_ = json.Unmarshal(payload, &vote)
	if vote.PollID == "" {
		vote.PollID = cueID
	}

	env, err := events.NewEnvelope(events.MessageCueResponse, events.CueResponsePayload{
		PollID:         vote.PollID,
		SelectedOption: vote.SelectedOption,
		Metadata: map[string]interface{}{
			"cueId":     cueID,
			"sessionId": session.ID,
			"userId":    e.cfg.UserID,
			"outcome":   string(res.Outcome),
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to build cue_response")
		return
	}
	if err := e.transport.Send(ctx, env); err != nil {
		log.Debug().Err(err).Str("cue_id", cueID).Msg("cue_response not sent")
	}
}

func (e *Engine) send(ctx context.Context, t events.MessageType, payload interface{}) {
	if e.transport == nil {
		return
	}
	env, err := events.NewEnvelope(t, payload)
	if err != nil {
		log.Warn().Err(err).Str("message_type", string(t)).Msg("failed to build outbound message")
		return
	}
	if err := e.transport.Send(ctx, env); err != nil {
		log.Debug().Err(err).Str("message_type", string(t)).Msg("outbound message not sent")
	}
}

func (e *Engine) eventID() string {
	if e.session != nil && e.session.EventID != "" {
		return e.session.EventID
	}
	return e.cfg.EventID
}

func tickerChan(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}
