// Package submission delivers audience responses to the platform endpoints.
// Each (cue, kind) pair has a record with a small state machine; responses
// that cannot be delivered are written to the durable backlog and replayed
// by Drain.
package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livecue/go/internal/show/backlog"
	"github.com/mcdev12/livecue/go/internal/show/metrics"
)

// Endpoint sends one request body for kind and classifies the response
type Endpoint interface {
	Deliver(ctx context.Context, kind Kind, body json.RawMessage) Delivery
}

// DrainReport summarizes one pass over the backlog
type DrainReport struct {
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Dropped   int    `json:"dropped"`
	Deferred  int    `json:"deferred"`
	Remaining int    `json:"remaining"`
	Stopped   bool   `json:"stopped"`
	Reason    string `json:"reason,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

type recordKey struct {
	cueID string
	kind  Kind
}

type Submitter struct {
	endpoint Endpoint
	backlog  *backlog.Backlog
	clk      clockwork.Clock

	mu          sync.Mutex
	session     string
	generation  uint64
	records     map[recordKey]*Record
	authBlocked bool

	draining sync.Mutex
	bg       sync.WaitGroup
}

func New(endpoint Endpoint, queue *backlog.Backlog, clk clockwork.Clock) *Submitter {
	return &Submitter{
		endpoint: endpoint,
		backlog:  queue,
		clk:      clk,
		records:  make(map[recordKey]*Record),
	}
}

// BeginSession scopes records to sessionID. Calling it again with the same id
// keeps the records. Queued actions from this session come back as
// failed-queued records.
func (s *Submitter) BeginSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == sessionID {
		return
	}
	s.session = sessionID
	s.generation++
	s.records = make(map[recordKey]*Record)

	for _, a := range s.backlog.Pending() {
		if a.SessionID != sessionID {
			continue
		}
		s.records[recordKey{a.CueID, Kind(a.Kind)}] = &Record{
			CueID:     a.CueID,
			Kind:      Kind(a.Kind),
			Value:     a.Payload,
			Status:    StatusFailedQueued,
			UpdatedAt: a.EnqueuedAt,
		}
	}
}

// EndSession discards every record. Submissions still in flight complete but
// no longer touch records.
func (s *Submitter) EndSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = ""
	s.generation++
	s.records = make(map[recordKey]*Record)
}

// Submit delivers one response. Delivery failures are never returned as
// errors; they become a queued or rejected outcome. Errors are reserved for
// unusable input and for a record that is already being submitted.
func (s *Submitter) Submit(ctx context.Context, cueID string, kind Kind, payload json.RawMessage) (Result, error) {
	body, err := BuildBody(kind, cueID, payload)
	if err != nil {
		return Result{}, err
	}

	key := recordKey{cueID, kind}

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{CueID: cueID, Kind: kind, Status: StatusIdle}
		s.records[key] = rec
	}
	switch rec.Status {
	case StatusSubmitted:
		out := *rec
		s.mu.Unlock()
		metrics.RecordSubmission(string(kind), "noop")
		return Result{Outcome: OutcomeSubmitted, Record: out, Notice: "Already submitted.", Repeat: true}, nil
	case StatusSubmitting:
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s %s", ErrInFlight, kind, cueID)
	}
	rec.Status = StatusSubmitting
	rec.Value = payload
	rec.UpdatedAt = s.clk.Now()
	gen, session := s.generation, s.session
	s.mu.Unlock()

	d := s.endpoint.Deliver(ctx, kind, body)
	logger := log.With().
		Str("cue_id", cueID).
		Str("kind", string(kind)).
		Str("delivery", d.Status.String()).
		Int("status_code", d.StatusCode).
		Logger()

	var res Result
	switch d.Status {
	case DeliveryDelivered, DeliveryDuplicate:
		res = Result{Outcome: OutcomeSubmitted, Record: s.finish(gen, key, StatusSubmitted, "")}
		if d.Status == DeliveryDuplicate {
			res.Notice = "Your response was already recorded."
		}
		if kind == KindPollVote {
			res.Quiz = ParseQuizFeedback(d.Body)
		}
		s.setAuthBlocked(false)
		if _, err := s.backlog.RemoveMatching(ctx, string(kind), cueID); err != nil {
			logger.Error().Err(err).Msg("Failed to persist backlog after delivery")
		}
		logger.Info().Msg("Response submitted")
		s.drainInBackground(ctx)

	case DeliveryAuthRequired:
		s.setAuthBlocked(true)
		s.enqueue(ctx, session, kind, cueID, body)
		res = Result{
			Outcome: OutcomeQueued,
			Record:  s.finish(gen, key, StatusFailedQueued, ReasonAuthRequired),
			Notice:  "Sign in to save your response. It will be sent once you do.",
		}
		logger.Info().Msg("Response queued until sign-in")

	case DeliveryTransportFailure:
		s.enqueue(ctx, session, kind, cueID, body)
		res = Result{
			Outcome: OutcomeQueued,
			Record:  s.finish(gen, key, StatusFailedQueued, ReasonConnectionFailed),
			Notice:  "Connection problem. Your response is saved and will be sent automatically.",
		}
		logger.Warn().Err(d.Err).Msg("Response queued after transport failure")

	default:
		reason := rejectionReason(d)
		res = Result{
			Outcome: OutcomeRejected,
			Record:  s.finish(gen, key, StatusIdle, reason),
			Notice:  "Your response could not be accepted.",
		}
		logger.Warn().Str("reason", reason).Msg("Response rejected")
	}

	metrics.RecordSubmission(string(kind), string(res.Outcome))
	return res, nil
}

// finish moves a record out of submitting. Records of a session that has
// since ended are left alone; the would-be record is still returned.
func (s *Submitter) finish(gen uint64, key recordKey, status Status, reason string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	update := Record{CueID: key.cueID, Kind: key.kind, Status: status, LastError: reason, UpdatedAt: s.clk.Now()}
	if gen != s.generation {
		return update
	}
	rec, ok := s.records[key]
	if !ok {
		return update
	}
	if rec.Status == StatusSubmitted && status != StatusSubmitted {
		return *rec
	}
	rec.Status = status
	rec.LastError = reason
	rec.UpdatedAt = update.UpdatedAt
	return *rec
}

func (s *Submitter) enqueue(ctx context.Context, session string, kind Kind, cueID string, body json.RawMessage) {
	a, err := s.backlog.Enqueue(ctx, backlog.QueuedAction{
		Kind:      string(kind),
		CueID:     cueID,
		SessionID: session,
		Payload:   body,
	})
	if err != nil {
		log.Error().Err(err).Str("cue_id", cueID).Str("kind", string(kind)).Msg("Failed to persist queued action")
		return
	}
	log.Info().Str("action_id", a.ID.String()).Str("cue_id", cueID).Str("kind", string(kind)).Int("backlog_depth", s.backlog.Len()).Msg("Queued action")
}

func (s *Submitter) setAuthBlocked(v bool) {
	s.mu.Lock()
	s.authBlocked = v
	s.mu.Unlock()
}

// AuthBlocked reports whether drains are paused until re-authentication
func (s *Submitter) AuthBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authBlocked
}

// Reauthenticated lifts the authentication block and drains the backlog
func (s *Submitter) Reauthenticated(ctx context.Context) DrainReport {
	s.setAuthBlocked(false)
	return s.Drain(ctx)
}

func (s *Submitter) drainInBackground(ctx context.Context) {
	if s.backlog.Len() == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		report := s.Drain(ctx)
		if !report.Skipped {
			log.Debug().Interface("report", report).Msg("Opportunistic drain finished")
		}
	}()
}

// Wait blocks until background drains started by Submit have returned
func (s *Submitter) Wait() {
	s.bg.Wait()
}

// Drain replays queued actions once each, in enqueue order, and stops at the
// first transport failure or authentication failure. Items the server
// permanently rejects are dropped. Only one drain runs at a time; a
// concurrent call returns a report with Skipped set.
func (s *Submitter) Drain(ctx context.Context) DrainReport {
	if !s.draining.TryLock() {
		return DrainReport{Skipped: true}
	}
	defer s.draining.Unlock()

	var report DrainReport
	if s.AuthBlocked() {
		report.Stopped = true
		report.Reason = ReasonAuthRequired
		report.Remaining = s.backlog.Len()
		return report
	}

	for _, a := range s.backlog.Pending() {
		if ctx.Err() != nil {
			report.Stopped = true
			report.Reason = ctx.Err().Error()
			break
		}

		key := recordKey{a.CueID, Kind(a.Kind)}
		if s.inFlight(key, a.SessionID) {
			report.Deferred++
			continue
		}

		report.Attempted++
		d := s.endpoint.Deliver(ctx, Kind(a.Kind), a.Payload)
		metrics.RecordDrainItem(d.Status.String())
		logger := log.With().Str("action_id", a.ID.String()).Str("cue_id", a.CueID).Str("kind", a.Kind).Logger()

		stop := false
		switch d.Status {
		case DeliveryDelivered, DeliveryDuplicate:
			if _, err := s.backlog.Remove(ctx, a.ID); err != nil {
				logger.Error().Err(err).Msg("Failed to persist backlog after drain delivery")
			}
			s.markDrained(key, a.SessionID, StatusSubmitted, "")
			report.Delivered++

		case DeliveryAuthRequired:
			s.setAuthBlocked(true)
			report.Stopped = true
			report.Reason = ReasonAuthRequired
			stop = true

		case DeliveryTransportFailure:
			report.Stopped = true
			report.Reason = ReasonConnectionFailed
			stop = true

		default:
			reason := rejectionReason(d)
			if _, err := s.backlog.Remove(ctx, a.ID); err != nil {
				logger.Error().Err(err).Msg("Failed to persist backlog after dropping action")
			}
			s.markDrained(key, a.SessionID, StatusIdle, reason)
			report.Dropped++
			logger.Warn().Int("status_code", d.StatusCode).Str("reason", reason).Msg("Dropped queued action rejected by server")
		}
		if stop {
			break
		}
	}

	report.Remaining = s.backlog.Len()
	if report.Attempted > 0 {
		log.Info().
			Int("delivered", report.Delivered).
			Int("dropped", report.Dropped).
			Int("remaining", report.Remaining).
			Str("reason", report.Reason).
			Msg("Backlog drained")
	}
	return report
}

func (s *Submitter) inFlight(key recordKey, session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session != s.session {
		return false
	}
	rec, ok := s.records[key]
	return ok && rec.Status == StatusSubmitting
}

// markDrained settles a failed-queued record of the current session after
// its queued action was replayed.
func (s *Submitter) markDrained(key recordKey, session string, status Status, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session != s.session {
		return
	}
	rec, ok := s.records[key]
	if !ok || rec.Status != StatusFailedQueued {
		return
	}
	rec.Status = status
	rec.LastError = reason
	rec.UpdatedAt = s.clk.Now()
}

// Records returns a copy of every record of the current session
func (s *Submitter) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CueID != out[j].CueID {
			return out[i].CueID < out[j].CueID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Record returns the record for (cueID, kind)
func (s *Submitter) Record(cueID string, kind Kind) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{cueID, kind}]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Backlog exposes the underlying queue
func (s *Submitter) Backlog() *backlog.Backlog {
	return s.backlog
}

func rejectionReason(d Delivery) string {
	if d.Err != nil {
		return d.Err.Error()
	}
	if d.StatusCode != 0 {
		return fmt.Sprintf("rejected with status %d", d.StatusCode)
	}
	return "rejected"
}
