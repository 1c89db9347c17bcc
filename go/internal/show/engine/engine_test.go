package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/livecue/go/internal/show/backlog"
	"github.com/mcdev12/livecue/go/internal/show/events"
	"github.com/mcdev12/livecue/go/internal/show/submission"
)

var epoch = time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)

type recordingTransport struct {
	mu   sync.Mutex
	sent []events.Envelope
}

func (r *recordingTransport) Send(_ context.Context, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recordingTransport) ofType(t events.MessageType) []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Envelope
	for _, env := range r.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fixedEndpoint struct {
	mu       sync.Mutex
	delivery submission.Delivery
	calls    int
}

func (f *fixedEndpoint) Deliver(_ context.Context, _ submission.Kind, _ json.RawMessage) submission.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.delivery
}

func (f *fixedEndpoint) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	engine    *Engine
	clock     *clockwork.FakeClock
	transport *recordingTransport
	endpoint  *fixedEndpoint
	submitter *submission.Submitter
}

func newHarness(t *testing.T, queued ...backlog.QueuedAction) *harness {
	t.Helper()
	fc := clockwork.NewFakeClockAt(epoch)
	endpoint := &fixedEndpoint{delivery: submission.Delivery{Status: submission.DeliveryDelivered, StatusCode: 200}}

	queue, err := backlog.Open(context.Background(), backlog.NewMemoryStore(queued...), fc)
	require.NoError(t, err)
	sub := submission.New(endpoint, queue, fc)

	cfg := DefaultConfig()
	cfg.EventID = "evt-1"
	cfg.UserID = "user-1"
	e := New(cfg, fc, sub)
	tr := &recordingTransport{}
	e.SetTransport(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		sub.Wait()
	})

	return &harness{engine: e, clock: fc, transport: tr, endpoint: endpoint, submitter: sub}
}

func (h *harness) send(t *testing.T, mt events.MessageType, payload interface{}) {
	t.Helper()
	env, err := events.NewEnvelope(mt, payload)
	require.NoError(t, err)
	h.engine.HandleEnvelope(env)
}

func (h *harness) startSession(t *testing.T, id string) {
	t.Helper()
	h.send(t, events.MessageSessionStart, events.SessionStartPayload{
		SessionID: id,
		EventID:   "evt-1",
		StartTime: h.clock.Now().UnixMilli(),
	})
	require.Eventually(t, func() bool {
		st := h.engine.State()
		return st.Session != nil && st.Session.ID == id
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) activate(t *testing.T, c events.CuePayload) {
	t.Helper()
	h.send(t, events.MessageCue, c)
	require.Eventually(t, func() bool {
		st := h.engine.State()
		return st.Active != nil && st.Active.ID == c.ID
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) heartbeat(t *testing.T, seconds float64) {
	t.Helper()
	h.send(t, events.MessageHeartbeat, events.HeartbeatPayload{
		ServerTimecode: seconds,
		ServerTime:     h.clock.Now().UnixMilli(),
	})
}

func int64p(v int64) *int64 { return &v }

func cueAt(id, typ, timecode string, closeMs int64) events.CuePayload {
	return events.CuePayload{
		ID:            id,
		Type:          typ,
		Timecode:      timecode,
		OpenOffsetMs:  int64p(0),
		CloseOffsetMs: int64p(closeMs),
	}
}

func TestMessagesWithoutSessionAreIgnored(t *testing.T) {
	h := newHarness(t)

	h.send(t, events.MessageCue, cueAt("c1", "poll", "00:00:01", 5000))
	h.heartbeat(t, 5)
	h.startSession(t, "s1")

	require.Zero(t, h.engine.State().CueCount)
}

func TestCueBecomesActiveAndCloses(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")

	h.send(t, events.MessageCue, cueAt("poll-1", "poll", "00:00:10", 5000))
	require.Eventually(t, func() bool {
		st := h.engine.State()
		return st.Next != nil && st.Next.ID == "poll-1"
	}, time.Second, 5*time.Millisecond)

	h.clock.Advance(2 * time.Second)
	h.heartbeat(t, 12)
	require.Eventually(t, func() bool {
		st := h.engine.State()
		return st.Active != nil && st.Active.ID == "poll-1"
	}, time.Second, 5*time.Millisecond)

	h.clock.Advance(2 * time.Second)
	h.heartbeat(t, 16)
	require.Eventually(t, func() bool {
		st := h.engine.State()
		return st.Active == nil && st.Clock.ServerTimecode == 16*time.Second
	}, time.Second, 5*time.Millisecond)
}

func TestDuplicateAndMalformedCuesAreNotBuffered(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")

	h.send(t, events.MessageCue, cueAt("c1", "poll", "00:00:10", 5000))
	h.send(t, events.MessageCue, cueAt("c1", "task", "00:00:20", 5000))
	h.send(t, events.MessageCue, cueAt("c2", "poll", "not-a-timecode", 5000))
	h.send(t, events.MessageCue, cueAt("c3", "keepsake", "00:01:00", 5000))

	require.Eventually(t, func() bool {
		return h.engine.State().CueCount == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPauseAndResumeAudience(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")

	h.send(t, events.MessagePauseAudience, events.PauseAudiencePayload{})
	require.Eventually(t, func() bool { return h.engine.State().HeadsDown }, time.Second, 5*time.Millisecond)

	h.send(t, events.MessageResumeAudience, events.ResumeAudiencePayload{})
	require.Eventually(t, func() bool { return !h.engine.State().HeadsDown }, time.Second, 5*time.Millisecond)
}

func TestWatchdogSwitchesToOfflineMode(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")

	h.clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool {
		return h.engine.State().Clock.IsOffline
	}, time.Second, 5*time.Millisecond)

	h.heartbeat(t, 42)
	require.Eventually(t, func() bool {
		st := h.engine.State()
		return !st.Clock.IsOffline && st.Clock.ServerTimecode == 42*time.Second
	}, time.Second, 5*time.Millisecond)
}

func TestConnectSendsJoinEvent(t *testing.T) {
	h := newHarness(t)
	h.engine.Connected()

	require.Eventually(t, func() bool {
		return len(h.transport.ofType(events.MessageJoinEvent)) == 1
	}, time.Second, 5*time.Millisecond)

	var join events.JoinEventPayload
	require.NoError(t, json.Unmarshal(h.transport.ofType(events.MessageJoinEvent)[0].Data, &join))
	require.Equal(t, events.JoinEventPayload{EventID: "evt-1", UserID: "user-1"}, join)
	require.True(t, h.engine.State().Connected)

	h.engine.Disconnected(nil)
	require.Eventually(t, func() bool { return !h.engine.State().Connected }, time.Second, 5*time.Millisecond)
}

func TestRequestsHeartbeatWhenQuiet(t *testing.T) {
	h := newHarness(t)
	h.engine.Connected()
	require.Eventually(t, func() bool { return h.engine.State().Connected }, time.Second, 5*time.Millisecond)
	h.startSession(t, "s1")

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return len(h.transport.ofType(events.MessageHeartbeatRequest)) > 0
	}, time.Second, 5*time.Millisecond)

	var req events.HeartbeatRequestPayload
	require.NoError(t, json.Unmarshal(h.transport.ofType(events.MessageHeartbeatRequest)[0].Data, &req))
	require.Equal(t, "evt-1", req.EventID)
}

func TestConnectDrainsBacklog(t *testing.T) {
	queued := backlog.QueuedAction{
		Kind:       string(submission.KindPollVote),
		CueID:      "poll-1",
		SessionID:  "s1",
		Payload:    json.RawMessage(`{"pollId":"poll-1","selectedOption":"a"}`),
		EnqueuedAt: epoch.Add(-time.Minute),
	}
	h := newHarness(t, queued)

	h.engine.Connected()
	require.Eventually(t, func() bool {
		return h.submitter.Backlog().Len() == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.endpoint.callCount())
}

func TestSubmitRequiresSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Submit(context.Background(), "poll-1", submission.KindPollVote, json.RawMessage(`{"selectedOption":"a"}`))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestPollSubmitSendsCueResponseOnce(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")
	h.activate(t, cueAt("poll-1", "poll", "00:00:00", 30000))

	vote := json.RawMessage(`{"selectedOption":"b"}`)
	res, err := h.engine.Submit(context.Background(), "poll-1", submission.KindPollVote, vote)
	require.NoError(t, err)
	require.Equal(t, submission.OutcomeSubmitted, res.Outcome)

	res, err = h.engine.Submit(context.Background(), "poll-1", submission.KindPollVote, vote)
	require.NoError(t, err)
	require.True(t, res.Repeat)

	responses := h.transport.ofType(events.MessageCueResponse)
	require.Len(t, responses, 1)

	var p events.CueResponsePayload
	require.NoError(t, json.Unmarshal(responses[0].Data, &p))
	require.Equal(t, "poll-1", p.PollID)
	require.Equal(t, "b", p.SelectedOption)
	require.Equal(t, "s1", p.Metadata["sessionId"])
	require.Equal(t, "user-1", p.Metadata["userId"])
}

func TestSessionReplayKeepsStateAndNewSessionResets(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")

	h.send(t, events.MessageCue, cueAt("c1", "poll", "00:00:10", 5000))
	require.Eventually(t, func() bool { return h.engine.State().CueCount == 1 }, time.Second, 5*time.Millisecond)

	h.startSession(t, "s1")
	h.send(t, events.MessageCue, cueAt("c2", "poll", "00:00:20", 5000))
	require.Eventually(t, func() bool { return h.engine.State().CueCount == 2 }, time.Second, 5*time.Millisecond)

	h.startSession(t, "s2")
	require.Zero(t, h.engine.State().CueCount)
}

func TestSessionEndClearsState(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")
	h.send(t, events.MessageCue, cueAt("c1", "poll", "00:00:10", 5000))

	h.send(t, events.MessageSessionEnd, events.SessionEndPayload{})
	require.Eventually(t, func() bool {
		st := h.engine.State()
		return st.Session == nil && st.CueCount == 0 && st.Active == nil
	}, time.Second, 5*time.Millisecond)

	_, err := h.engine.Submit(context.Background(), "c1", submission.KindPollVote, json.RawMessage(`{"selectedOption":"a"}`))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSubmitRejectsCuesThatAreNotActive(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")
	h.send(t, events.MessageCue, cueAt("later", "poll", "00:05:00", 5000))
	require.Eventually(t, func() bool { return h.engine.State().CueCount == 1 }, time.Second, 5*time.Millisecond)

	vote := json.RawMessage(`{"selectedOption":"a"}`)
	for _, id := range []string{"never-sent", "later"} {
		_, err := h.engine.Submit(context.Background(), id, submission.KindPollVote, vote)
		require.ErrorIs(t, err, ErrCueNotActive, id)
	}
	require.Zero(t, h.endpoint.callCount())
	require.Empty(t, h.submitter.Records())
}

func TestSubmitAcceptsClosedCueWithinGrace(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")
	h.activate(t, cueAt("poll-1", "poll", "00:00:00", 2000))

	h.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		st := h.engine.State()
		return st.Active == nil && st.LastClosed != nil && st.LastClosed.ID == "poll-1"
	}, time.Second, 5*time.Millisecond)

	res, err := h.engine.Submit(context.Background(), "poll-1", submission.KindPollVote, json.RawMessage(`{"selectedOption":"a"}`))
	require.NoError(t, err)
	require.Equal(t, submission.OutcomeSubmitted, res.Outcome)

	h.clock.Advance(3 * time.Second)
	_, err = h.engine.Submit(context.Background(), "poll-1", submission.KindTaskCompletion, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrCueNotActive)
	require.Equal(t, 1, h.endpoint.callCount())
}

func TestInvalidHeartbeatLeavesShowTimeIntact(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "s1")

	h.send(t, events.MessageHeartbeat, events.HeartbeatPayload{ServerTimecode: 10})
	h.clock.Advance(2 * time.Second)
	h.heartbeat(t, 2)
	require.Eventually(t, func() bool {
		return h.engine.State().Clock.ServerTimecode == 2*time.Second
	}, time.Second, 5*time.Millisecond)

	st := h.engine.State()
	require.Less(t, st.Clock.DisplayTimecode, 3*time.Second)
	require.False(t, st.Clock.IsOffline)
}
