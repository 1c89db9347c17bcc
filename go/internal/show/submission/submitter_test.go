package submission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/livecue/go/internal/show/backlog"
)

type call struct {
	kind Kind
	body json.RawMessage
}

// stubEndpoint answers deliveries from a script; once the script is used up
// it repeats fallback. A non-nil block holds deliveries of blockOn (or of
// every kind when blockOn is empty) until it is closed.
type stubEndpoint struct {
	mu       sync.Mutex
	script   []Delivery
	fallback Delivery
	calls    []call
	block    chan struct{}
	blockOn  Kind
}

func (e *stubEndpoint) Deliver(_ context.Context, kind Kind, body json.RawMessage) Delivery {
	if e.block != nil && (e.blockOn == "" || e.blockOn == kind) {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call{kind: kind, body: body})
	if len(e.script) > 0 {
		d := e.script[0]
		e.script = e.script[1:]
		return d
	}
	return e.fallback
}

func (e *stubEndpoint) respond(ds ...Delivery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = append(e.script, ds...)
}

func (e *stubEndpoint) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *stubEndpoint) callsFor(kind Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

var (
	ok        = Delivery{Status: DeliveryDelivered, StatusCode: 200}
	duplicate = Delivery{Status: DeliveryDuplicate, StatusCode: 409}
	authFail  = Delivery{Status: DeliveryAuthRequired, StatusCode: 401}
	netFail   = Delivery{Status: DeliveryTransportFailure, Err: errors.New("dial tcp: connection refused")}
	rejected  = Delivery{Status: DeliveryRejected, StatusCode: 422}
)

func vote(option string) json.RawMessage {
	return json.RawMessage(`{"selectedOption":"` + option + `"}`)
}

func newTestSubmitter(t *testing.T, endpoint Endpoint) (*Submitter, *backlog.Backlog) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC))
	queue, err := backlog.Open(context.Background(), backlog.NewMemoryStore(), clk)
	require.NoError(t, err)
	s := New(endpoint, queue, clk)
	s.BeginSession("session-1")
	return s, queue
}

func TestSubmitSuccess(t *testing.T) {
	endpoint := &stubEndpoint{fallback: Delivery{Status: DeliveryDelivered, StatusCode: 200, Body: []byte(`{"correct":true,"explanation":"Bowie, 1972"}`)}}
	s, queue := newTestSubmitter(t, endpoint)

	res, err := s.Submit(context.Background(), "poll-1", KindPollVote, vote("a"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSubmitted, res.Outcome)
	require.Equal(t, StatusSubmitted, res.Record.Status)
	require.NotNil(t, res.Quiz)
	require.True(t, res.Quiz.Correct)
	require.Equal(t, "Bowie, 1972", res.Quiz.Explanation)
	require.Zero(t, queue.Len())

	require.Len(t, endpoint.calls, 1)
	require.JSONEq(t, `{"pollId":"poll-1","selectedOption":"a"}`, string(endpoint.calls[0].body))
}

func TestSecondSubmitAfterSuccessIsNoop(t *testing.T) {
	endpoint := &stubEndpoint{fallback: ok}
	s, _ := newTestSubmitter(t, endpoint)

	_, err := s.Submit(context.Background(), "poll-1", KindPollVote, vote("a"))
	require.NoError(t, err)

	res, err := s.Submit(context.Background(), "poll-1", KindPollVote, vote("b"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSubmitted, res.Outcome)
	require.True(t, res.Repeat)
	require.Equal(t, 1, endpoint.callCount())
}

func TestDuplicateCountsAsSuccess(t *testing.T) {
	endpoint := &stubEndpoint{fallback: duplicate}
	s, _ := newTestSubmitter(t, endpoint)

	res, err := s.Submit(context.Background(), "k-1", KindKeepsakeCapture, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSubmitted, res.Outcome)
	require.NotEmpty(t, res.Notice)
	require.Nil(t, res.Quiz)
}

func TestTransportFailureQueuesAndDrainDelivers(t *testing.T) {
	endpoint := &stubEndpoint{fallback: ok}
	endpoint.respond(netFail)
	s, queue := newTestSubmitter(t, endpoint)

	res, err := s.Submit(context.Background(), "poll-1", KindPollVote, vote("a"))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, res.Outcome)
	require.Equal(t, StatusFailedQueued, res.Record.Status)
	require.Equal(t, ReasonConnectionFailed, res.Record.LastError)
	require.Equal(t, 1, queue.Len())

	pending := queue.Pending()
	require.Equal(t, "session-1", pending[0].SessionID)
	require.JSONEq(t, `{"pollId":"poll-1","selectedOption":"a"}`, string(pending[0].Payload))

	report := s.Drain(context.Background())
	require.Equal(t, 1, report.Delivered)
	require.Zero(t, report.Remaining)

	rec, found := s.Record("poll-1", KindPollVote)
	require.True(t, found)
	require.Equal(t, StatusSubmitted, rec.Status)
}

func TestDrainRemovesAlreadyCollectedSilently(t *testing.T) {
	endpoint := &stubEndpoint{fallback: duplicate}
	endpoint.respond(netFail)
	s, queue := newTestSubmitter(t, endpoint)

	_, err := s.Submit(context.Background(), "qr-7", KindChapterStamp, json.RawMessage(`{"title":"Act II"}`))
	require.NoError(t, err)

	report := s.Drain(context.Background())
	require.Equal(t, 1, report.Delivered)
	require.Zero(t, queue.Len())

	rec, _ := s.Record("qr-7", KindChapterStamp)
	require.Equal(t, StatusSubmitted, rec.Status)
}

func TestDrainStopsAtFirstTransportFailure(t *testing.T) {
	endpoint := &stubEndpoint{fallback: netFail}
	s, queue := newTestSubmitter(t, endpoint)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := s.Submit(ctx, id, KindTaskCompletion, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, queue.Len())

	endpoint.respond(ok)
	report := s.Drain(ctx)
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 1, report.Delivered)
	require.True(t, report.Stopped)
	require.Equal(t, ReasonConnectionFailed, report.Reason)
	require.Equal(t, 2, report.Remaining)
	require.Equal(t, "t2", queue.Pending()[0].CueID)
}

func TestDrainDropsPermanentRejections(t *testing.T) {
	endpoint := &stubEndpoint{fallback: ok}
	endpoint.respond(netFail, rejected)
	s, queue := newTestSubmitter(t, endpoint)

	_, err := s.Submit(context.Background(), "t1", KindTaskCompletion, nil)
	require.NoError(t, err)

	report := s.Drain(context.Background())
	require.Equal(t, 1, report.Dropped)
	require.Zero(t, queue.Len())

	rec, _ := s.Record("t1", KindTaskCompletion)
	require.Equal(t, StatusIdle, rec.Status)
	require.NotEmpty(t, rec.LastError)
}

func TestAuthRequiredBlocksDrainUntilReauthenticated(t *testing.T) {
	endpoint := &stubEndpoint{fallback: ok}
	endpoint.respond(authFail)
	s, queue := newTestSubmitter(t, endpoint)
	ctx := context.Background()

	res, err := s.Submit(ctx, "k-1", KindKeepsakeCapture, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, res.Outcome)
	require.Equal(t, ReasonAuthRequired, res.Record.LastError)
	require.True(t, s.AuthBlocked())

	report := s.Drain(ctx)
	require.True(t, report.Stopped)
	require.Zero(t, report.Attempted)
	require.Equal(t, 1, queue.Len())

	report = s.Reauthenticated(ctx)
	require.Equal(t, 1, report.Delivered)
	require.False(t, s.AuthBlocked())
	require.Zero(t, queue.Len())
}

func TestResubmitAfterFailureKeepsOneQueuedAction(t *testing.T) {
	endpoint := &stubEndpoint{fallback: netFail}
	s, queue := newTestSubmitter(t, endpoint)
	ctx := context.Background()

	_, err := s.Submit(ctx, "poll-1", KindPollVote, vote("a"))
	require.NoError(t, err)
	_, err = s.Submit(ctx, "poll-1", KindPollVote, vote("b"))
	require.NoError(t, err)

	require.Equal(t, 2, endpoint.callCount())
	require.Equal(t, 1, queue.Len())
	require.JSONEq(t, `{"pollId":"poll-1","selectedOption":"b"}`, string(queue.Pending()[0].Payload))
}

func TestSuccessfulSubmitDrainsBacklog(t *testing.T) {
	endpoint := &stubEndpoint{fallback: ok}
	endpoint.respond(netFail)
	s, queue := newTestSubmitter(t, endpoint)
	ctx := context.Background()

	_, err := s.Submit(ctx, "t1", KindTaskCompletion, nil)
	require.NoError(t, err)
	require.Equal(t, 1, queue.Len())

	_, err = s.Submit(ctx, "poll-1", KindPollVote, vote("a"))
	require.NoError(t, err)
	s.Wait()

	require.Zero(t, queue.Len())
	rec, _ := s.Record("t1", KindTaskCompletion)
	require.Equal(t, StatusSubmitted, rec.Status)
}

func TestRejectedSubmitReturnsToIdle(t *testing.T) {
	endpoint := &stubEndpoint{fallback: rejected}
	s, queue := newTestSubmitter(t, endpoint)

	res, err := s.Submit(context.Background(), "poll-1", KindPollVote, vote("a"))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, StatusIdle, res.Record.Status)
	require.Zero(t, queue.Len())
}

func TestSubmitWhileInFlightIsRejected(t *testing.T) {
	endpoint := &stubEndpoint{fallback: ok, block: make(chan struct{})}
	s, _ := newTestSubmitter(t, endpoint)
	ctx := context.Background()

	done := make(chan Result)
	go func() {
		res, _ := s.Submit(ctx, "poll-1", KindPollVote, vote("a"))
		done <- res
	}()

	require.Eventually(t, func() bool {
		rec, found := s.Record("poll-1", KindPollVote)
		return found && rec.Status == StatusSubmitting
	}, time.Second, time.Millisecond)

	_, err := s.Submit(ctx, "poll-1", KindPollVote, vote("a"))
	require.ErrorIs(t, err, ErrInFlight)

	close(endpoint.block)
	require.Equal(t, OutcomeSubmitted, (<-done).Outcome)
}

func TestCompletionAfterSessionEndLeavesRecordsAlone(t *testing.T) {
	endpoint := &stubEndpoint{fallback: netFail, block: make(chan struct{})}
	s, queue := newTestSubmitter(t, endpoint)

	done := make(chan Result)
	go func() {
		res, _ := s.Submit(context.Background(), "poll-1", KindPollVote, vote("a"))
		done <- res
	}()
	require.Eventually(t, func() bool {
		_, found := s.Record("poll-1", KindPollVote)
		return found
	}, time.Second, time.Millisecond)

	s.EndSession()
	close(endpoint.block)
	res := <-done

	require.Equal(t, OutcomeQueued, res.Outcome)
	require.Empty(t, s.Records())
	require.Equal(t, 1, queue.Len(), "the action is still kept for later delivery")
}

func TestBeginSessionRestoresQueuedRecords(t *testing.T) {
	endpoint := &stubEndpoint{fallback: netFail}
	s, _ := newTestSubmitter(t, endpoint)

	_, err := s.Submit(context.Background(), "poll-1", KindPollVote, vote("a"))
	require.NoError(t, err)

	s.EndSession()
	s.BeginSession("session-1")

	rec, found := s.Record("poll-1", KindPollVote)
	require.True(t, found)
	require.Equal(t, StatusFailedQueued, rec.Status)

	s.BeginSession("session-2")
	require.Empty(t, s.Records())
}

func TestSubmitRejectsBadInput(t *testing.T) {
	s, _ := newTestSubmitter(t, &stubEndpoint{fallback: ok})

	_, err := s.Submit(context.Background(), "x", Kind("selfie"), nil)
	require.ErrorIs(t, err, ErrUnknownKind)

	_, err = s.Submit(context.Background(), "poll-1", KindPollVote, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestBuildCollectibleBody(t *testing.T) {
	body, err := BuildBody(KindChapterStamp, "qr-7", json.RawMessage(`{"title":"Act II","collectionContext":{"seat":"B12"}}`))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"sourceType": "chapter_stamp",
		"sourceId": "qr-7",
		"title": "Act II",
		"collectionTrigger": "qr_scan",
		"collectionContext": {"seat": "B12"}
	}`, string(body))

	body, err = BuildBody(KindTaskCompletion, "t1", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"sourceType":"task","sourceId":"t1","collectionTrigger":"task_complete"}`, string(body))
}

func TestDrainDefersActionBeingResubmitted(t *testing.T) {
	endpoint := &stubEndpoint{fallback: ok}
	endpoint.respond(netFail, netFail)
	s, queue := newTestSubmitter(t, endpoint)
	ctx := context.Background()

	_, err := s.Submit(ctx, "poll-1", KindPollVote, vote("a"))
	require.NoError(t, err)
	_, err = s.Submit(ctx, "task-1", KindTaskCompletion, nil)
	require.NoError(t, err)
	require.Equal(t, 2, queue.Len())

	endpoint.block = make(chan struct{})
	endpoint.blockOn = KindPollVote
	done := make(chan Result)
	go func() {
		res, _ := s.Submit(ctx, "poll-1", KindPollVote, vote("b"))
		done <- res
	}()
	require.Eventually(t, func() bool {
		rec, found := s.Record("poll-1", KindPollVote)
		return found && rec.Status == StatusSubmitting
	}, time.Second, time.Millisecond)

	report := s.Drain(ctx)
	require.Equal(t, 1, report.Deferred)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, 1, report.Remaining)

	close(endpoint.block)
	require.Equal(t, OutcomeSubmitted, (<-done).Outcome)
	s.Wait()

	require.Zero(t, queue.Len())
	require.Equal(t, 2, endpoint.callsFor(KindPollVote), "the failed attempt and the live re-submit only")
	require.Equal(t, 2, endpoint.callsFor(KindTaskCompletion))
}
