package engagement_client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/livecue/go/internal/show/submission"
)

var now = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

type captured struct {
	path    string
	csrf    string
	auth    string
	body    string
	cookies []*http.Cookie
}

func newServer(t *testing.T, status int, respBody string, seen *[]captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*seen = append(*seen, captured{
			path:    r.URL.Path,
			csrf:    r.Header.Get(CSRFTokenHeader),
			auth:    r.Header.Get(AuthorizationHeader),
			body:    string(body),
			cookies: r.Cookies(),
		})
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(srv *httptest.Server) *EngagementClient {
	return NewEngagementClient(srv.URL, Options{Clock: clockwork.NewFakeClockAt(now), Timeout: time.Second})
}

func token(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "attendee-1", "exp": exp.Unix()}).SignedString([]byte("test"))
	require.NoError(t, err)
	return s
}

func TestPollDelivery(t *testing.T) {
	var seen []captured
	srv := newServer(t, http.StatusOK, `{"correct":false}`, &seen)
	c := newClient(srv)
	c.SetCredentials(Credentials{CSRFToken: "csrf-1", SessionToken: "opaque"})

	d := c.Deliver(context.Background(), submission.KindPollVote, json.RawMessage(`{"pollId":"p","selectedOption":"a"}`))
	require.Equal(t, submission.DeliveryDelivered, d.Status)
	require.Equal(t, `{"correct":false}`, string(d.Body))

	require.Len(t, seen, 1)
	require.Equal(t, PollResponseEndpoint, seen[0].path)
	require.Equal(t, "csrf-1", seen[0].csrf)
	require.Equal(t, "Bearer opaque", seen[0].auth)
	require.JSONEq(t, `{"pollId":"p","selectedOption":"a"}`, seen[0].body)
}

func TestCookiesPersistAcrossRequests(t *testing.T) {
	var seen []captured
	srv := newServer(t, http.StatusCreated, `{}`, &seen)
	c := newClient(srv)

	c.Deliver(context.Background(), submission.KindKeepsakeCapture, json.RawMessage(`{}`))
	c.Deliver(context.Background(), submission.KindKeepsakeCapture, json.RawMessage(`{}`))

	require.Len(t, seen, 2)
	require.Equal(t, CollectibleEndpoint, seen[1].path)
	require.Len(t, seen[1].cookies, 1)
	require.Equal(t, "sid", seen[1].cookies[0].Name)
}

func TestClassification(t *testing.T) {
	cases := []struct {
		kind   submission.Kind
		status int
		want   submission.DeliveryStatus
	}{
		{submission.KindPollVote, http.StatusOK, submission.DeliveryDelivered},
		{submission.KindPollVote, http.StatusBadRequest, submission.DeliveryDuplicate},
		{submission.KindPollVote, http.StatusUnauthorized, submission.DeliveryAuthRequired},
		{submission.KindPollVote, http.StatusConflict, submission.DeliveryRejected},
		{submission.KindPollVote, http.StatusBadGateway, submission.DeliveryTransportFailure},
		{submission.KindChapterStamp, http.StatusCreated, submission.DeliveryDelivered},
		{submission.KindChapterStamp, http.StatusConflict, submission.DeliveryDuplicate},
		{submission.KindTaskCompletion, http.StatusBadRequest, submission.DeliveryRejected},
		{submission.KindTaskCompletion, http.StatusUnauthorized, submission.DeliveryAuthRequired},
		{submission.KindKeepsakeCapture, http.StatusTooManyRequests, submission.DeliveryTransportFailure},
		{submission.KindKeepsakeCapture, http.StatusServiceUnavailable, submission.DeliveryTransportFailure},
	}
	for _, tc := range cases {
		var seen []captured
		srv := newServer(t, tc.status, `{"message":"nope"}`, &seen)
		d := newClient(srv).Deliver(context.Background(), tc.kind, json.RawMessage(`{}`))
		require.Equal(t, tc.want, d.Status, "%s %d", tc.kind, tc.status)
		require.Equal(t, tc.status, d.StatusCode)
	}
}

func TestNetworkErrorIsTransportFailure(t *testing.T) {
	var seen []captured
	srv := newServer(t, http.StatusOK, `{}`, &seen)
	c := newClient(srv)
	srv.Close()

	d := c.Deliver(context.Background(), submission.KindPollVote, json.RawMessage(`{}`))
	require.Equal(t, submission.DeliveryTransportFailure, d.Status)
	require.Error(t, d.Err)
}

func TestExpiredSessionTokenSkipsNetwork(t *testing.T) {
	var seen []captured
	srv := newServer(t, http.StatusOK, `{}`, &seen)
	c := newClient(srv)

	c.SetCredentials(Credentials{SessionToken: token(t, now.Add(-time.Minute))})
	d := c.Deliver(context.Background(), submission.KindPollVote, json.RawMessage(`{}`))
	require.Equal(t, submission.DeliveryAuthRequired, d.Status)
	require.ErrorIs(t, d.Err, ErrSessionExpired)
	require.Empty(t, seen)

	c.SetCredentials(Credentials{SessionToken: token(t, now.Add(time.Hour))})
	d = c.Deliver(context.Background(), submission.KindPollVote, json.RawMessage(`{}`))
	require.Equal(t, submission.DeliveryDelivered, d.Status)
	require.Len(t, seen, 1)
}
