package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livecue/go/clients/engagement_client"
	"github.com/mcdev12/livecue/go/internal/show/backlog"
	"github.com/mcdev12/livecue/go/internal/show/cue"
	"github.com/mcdev12/livecue/go/internal/show/engine"
	"github.com/mcdev12/livecue/go/internal/show/submission"
)

// Show is the part of the engine the API reads from and submits through
type Show interface {
	State() *engine.State
	Submit(ctx context.Context, cueID string, kind submission.Kind, payload json.RawMessage) (submission.Result, error)
}

// Submissions exposes records and the backlog for inspection
type Submissions interface {
	Records() []submission.Record
	Backlog() *backlog.Backlog
	AuthBlocked() bool
	Reauthenticated(ctx context.Context) submission.DrainReport
}

// CredentialStore receives fresh credentials after the user signs in again
type CredentialStore interface {
	SetCredentials(creds engagement_client.Credentials)
}

// StateResponse is the presentation view of the engine
type StateResponse struct {
	SessionID       string   `json:"session_id,omitempty"`
	EventID         string   `json:"event_id,omitempty"`
	Connected       bool     `json:"connected"`
	ShowTime        float64  `json:"show_time_sec"`
	ShowTimecode    string   `json:"show_timecode"`
	ServerTimecode  float64  `json:"server_timecode_sec"`
	DriftCorrection float64  `json:"drift_correction_sec"`
	IsOffline       bool     `json:"is_offline"`
	LastHeartbeatAt *string  `json:"last_heartbeat_at,omitempty"`
	HeadsDown       bool     `json:"heads_down"`
	CueCount        int      `json:"cue_count"`
	ActiveCue       *CueView `json:"active_cue,omitempty"`
	NextCue         *CueView `json:"next_cue,omitempty"`
}

// CueView is a cue with its window in seconds
type CueView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Timecode    string          `json:"timecode"`
	OpensAt     float64         `json:"opens_at_sec"`
	ClosesAt    float64         `json:"closes_at_sec"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	UnlockRules json.RawMessage `json:"unlock_rules,omitempty"`
}

// SubmitRequest is the body of POST /api/cues/{id}/responses
type SubmitRequest struct {
	Kind    submission.Kind `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitResponse reports what happened to a response
type SubmitResponse struct {
	Outcome submission.Outcome       `json:"outcome"`
	Status  submission.Status        `json:"status"`
	Notice  string                   `json:"notice,omitempty"`
	Error   string                   `json:"error,omitempty"`
	Quiz    *submission.QuizFeedback `json:"quiz,omitempty"`
}

// BacklogResponse lists queued actions
type BacklogResponse struct {
	AuthBlocked bool                   `json:"auth_blocked"`
	Items       []backlog.QueuedAction `json:"items"`
}

// CredentialsRequest carries the tokens from a fresh sign-in
type CredentialsRequest struct {
	CSRFToken    string `json:"csrf_token"`
	SessionToken string `json:"session_token"`
}

// Handler serves the local presentation API
type Handler struct {
	show        Show
	submissions Submissions
	credentials CredentialStore
}

// NewHandler creates a new API handler. credentials may be nil when the
// endpoint client is not token based.
func NewHandler(show Show, submissions Submissions, credentials CredentialStore) *Handler {
	return &Handler{
		show:        show,
		submissions: submissions,
		credentials: credentials,
	}
}

// RegisterRoutes registers the API routes with an HTTP mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", h.HandleGetState)
	mux.HandleFunc("POST /api/cues/{id}/responses", h.HandleSubmit)
	mux.HandleFunc("GET /api/submissions", h.HandleListSubmissions)
	mux.HandleFunc("GET /api/backlog", h.HandleGetBacklog)
	mux.HandleFunc("POST /api/credentials", h.HandleSetCredentials)
}

// HandleGetState handles GET /api/state
func (h *Handler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewStateResponse(h.show.State()))
}

// HandleSubmit handles POST /api/cues/{id}/responses
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	cueID := r.PathValue("id")
	if cueID == "" {
		http.Error(w, "cue id is required", http.StatusBadRequest)
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.show.Submit(r.Context(), cueID, req.Kind, req.Payload)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNoSession):
		http.Error(w, "no active show session", http.StatusConflict)
		return
	case errors.Is(err, engine.ErrCueNotActive):
		http.Error(w, "cue is not accepting responses", http.StatusConflict)
		return
	case errors.Is(err, submission.ErrInFlight):
		http.Error(w, "response is already being submitted", http.StatusConflict)
		return
	case errors.Is(err, submission.ErrUnknownKind), errors.Is(err, submission.ErrInvalidPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		log.Error().Err(err).Str("cue_id", cueID).Msg("failed to submit response")
		http.Error(w, "failed to submit response", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case submission.OutcomeQueued:
		status = http.StatusAccepted
	case submission.OutcomeRejected:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, SubmitResponse{
		Outcome: res.Outcome,
		Status:  res.Record.Status,
		Notice:  res.Notice,
		Error:   res.Record.LastError,
		Quiz:    res.Quiz,
	})
}

// HandleListSubmissions handles GET /api/submissions
func (h *Handler) HandleListSubmissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.submissions.Records())
}

// HandleGetBacklog handles GET /api/backlog
func (h *Handler) HandleGetBacklog(w http.ResponseWriter, r *http.Request) {
	items := h.submissions.Backlog().Pending()
	if items == nil {
		items = []backlog.QueuedAction{}
	}
	writeJSON(w, http.StatusOK, BacklogResponse{
		AuthBlocked: h.submissions.AuthBlocked(),
		Items:       items,
	})
}

// HandleSetCredentials handles POST /api/credentials. New credentials lift
// the authentication block and the backlog is drained straight away.
func (h *Handler) HandleSetCredentials(w http.ResponseWriter, r *http.Request) {
	if h.credentials == nil {
		http.Error(w, "credentials are not supported", http.StatusNotImplemented)
		return
	}

	var req CredentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionToken == "" && req.CSRFToken == "" {
		http.Error(w, "csrf_token or session_token is required", http.StatusBadRequest)
		return
	}

	h.credentials.SetCredentials(engagement_client.Credentials{
		CSRFToken:    req.CSRFToken,
		SessionToken: req.SessionToken,
	})
	report := h.submissions.Reauthenticated(r.Context())
	log.Info().
		Int("delivered", report.Delivered).
		Int("remaining", report.Remaining).
		Msg("credentials updated")

	writeJSON(w, http.StatusOK, report)
}

// NewStateResponse converts an engine snapshot into its API view
func NewStateResponse(st *engine.State) StateResponse {
	var resp StateResponse
	if st == nil {
		return resp
	}
	resp.Connected = st.Connected
	if st.Session == nil {
		resp.ShowTimecode = cue.FormatTimecode(0)
		return resp
	}

	resp.SessionID = st.Session.ID
	resp.EventID = st.Session.EventID
	resp.ShowTime = st.Clock.DisplayTimecode.Seconds()
	resp.ShowTimecode = cue.FormatTimecode(st.Clock.DisplayTimecode)
	resp.ServerTimecode = st.Clock.ServerTimecode.Seconds()
	resp.DriftCorrection = st.Clock.DriftCorrection.Seconds()
	resp.IsOffline = st.Clock.IsOffline
	if !st.Clock.LastHeartbeatAt.IsZero() {
		ts := st.Clock.LastHeartbeatAt.UTC().Format(time.RFC3339Nano)
		resp.LastHeartbeatAt = &ts
	}
	resp.HeadsDown = st.HeadsDown
	resp.CueCount = st.CueCount
	resp.ActiveCue = newCueView(st.Active)
	resp.NextCue = newCueView(st.Next)
	return resp
}

func newCueView(c *cue.Cue) *CueView {
	if c == nil {
		return nil
	}
	return &CueView{
		ID:          c.ID,
		Type:        string(c.Type),
		Timecode:    cue.FormatTimecode(c.Anchor),
		OpensAt:     c.OpenAt().Seconds(),
		ClosesAt:    c.CloseAt().Seconds(),
		Priority:    c.Priority,
		Payload:     c.Payload,
		UnlockRules: c.UnlockRules,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
