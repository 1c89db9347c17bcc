package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the type of audience response
type Kind string

const (
	KindPollVote        Kind = "poll_vote"
	KindTaskCompletion  Kind = "task_completion"
	KindKeepsakeCapture Kind = "keepsake_capture"
	KindChapterStamp    Kind = "chapter_stamp"
)

// Valid reports whether k is a known response kind
func (k Kind) Valid() bool {
	switch k {
	case KindPollVote, KindTaskCompletion, KindKeepsakeCapture, KindChapterStamp:
		return true
	}
	return false
}

// Collectible reports whether k is delivered to the collectible endpoint
func (k Kind) Collectible() bool {
	return k == KindTaskCompletion || k == KindKeepsakeCapture || k == KindChapterStamp
}

// Status is the state of one SubmissionRecord
type Status string

const (
	StatusIdle         Status = "idle"
	StatusSubmitting   Status = "submitting"
	StatusSubmitted    Status = "submitted"
	StatusFailedQueued Status = "failed_queued"
)

// Outcome is what Submit reports back to the caller
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeQueued    Outcome = "queued"
	OutcomeRejected  Outcome = "rejected"
)

var (
	ErrUnknownKind    = errors.New("unknown response kind")
	ErrInvalidPayload = errors.New("invalid response payload")
	ErrInFlight       = errors.New("submission already in flight")
)

// Last-error reasons stored on records
const (
	ReasonAuthRequired     = "authentication required"
	ReasonConnectionFailed = "connection failed"
)

// Record tracks one (cue, kind) response within a session
type Record struct {
	CueID     string          `json:"cueId"`
	Kind      Kind            `json:"kind"`
	Value     json.RawMessage `json:"value,omitempty"`
	Status    Status          `json:"status"`
	LastError string          `json:"lastError,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// QuizFeedback is informational correctness feedback for quiz polls
type QuizFeedback struct {
	Correct     bool   `json:"correct"`
	Explanation string `json:"explanation,omitempty"`
}

// Result is returned by Submit
type Result struct {
	Outcome Outcome       `json:"outcome"`
	Record  Record        `json:"record"`
	Notice  string        `json:"notice,omitempty"`
	Quiz    *QuizFeedback `json:"quiz,omitempty"`
	// Repeat is set when the record was already submitted and nothing was sent
	Repeat bool `json:"repeat,omitempty"`
}

// DeliveryStatus classifies one endpoint exchange
type DeliveryStatus int

const (
	DeliveryDelivered DeliveryStatus = iota
	DeliveryDuplicate
	DeliveryAuthRequired
	DeliveryTransportFailure
	DeliveryRejected
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryDelivered:
		return "delivered"
	case DeliveryDuplicate:
		return "duplicate"
	case DeliveryAuthRequired:
		return "auth_required"
	case DeliveryTransportFailure:
		return "transport_failure"
	case DeliveryRejected:
		return "rejected"
	default:
		return fmt.Sprintf("delivery(%d)", int(s))
	}
}

// Delivery is the classified result of sending one request body
type Delivery struct {
	Status     DeliveryStatus
	StatusCode int
	Body       []byte
	Err        error
}

// pollRequest is the poll response endpoint body
type pollRequest struct {
	PollID         string `json:"pollId"`
	SelectedOption string `json:"selectedOption"`
}

// collectibleRequest is the collectible endpoint body
type collectibleRequest struct {
	SourceType        string          `json:"sourceType"`
	SourceID          string          `json:"sourceId"`
	Title             string          `json:"title,omitempty"`
	Description       string          `json:"description,omitempty"`
	Category          string          `json:"category,omitempty"`
	CollectionTrigger string          `json:"collectionTrigger"`
	CollectionContext json.RawMessage `json:"collectionContext,omitempty"`
}

// BuildBody turns a user action into the endpoint request body for kind
func BuildBody(kind Kind, cueID string, payload json.RawMessage) (json.RawMessage, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	if kind == KindPollVote {
		var req pollRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if strings.TrimSpace(req.SelectedOption) == "" {
			return nil, fmt.Errorf("%w: selectedOption is required", ErrInvalidPayload)
		}
		if req.PollID == "" {
			req.PollID = cueID
		}
		return json.Marshal(req)
	}

	var req collectibleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	req.SourceType, req.CollectionTrigger = collectibleDefaults(kind, req.CollectionTrigger)
	if req.SourceID == "" {
		req.SourceID = cueID
	}
	return json.Marshal(req)
}

func collectibleDefaults(kind Kind, trigger string) (sourceType, collectionTrigger string) {
	switch kind {
	case KindKeepsakeCapture:
		sourceType, collectionTrigger = "keepsake", "capture"
	case KindChapterStamp:
		sourceType, collectionTrigger = "chapter_stamp", "qr_scan"
	default:
		sourceType, collectionTrigger = "task", "task_complete"
	}
	if trigger != "" {
		collectionTrigger = trigger
	}
	return sourceType, collectionTrigger
}

// ParseQuizFeedback extracts optional quiz correctness from a poll response
// body. It returns nil when the body carries none.
func ParseQuizFeedback(body []byte) *QuizFeedback {
	if len(body) == 0 {
		return nil
	}
	var resp struct {
		Correct     *bool  `json:"correct"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Correct == nil {
		return nil
	}
	return &QuizFeedback{Correct: *resp.Correct, Explanation: resp.Explanation}
}
