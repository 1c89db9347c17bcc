package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Payload types shared by the transport, engine and agent packages

// HeartbeatPayload carries the server's elapsed show time and its send timestamp
type HeartbeatPayload struct {
	ServerTimecode float64 `json:"serverTimecode"` // seconds of show time
	ServerTime     int64   `json:"serverTime"`     // epoch milliseconds at send
}

// Timecode returns the server show time as a duration
func (p HeartbeatPayload) Timecode() time.Duration {
	return time.Duration(p.ServerTimecode * float64(time.Second))
}

// SentAt returns the server send timestamp
func (p HeartbeatPayload) SentAt() time.Time {
	return time.UnixMilli(p.ServerTime)
}

// ErrInvalidHeartbeat is returned for heartbeats that cannot be applied
var ErrInvalidHeartbeat = errors.New("invalid heartbeat")

// Validate rejects heartbeats with no send time or an impossible show time
func (p HeartbeatPayload) Validate() error {
	switch {
	case p.ServerTime <= 0:
		return fmt.Errorf("%w: serverTime %d", ErrInvalidHeartbeat, p.ServerTime)
	case math.IsNaN(p.ServerTimecode), math.IsInf(p.ServerTimecode, 0), p.ServerTimecode < 0:
		return fmt.Errorf("%w: serverTimecode %v", ErrInvalidHeartbeat, p.ServerTimecode)
	}
	return nil
}

// CuePayload is a cue as pushed by show control. Offsets are pointers so a
// missing offset can be told apart from a zero one.
type CuePayload struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timecode      string          `json:"timecode"`
	OpenOffsetMs  *int64          `json:"openOffsetMs"`
	CloseOffsetMs *int64          `json:"closeOffsetMs"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	UnlockRules   json.RawMessage `json:"unlockRules,omitempty"`
}

// SessionStartPayload is the payload for a session_start message
type SessionStartPayload struct {
	SessionID string `json:"sessionId"`
	EventID   string `json:"eventId"`
	StartTime int64  `json:"startTime"` // epoch milliseconds, 0 when unknown
}

// SessionEndPayload is the payload for a session_end message
type SessionEndPayload struct{}

// PauseAudiencePayload is the payload for a pause_audience message
type PauseAudiencePayload struct{}

// ResumeAudiencePayload is the payload for a resume_audience message
type ResumeAudiencePayload struct{}

// JoinEventPayload announces this device to show control
type JoinEventPayload struct {
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
}

// HeartbeatRequestPayload asks show control for a fresh heartbeat
type HeartbeatRequestPayload struct {
	EventID string `json:"eventId"`
}

// CueResponsePayload is the best-effort live echo of a poll vote
type CueResponsePayload struct {
	PollID         string                 `json:"pollId"`
	SelectedOption string                 `json:"selectedOption"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}
