package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the wire shape of every message exchanged with show control
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessageType represents the type of a show control message
type MessageType string

const (
	// Inbound, show control → audience device
	MessageHeartbeat      MessageType = "heartbeat"
	MessageCue            MessageType = "cue"
	MessageSessionStart   MessageType = "session_start"
	MessageSessionEnd     MessageType = "session_end"
	MessagePauseAudience  MessageType = "pause_audience"
	MessageResumeAudience MessageType = "resume_audience"

	// Outbound, audience device → show control
	MessageJoinEvent        MessageType = "join_event"
	MessageHeartbeatRequest MessageType = "heartbeat_request"
	MessageCueResponse      MessageType = "cue_response"
)

// ErrUnknownMessage is returned by ParsePayload for message types it does not know
var ErrUnknownMessage = errors.New("unknown message type")

// NewEnvelope marshals payload into an envelope of the given type
func NewEnvelope(t MessageType, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

// Decode parses a raw frame into an envelope
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope has no type")
	}
	return env, nil
}

// ParsePayload parses envelope data into the appropriate payload struct
func ParsePayload(env Envelope) (interface{}, error) {
	switch env.Type {
	case MessageHeartbeat:
		var payload HeartbeatPayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		if err := payload.Validate(); err != nil {
			return nil, err
		}
		return payload, nil

	case MessageCue:
		var payload CuePayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case MessageSessionStart:
		var payload SessionStartPayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case MessageSessionEnd:
		return SessionEndPayload{}, nil

	case MessagePauseAudience:
		return PauseAudiencePayload{}, nil

	case MessageResumeAudience:
		return ResumeAudiencePayload{}, nil

	case MessageJoinEvent:
		var payload JoinEventPayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case MessageHeartbeatRequest:
		var payload HeartbeatRequestPayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case MessageCueResponse:
		var payload CueResponsePayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func unmarshalData(env Envelope, out interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s message has no data", env.Type)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return nil
}
