package cue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/livecue/go/internal/show/events"
)

// Type is the closed set of cue kinds show control can push
type Type string

const (
	TypeTextMessage Type = "text_message"
	TypeQRPrompt    Type = "qr_prompt"
	TypePoll        Type = "poll"
	TypeTask        Type = "task"
	TypeKeepsake    Type = "keepsake"
	TypeBroadcast   Type = "broadcast"
	TypePause       Type = "pause"
	TypeResume      Type = "resume"
)

// Valid reports whether t is one of the known cue types
func (t Type) Valid() bool {
	switch t {
	case TypeTextMessage, TypeQRPrompt, TypePoll, TypeTask, TypeKeepsake, TypeBroadcast, TypePause, TypeResume:
		return true
	}
	return false
}

var (
	// ErrMalformedCue wraps every ingestion rejection
	ErrMalformedCue = errors.New("malformed cue")
	// ErrDuplicateCue is returned when a cue id was already ingested
	ErrDuplicateCue = errors.New("duplicate cue")
)

// Cue is an immutable, time-windowed unit of show content. All times are
// show-relative.
type Cue struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Anchor      time.Duration   `json:"anchor"`
	OpenOffset  time.Duration   `json:"openOffset"`
	CloseOffset time.Duration   `json:"closeOffset"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	UnlockRules json.RawMessage `json:"unlockRules,omitempty"`
}

// OpenAt is the first show time at which the cue may be active
func (c Cue) OpenAt() time.Duration {
	return c.Anchor + c.OpenOffset
}

// CloseAt is the last show time at which the cue may be active
func (c Cue) CloseAt() time.Duration {
	return c.Anchor + c.CloseOffset
}

// Contains reports whether now falls inside the cue's window, bounds included
func (c Cue) Contains(now time.Duration) bool {
	return c.OpenAt() <= now && now <= c.CloseAt()
}

// FromPayload validates a wire cue and converts it
func FromPayload(p events.CuePayload) (Cue, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Cue{}, fmt.Errorf("%w: missing id", ErrMalformedCue)
	}

	t := Type(p.Type)
	if !t.Valid() {
		return Cue{}, fmt.Errorf("%w: cue %s has unknown type %q", ErrMalformedCue, p.ID, p.Type)
	}

	if p.OpenOffsetMs == nil || p.CloseOffsetMs == nil {
		return Cue{}, fmt.Errorf("%w: cue %s is missing an offset", ErrMalformedCue, p.ID)
	}
	if *p.CloseOffsetMs < *p.OpenOffsetMs {
		return Cue{}, fmt.Errorf("%w: cue %s closes (%dms) before it opens (%dms)",
			ErrMalformedCue, p.ID, *p.CloseOffsetMs, *p.OpenOffsetMs)
	}

	anchor, err := ParseTimecode(p.Timecode)
	if err != nil {
		return Cue{}, fmt.Errorf("%w: cue %s: %v", ErrMalformedCue, p.ID, err)
	}

	return Cue{
		ID:          p.ID,
		Type:        t,
		Anchor:      anchor,
		OpenOffset:  time.Duration(*p.OpenOffsetMs) * time.Millisecond,
		CloseOffset: time.Duration(*p.CloseOffsetMs) * time.Millisecond,
		Priority:    p.Priority,
		Payload:     p.Payload,
		UnlockRules: p.UnlockRules,
	}, nil
}

// ParseTimecode parses "HH:MM:SS.mmm" into a show-relative duration. The
// fractional part may carry one to three digits or be omitted.
func ParseTimecode(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("timecode %q is not HH:MM:SS.mmm", s)
	}

	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("timecode %q has invalid hours", s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("timecode %q has invalid minutes", s)
	}

	secPart, fracPart, hasFrac := strings.Cut(parts[2], ".")
	seconds, err := strconv.Atoi(secPart)
	if err != nil || seconds < 0 || seconds > 59 || len(secPart) == 0 {
		return 0, fmt.Errorf("timecode %q has invalid seconds", s)
	}

	var millis int
	if hasFrac {
		if len(fracPart) == 0 || len(fracPart) > 3 {
			return 0, fmt.Errorf("timecode %q has invalid milliseconds", s)
		}
		n, err := strconv.Atoi(fracPart)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("timecode %q has invalid milliseconds", s)
		}
		// ".5" is half a second, not five milliseconds
		for i := len(fracPart); i < 3; i++ {
			n *= 10
		}
		millis = n
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(millis)*time.Millisecond, nil
}

// FormatTimecode renders d as "HH:MM:SS.mmm"
func FormatTimecode(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	sec := ms / 1000
	ms -= sec * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, sec, ms)
}
