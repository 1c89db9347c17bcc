// Package transport connects the engine to show control. Inbound frames are
// decoded into envelopes and handed to a Handler; outbound envelopes are
// written best-effort.
package transport

import (
	"errors"

	"github.com/mcdev12/livecue/go/internal/show/events"
)

var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrSendBufferFull = errors.New("transport send buffer full")
)

// Handler receives everything the transport observes. Methods are called
// from transport goroutines and must not block.
type Handler interface {
	HandleEnvelope(env events.Envelope)
	Connected()
	Disconnected(err error)
}
