package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livecue/go/internal/show/events"
	"github.com/mcdev12/livecue/go/internal/show/retry"
)

// NATSConfig holds configuration for the NATS show control channel
type NATSConfig struct {
	URL           string
	SubjectPrefix string // e.g. "show"
	EventID       string
	MaxReconnects int
	ReconnectWait time.Duration
	InitialRetry  retry.Policy
}

// DefaultNATSConfig returns default NATS settings
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "show",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		InitialRetry:  retry.DefaultPolicy(),
	}
}

// AudienceSubject carries show control messages to audience devices
func (c NATSConfig) AudienceSubject() string {
	return fmt.Sprintf("%s.%s.audience", c.SubjectPrefix, c.EventID)
}

// ControlSubject carries audience messages back to show control
func (c NATSConfig) ControlSubject() string {
	return fmt.Sprintf("%s.%s.control", c.SubjectPrefix, c.EventID)
}

// NATSChannel is the NATS alternative to the websocket transport. The first
// connect is retried with backoff; after that the NATS client handles
// reconnects and reports them through its callbacks.
type NATSChannel struct {
	config  NATSConfig
	handler Handler
	clk     clockwork.Clock

	mu sync.RWMutex
	nc *nats.Conn
}

func NewNATSChannel(config NATSConfig, handler Handler, clk clockwork.Clock) *NATSChannel {
	return &NATSChannel{config: config, handler: handler, clk: clk}
}

// Run connects, subscribes to the audience subject and blocks until ctx is
// cancelled.
func (n *NATSChannel) Run(ctx context.Context) error {
	opts := []nats.Option{
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			n.handler.Disconnected(err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			n.handler.Connected()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	var nc *nats.Conn
	err := n.config.InitialRetry.Execute(ctx, n.clk, nil, func(context.Context) error {
		var err error
		nc, err = nats.Connect(n.config.URL, opts...)
		if err != nil {
			log.Warn().Err(err).Str("url", n.config.URL).Msg("NATS connect failed")
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(n.config.AudienceSubject(), func(msg *nats.Msg) {
		env, err := events.Decode(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable message")
			return
		}
		n.handler.HandleEnvelope(env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.config.AudienceSubject(), err)
	}

	n.mu.Lock()
	n.nc = nc
	n.mu.Unlock()

	log.Info().Str("url", nc.ConnectedUrl()).Str("subject", n.config.AudienceSubject()).Msg("subscribed to show control")
	n.handler.Connected()

	<-ctx.Done()

	n.mu.Lock()
	n.nc = nil
	n.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Msg("failed to unsubscribe from show control")
	}
	return nil
}

// Send publishes env to the control subject
func (n *NATSChannel) Send(_ context.Context, env events.Envelope) error {
	n.mu.RLock()
	nc := n.nc
	n.mu.RUnlock()
	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	if err := nc.Publish(n.config.ControlSubject(), data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}
