package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livecue/go/internal/show/events"
	"github.com/mcdev12/livecue/go/internal/show/retry"
)

// WebSocketConfig holds configuration for the show control connection
type WebSocketConfig struct {
	URL            string
	Header         http.Header
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	Reconnect      retry.Policy
}

// DefaultWebSocketConfig returns default connection settings
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		Reconnect:      retry.DefaultPolicy(),
	}
}

// WebSocketClient keeps one connection to show control open, reconnecting
// with backoff until its context is cancelled.
type WebSocketClient struct {
	config  WebSocketConfig
	handler Handler
	clk     clockwork.Clock
	dialer  *websocket.Dialer

	mu   sync.Mutex
	send chan []byte
	id   string
}

func NewWebSocketClient(config WebSocketConfig, handler Handler, clk clockwork.Clock) *WebSocketClient {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	return &WebSocketClient{
		config:  config,
		handler: handler,
		clk:     clk,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.WriteTimeout,
		},
	}
}

// Run connects and reconnects until ctx is cancelled
func (c *WebSocketClient) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			attempt = 0
		}
		attempt++
		if c.config.Reconnect.Exhausted(attempt) {
			return fmt.Errorf("giving up on %s after %d attempts: %w", c.config.URL, attempt-1, err)
		}

		log.Warn().
			Err(err).
			Str("url", c.config.URL).
			Int("attempt", attempt).
			Dur("backoff", c.config.Reconnect.NextDelay(attempt)).
			Msg("show control connection lost, reconnecting")

		if err := c.config.Reconnect.Wait(ctx, c.clk, attempt); err != nil {
			return nil
		}
	}
}

// Send queues env for the write pump
func (c *WebSocketClient) Send(_ context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ConnectionID identifies the current connection, or "" when disconnected
func (c *WebSocketClient) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *WebSocketClient) connectOnce(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, c.config.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	send := make(chan []byte, c.config.SendBuffer)
	id := uuid.New().String()
	c.mu.Lock()
	c.send, c.id = send, id
	c.mu.Unlock()

	log.Info().Str("connection_id", id).Str("url", c.config.URL).Msg("show control connected")
	c.handler.Connected()

	var readErr error
	readDone := make(chan struct{})
	go func() {
		readErr = c.readPump(conn, id)
		close(readDone)
	}()

	err = c.writePump(ctx, conn, send, readDone)
	conn.Close()
	<-readDone
	if err == nil {
		err = readErr
	}

	c.mu.Lock()
	c.send, c.id = nil, ""
	c.mu.Unlock()

	log.Info().Str("connection_id", id).Err(err).Msg("show control disconnected")
	c.handler.Disconnected(err)
	return true, err
}

// writePump handles sending messages and keep-alive pings. It returns when
// the context ends, a write fails or the read pump stops.
func (c *WebSocketClient) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, readDone <-chan struct{}) error {
	ticker := c.clk.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case <-readDone:
			return nil

		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return fmt.Errorf("write message: %w", err)
			}

		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		}
	}
}

// readPump decodes inbound frames until the connection fails
func (c *WebSocketClient) readPump(conn *websocket.Conn, id string) error {
	conn.SetReadLimit(c.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		env, err := events.Decode(message)
		if err != nil {
			log.Warn().Err(err).Str("connection_id", id).Msg("dropping undecodable frame")
			continue
		}
		c.handler.HandleEnvelope(env)
	}
}
