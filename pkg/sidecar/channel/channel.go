// Package channel maintains the realtime websocket link to the agent
// backend: it delivers status events inbound, carries decisions and halt
// requests outbound, and reconnects with a bounded number of attempts.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/vango-go/arvyn/pkg/sidecar/metrics"
	"github.com/vango-go/arvyn/pkg/sidecar/protocol"
)

var (
	// ErrNotConnected is returned by sends while no connection is up.
	ErrNotConnected = errors.New("realtime channel is not connected")
	// ErrReconnectExhausted is returned by Run when every reconnect attempt
	// failed.
	ErrReconnectExhausted = errors.New("realtime channel reconnect attempts exhausted")
)

// Handler receives channel lifecycle and inbound events. Methods are called
// from the Run goroutine, one at a time, in arrival order.
type Handler interface {
	OnChannelConnected()
	OnStatusEvent(event protocol.StatusEvent)
	// OnChannelDisconnected is called for every lost connection before any
	// reconnect attempt starts.
	OnChannelDisconnected(reason error)
	OnChannelReconnected()
	OnReconnectExhausted(err error)
}

// Config controls dialing, keepalive and reconnect behavior.
type Config struct {
	URL    string
	APIKey string

	ReconnectAttempts int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration

	DialTimeout     time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	return c
}

// Channel is one logical realtime link that survives reconnects.
type Channel struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

// New returns a Channel. Run must be called to connect.
func New(cfg Config, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: m,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

// WebSocketURL joins base and path and maps http(s) onto ws(s).
func WebSocketURL(base, path string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(base + "/" + strings.TrimLeft(strings.TrimSpace(path), "/"))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", base)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", fmt.Errorf("server URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}

// Connected reports whether a connection is currently up.
func (c *Channel) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and serves the channel until ctx is done or reconnect
// attempts are exhausted.
func (c *Channel) Run(ctx context.Context) error {
	if c == nil || c.handler == nil {
		return errors.New("channel: handler is required")
	}
	first := true
	for {
		conn, err := c.connect(ctx, first)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.logger.Warn("realtime channel reconnect exhausted", "attempts", c.cfg.ReconnectAttempts, "err", err)
			c.handler.OnReconnectExhausted(err)
			return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}

		c.setConn(conn)
		c.metrics.RecordConnected(!first)
		if first {
			c.logger.Info("realtime channel connected", "url", c.cfg.URL)
			c.handler.OnChannelConnected()
		} else {
			c.logger.Info("realtime channel reconnected", "url", c.cfg.URL)
			c.handler.OnChannelReconnected()
		}
		first = false

		reason := c.serve(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.metrics.RecordDisconnected()
		c.logger.Warn("realtime channel disconnected", "err", reason)
		c.handler.OnChannelDisconnected(reason)
	}
}

func (c *Channel) connect(ctx context.Context, first bool) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectMax
	b.Reset()

	attempt := 0
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			c.metrics.RecordReconnectFailure()
			c.logger.Debug("realtime channel dial failed", "attempt", attempt, "initial", first, "err", err)
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.ReconnectAttempts)),
	)
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := make(http.Header)
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		headers.Set("Authorization", "Bearer "+key)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// serve reads frames until the connection fails and returns the reason.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(c.cfg.MaxMessageBytes)
	readWindow := c.cfg.PingInterval + c.cfg.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(ctx, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("connection closed by server: %w", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Any inbound frame proves the link is alive.
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.metrics.RecordDropped("malformed")
			c.logger.Warn("dropping malformed realtime event", "err", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.StatusEvent:
			c.handler.OnStatusEvent(m)
		case protocol.Disconnect:
			if m.Reason != "" {
				return fmt.Errorf("server disconnect: %s", m.Reason)
			}
			return errors.New("server disconnect")
		}
	}
}

func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// SendDecision writes a user_decision frame. Delivery is not acknowledged.
func (c *Channel) SendDecision(d protocol.Decision) error {
	if strings.TrimSpace(d.SessionID) == "" {
		return errors.New("decision session_id is required")
	}
	if !d.Outcome.Valid() {
		return fmt.Errorf("invalid decision outcome %q", d.Outcome)
	}
	return c.sendJSON(protocol.NewUserDecision(d))
}

// SendHalt writes a halt_session frame.
func (c *Channel) SendHalt(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("halt session_id is required")
	}
	return c.sendJSON(protocol.NewHaltSession(sessionID))
}

// Subscribe asks the backend to route sessionID's events here and re-send
// its latest status.
func (c *Channel) Subscribe(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("subscribe session_id is required")
	}
	return c.sendJSON(protocol.NewSubscribe(sessionID))
}

func (c *Channel) sendJSON(v any) error {
	if c == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}
