package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/metrics"
)

// TokenSource returns the bearer credential presented on every (re)connect
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// WebSocketConfig configures a WebSocketChannel
type WebSocketConfig struct {
	URL          string
	Token        TokenSource
	Reconnect    ReconnectPolicy
	AutoRetry    bool
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	AuthTimeout  time.Duration
	ReadLimit    int64
	Dialer       *websocket.Dialer
}

func (c *WebSocketConfig) applyDefaults() {
	if c.Reconnect.MaxAttempts == 0 && c.Reconnect.BaseDelay == 0 {
		c.Reconnect = DefaultReconnectPolicy()
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.WriteWait == 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Token == nil {
		c.Token = StaticToken("")
	}
}

type outbound struct {
	data []byte
	done chan error
}

// wsConn is one physical connection; a channel owns at most one at a time
type wsConn struct {
	ws   *websocket.Conn
	out  chan outbound
	done chan struct{}
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// WebSocketChannel is a Channel over a gorilla websocket connection with
// token authentication and bounded automatic reconnects.
type WebSocketChannel struct {
	cfg      WebSocketConfig
	logger   *zap.Logger
	metrics  *metrics.Collector
	handlers *registry

	mu            sync.Mutex
	state         State
	authenticated bool
	current       *wsConn
	stop          chan struct{}
	stopped       bool
	wg            sync.WaitGroup
}

// NewWebSocketChannel creates a new channel; nothing is dialled until Connect
func NewWebSocketChannel(cfg WebSocketConfig, logger *zap.Logger, m *metrics.Collector) *WebSocketChannel {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketChannel{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "transport")),
		metrics:  m,
		handlers: newRegistry(),
		state:    StateDisconnected,
		stop:     make(chan struct{}),
	}
}

func (c *WebSocketChannel) OnMessage(t events.EventType, h Handler) Subscription {
	return c.handlers.onMessage(t, h)
}

func (c *WebSocketChannel) OffMessage(t events.EventType) {
	c.handlers.offMessage(t)
}

func (c *WebSocketChannel) OnState(h StateHandler) Subscription {
	return c.handlers.onState(h)
}

func (c *WebSocketChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *WebSocketChannel) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// HandlerCount returns the number of registered handlers
func (c *WebSocketChannel) HandlerCount() int {
	return c.handlers.count()
}

// Connect dials and authenticates once. Automatic reconnects only apply to
// connections that were established and later dropped.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	if c.stopped {
		c.stop = make(chan struct{})
		c.stopped = false
	}
	c.mu.Unlock()

	c.setState(StateConnecting, nil, 0)

	conn, err := c.dial(ctx)
	if err != nil {
		connErr := &ConnectionError{Err: err}
		c.setState(StateDisconnected, connErr, 0)
		return connErr
	}

	c.attach(conn)
	return nil
}

// Disconnect closes the connection and cancels any reconnect in progress.
// The resulting disconnected state is terminal until Connect is called again.
func (c *WebSocketChannel) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.stopped = true
	close(c.stop)
	conn := c.current
	c.current = nil
	c.authenticated = false
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(c.cfg.WriteWait)
		_ = conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		conn.close()
	}
	c.wg.Wait()
	c.setState(StateDisconnected, nil, 0)
}

// Send writes msg and waits until it is on the wire or ctx is done
func (c *WebSocketChannel) Send(ctx context.Context, msg events.Message) error {
	c.mu.Lock()
	conn := c.current
	authenticated := c.authenticated
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if !authenticated {
		return ErrNotAuthenticated
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}

	req := outbound{data: data, done: make(chan error, 1)}
	select {
	case conn.out <- req:
	case <-conn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		if err != nil {
			return &ConnectionError{Err: err}
		}
		return nil
	case <-conn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WebSocketChannel) dial(ctx context.Context) (*wsConn, error) {
	token, err := c.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain channel token: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}

	if err := c.authenticate(ws, token); err != nil {
		ws.Close()
		return nil, err
	}

	return &wsConn{
		ws:   ws,
		out:  make(chan outbound),
		done: make(chan struct{}),
	}, nil
}

// authenticate performs the auth / auth_ok handshake before any domain traffic
func (c *WebSocketChannel) authenticate(ws *websocket.Conn, token string) error {
	frame, err := events.NewMessage(MessageAuth, "", map[string]string{"token": token})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to send auth frame: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	var reply events.Message
	if err := ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("failed to read auth reply: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	switch reply.Type {
	case MessageAuthOK:
		return nil
	case MessageAuthFailed:
		return ErrAuthenticationFailed
	default:
		return fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}
}

func (c *WebSocketChannel) attach(conn *wsConn) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.close()
		return
	}
	c.current = conn
	c.authenticated = true
	c.wg.Add(2)
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	c.setState(StateConnected, nil, 0)
}

// readPump dispatches inbound frames in arrival order
func (c *WebSocketChannel) readPump(conn *wsConn) {
	defer c.wg.Done()

	conn.ws.SetReadLimit(c.cfg.ReadLimit)
	conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			conn.close()
			c.dropped(conn, err)
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		// the relay may coalesce queued messages into one frame
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(part)) == 0 {
				continue
			}
			var msg events.Message
			if err := json.Unmarshal(part, &msg); err != nil {
				c.logger.Warn("Discarding malformed frame", zap.Error(err))
				continue
			}
			if c.handleControl(msg) {
				continue
			}
			if c.handlers.dispatch(msg) == 0 {
				c.logger.Debug("No handler for message", zap.String("type", string(msg.Type)))
			}
		}
	}
}

// handleControl tracks authorization changes on an open connection. A relay
// may revoke a session (expired token) without closing the socket.
func (c *WebSocketChannel) handleControl(msg events.Message) bool {
	switch msg.Type {
	case MessageAuthFailed:
		c.mu.Lock()
		c.authenticated = false
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Channel authorization revoked by peer")
		c.handlers.notify(StateChange{State: state, Err: ErrAuthenticationFailed})
		return true
	case MessageAuthOK:
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		return true
	}
	return false
}

func (c *WebSocketChannel) writePump(conn *wsConn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-conn.out:
			conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			err := conn.ws.WriteMessage(websocket.TextMessage, req.data)
			req.done <- err
			if err != nil {
				conn.close()
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			return
		}
	}
}

// dropped is called once per connection when its read loop ends
func (c *WebSocketChannel) dropped(conn *wsConn, cause error) {
	c.mu.Lock()
	if c.current != conn {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.authenticated = false
	stopped := c.stopped
	retry := c.cfg.AutoRetry && c.cfg.Reconnect.MaxAttempts > 0
	if !stopped && retry {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if stopped {
		return
	}

	c.logger.Warn("Transport connection lost", zap.Error(cause))
	if !retry {
		c.setState(StateDisconnected, &ConnectionError{Err: cause}, 0)
		return
	}
	go c.reconnect(cause)
}

func (c *WebSocketChannel) reconnect(cause error) {
	defer c.wg.Done()

	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()

	lastErr := cause
	policy := c.cfg.Reconnect
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt
		c.setState(StateReconnecting, lastErr, attempt)
		if c.metrics != nil {
			c.metrics.ReconnectAttempt()
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AuthTimeout+c.cfg.WriteWait)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.logger.Info("Transport reconnected", zap.Int("attempt", attempt))
			c.attach(conn)
			return
		}

		lastErr = err
		c.logger.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if !(&ConnectionError{Err: err}).Temporary() {
			break
		}
	}

	select {
	case <-stop:
		return
	default:
	}
	c.setState(StateDisconnected, &ConnectionError{Attempts: attempts, Err: lastErr}, attempts)
}

func (c *WebSocketChannel) setState(s State, err error, attempt int) {
	c.mu.Lock()
	changed := c.state != s || attempt > 0
	c.state = s
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectionState(string(s), AllStates)
	}
	if changed || err != nil {
		c.handlers.notify(StateChange{State: s, Err: err, Attempt: attempt})
	}
}
