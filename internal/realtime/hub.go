// Package realtime is the sync relay: it authenticates agent connections,
// serialises writes against the authoritative version store and fans
// accepted snapshots out to every connected client and relay instance.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aegisshield/realtime-sync/internal/auth"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/metrics"
	"github.com/aegisshield/realtime-sync/internal/transport"
)

// TokenValidator verifies the token presented in the auth frame
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Journal receives every committed change
type Journal interface {
	Publish(ctx context.Context, ev events.SyncEvent) error
}

// Config holds relay settings
type Config struct {
	ReadBufferSize    int
	WriteBufferSize   int
	CheckOrigin       bool
	AllowedOrigins    []string
	EnableCompression bool
	PingInterval      time.Duration
	WriteWait         time.Duration
	AuthTimeout       time.Duration
	ReadLimit         int64
	SendBuffer        int
	InstanceID        string
	FanoutChannel     string
	// RateLimit caps inbound frames per connection per minute; 0 disables it
	RateLimit int
	RateBurst int
}

func (c *Config) applyDefaults() {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 1024
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 1024
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.FanoutChannel == "" {
		c.FanoutChannel = "aegis:sync:relay"
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = c.RateLimit / 6
		if c.RateBurst < 1 {
			c.RateBurst = 1
		}
	}
}

// HubOption configures optional collaborators
type HubOption func(*Hub)

// WithRedis enables cross-instance fan-out over redis pub/sub
func WithRedis(client redis.UniversalClient) HubOption {
	return func(h *Hub) { h.redis = client }
}

// WithJournal records committed changes
func WithJournal(j Journal) HubOption {
	return func(h *Hub) { h.journal = j }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithTokens sets the validator for the auth frame. Without one every
// connection is accepted as anonymous.
func WithTokens(v TokenValidator) HubOption {
	return func(h *Hub) { h.tokens = v }
}

// Hub maintains the set of active connections and broadcasts messages
type Hub struct {
	cfg      Config
	store    Store
	tokens   TokenValidator
	redis    redis.UniversalClient
	journal  Journal
	metrics  *metrics.Collector
	logger   *zap.Logger
	builder  *events.Builder
	upgrader websocket.Upgrader

	mutex   sync.RWMutex
	clients map[*Client]bool
	closed  bool

	// applyMu orders commit and local delivery so every client observes
	// versions of an entity in increasing order
	applyMu sync.Mutex
}

// Client represents an authenticated relay connection
type Client struct {
	ID       string
	UserID   string
	ClientID string
	Roles    []string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
}

// NewHub creates a relay hub over store
func NewHub(cfg Config, store Store, logger *zap.Logger, opts ...HubOption) *Hub {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		store:   store,
		logger:  logger.With(zap.String("component", "relay"), zap.String("instance_id", cfg.InstanceID)),
		builder: events.NewBuilder(),
		clients: make(map[*Client]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		EnableCompression: cfg.EnableCompression,
		CheckOrigin:       h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if !h.cfg.CheckOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run consumes the cross-instance fan-out channel until ctx is done. Without
// redis it only waits for ctx.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		<-ctx.Done()
		return
	}

	pubsub := h.redis.Subscribe(ctx, h.cfg.FanoutChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Error("Failed to subscribe to relay fan-out", zap.Error(err))
		return
	}
	h.logger.Info("Subscribed to relay fan-out", zap.String("channel", h.cfg.FanoutChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("Discarding malformed fan-out message", zap.Error(err))
				continue
			}
			if env.Instance == h.cfg.InstanceID {
				continue
			}
			h.deliver(env.Data, nil)
		}
	}
}

type fanoutEnvelope struct {
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// fanout publishes data for the other relay instances
func (h *Hub) fanout(ctx context.Context, data []byte) {
	if h.redis == nil {
		return
	}
	env, err := json.Marshal(fanoutEnvelope{Instance: h.cfg.InstanceID, Data: data})
	if err != nil {
		return
	}
	if err := h.redis.Publish(ctx, h.cfg.FanoutChannel, env).Err(); err != nil {
		h.logger.Warn("Failed to publish relay fan-out", zap.Error(err))
	}
}

// HandleWebSocket handles relay connections behind gin
func (h *Hub) HandleWebSocket(c *gin.Context) {
	h.ServeHTTP(c.Writer, c.Request)
}

// ServeHTTP upgrades the request, runs the auth handshake and then serves
// the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client, err := h.handshake(conn)
	if err != nil {
		h.logger.Warn("Relay handshake failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		h.metrics.RelayMessage(string(transport.MessageAuth), "rejected")
		conn.Close()
		return
	}
	h.metrics.RelayMessage(string(transport.MessageAuth), "accepted")

	if !h.register(client) {
		conn.Close()
		return
	}
	go client.writePump()
	client.readPump()
}

// handshake reads the auth frame and answers auth_ok or auth_failed
func (h *Hub) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadLimit(h.cfg.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))

	var frame events.Message
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	client := &Client{
		ID:     uuid.NewString(),
		UserID: "anonymous",
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
	}
	if h.cfg.RateLimit > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit)/60, h.cfg.RateBurst)
	}

	reject := func(err error) (*Client, error) {
		reply, _ := events.NewMessage(transport.MessageAuthFailed, "", map[string]string{"error": "authentication failed"})
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
		_ = conn.WriteJSON(reply)
		return nil, err
	}

	if frame.Type != transport.MessageAuth {
		return reject(errUnexpectedFrame(frame.Type))
	}
	if h.tokens != nil {
		var body struct {
			Token string `json:"token"`
		}
		if err := frame.Decode(&body); err != nil {
			return reject(err)
		}
		claims, err := h.tokens.ValidateToken(body.Token)
		if err != nil {
			return reject(err)
		}
		client.UserID = claims.UserID
		client.ClientID = claims.ClientID
		client.Roles = claims.Roles
	}

	reply, err := events.NewMessage(transport.MessageAuthOK, "", map[string]string{
		"connection_id": client.ID,
		"instance_id":   h.cfg.InstanceID,
	})
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	if err := conn.WriteJSON(reply); err != nil {
		return nil, err
	}
	return client, nil
}

func (h *Hub) register(c *Client) bool {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return false
	}
	h.clients[c] = true
	n := len(h.clients)
	h.mutex.Unlock()

	h.metrics.RelayClients(n)
	h.logger.Info("Client connected",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("clients", n))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mutex.Unlock()

	h.metrics.RelayClients(n)
	h.logger.Info("Client disconnected",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("clients", n))
}

// deliver queues data on every local client except skip. Clients whose
// buffer is full are dropped.
func (h *Hub) deliver(data []byte, skip *Client) {
	h.mutex.Lock()
	var slow []*Client
	for client := range h.clients {
		if client == skip {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mutex.Unlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow client", zap.String("connection_id", c.ID))
		h.unregister(c)
	}
}

// sendTo queues data for one client
func (h *Hub) sendTo(c *Client, data []byte) {
	h.mutex.RLock()
	ok := h.clients[c]
	slow := false
	if ok {
		select {
		case c.send <- data:
		default:
			slow = true
		}
	}
	h.mutex.RUnlock()

	if slow {
		h.logger.Warn("Dropping slow client", zap.String("connection_id", c.ID))
		h.unregister(c)
	}
}

// ConnectedClients returns the number of connected clients
func (h *Hub) ConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mutex.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mutex.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// readPump dispatches frames from the connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	pongWait := (c.hub.cfg.PingInterval * 10) / 9
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("Relay connection error", zap.String("connection_id", c.ID), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg events.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.metrics.RelayMessage("unknown", "malformed")
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.metrics.RelayMessage(string(msg.Type), "rate_limited")
			c.hub.logger.Warn("Relay connection rate limited",
				zap.String("connection_id", c.ID),
				zap.String("user_id", c.UserID),
				zap.String("type", string(msg.Type)))
			continue
		}
		c.hub.handle(context.Background(), c, msg)
	}
}

// writePump pumps messages from the hub to the connection, coalescing
// queued messages into one newline separated frame
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
