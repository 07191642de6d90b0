package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aegisshield/realtime-sync/internal/events"
)

// MemoryChannel is an in-process Channel. Sent messages are recorded and,
// when paired, delivered to the peer. Tests use Deliver to inject inbound
// traffic and FailSends to simulate a broken link.
type MemoryChannel struct {
	handlers *registry

	mu            sync.Mutex
	state         State
	authenticated bool
	sent          []events.Message
	sendErr       error
	connectErr    error
	peer          *MemoryChannel
}

// NewMemoryChannel returns a disconnected in-process channel
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{handlers: newRegistry(), state: StateDisconnected}
}

// NewMemoryPair returns two connected-on-demand channels delivering to each other
func NewMemoryPair() (*MemoryChannel, *MemoryChannel) {
	a, b := NewMemoryChannel(), NewMemoryChannel()
	a.peer, b.peer = b, a
	return a, b
}

func (c *MemoryChannel) Connect(context.Context) error {
	c.mu.Lock()
	if c.connectErr != nil {
		err := &ConnectionError{Err: c.connectErr}
		c.mu.Unlock()
		c.handlers.notify(StateChange{State: StateDisconnected, Err: err})
		return err
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnected
	c.authenticated = true
	c.mu.Unlock()

	c.handlers.notify(StateChange{State: StateConnected})
	return nil
}

func (c *MemoryChannel) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.authenticated = false
	c.mu.Unlock()

	c.handlers.notify(StateChange{State: StateDisconnected})
}

func (c *MemoryChannel) Send(_ context.Context, msg events.Message) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if !c.authenticated {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return &ConnectionError{Err: err}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	c.sent = append(c.sent, msg)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.Deliver(msg)
	}
	return nil
}

func (c *MemoryChannel) OnMessage(t events.EventType, h Handler) Subscription {
	return c.handlers.onMessage(t, h)
}

func (c *MemoryChannel) OffMessage(t events.EventType) {
	c.handlers.offMessage(t)
}

func (c *MemoryChannel) OnState(h StateHandler) Subscription {
	return c.handlers.onState(h)
}

func (c *MemoryChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MemoryChannel) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Deliver dispatches msg to registered handlers synchronously and reports
// how many handlers received it.
func (c *MemoryChannel) Deliver(msg events.Message) int {
	return c.handlers.dispatch(msg)
}

// Sent returns a copy of every message accepted by Send
func (c *MemoryChannel) Sent() []events.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentOfType filters Sent by message type
func (c *MemoryChannel) SentOfType(t events.EventType) []events.Message {
	var out []events.Message
	for _, m := range c.Sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded messages
func (c *MemoryChannel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// FailSends makes every subsequent Send fail with err; nil restores sends
func (c *MemoryChannel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// FailConnect makes Connect fail with err; nil restores it
func (c *MemoryChannel) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// SetState forces a state transition and notifies state handlers
func (c *MemoryChannel) SetState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.authenticated = s == StateConnected
	c.mu.Unlock()
	c.handlers.notify(StateChange{State: s, Err: err})
}

// Revoke drops authentication while staying connected
func (c *MemoryChannel) Revoke() {
	c.mu.Lock()
	c.authenticated = false
	state := c.state
	c.mu.Unlock()
	c.handlers.notify(StateChange{State: state, Err: ErrAuthenticationFailed})
}

// HandlerCount returns the number of registered handlers
func (c *MemoryChannel) HandlerCount() int {
	return c.handlers.count()
}

// ErrLinkDown is a convenience error for FailSends
var ErrLinkDown = errors.New("memory link down")
