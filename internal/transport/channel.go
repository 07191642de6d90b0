package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aegisshield/realtime-sync/internal/events"
)

// State is the connection state of a channel
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// AllStates lists every connection state
var AllStates = []string{
	string(StateDisconnected), string(StateConnecting), string(StateConnected), string(StateReconnecting),
}

// Control frames of the channel handshake
const (
	MessageAuth       events.EventType = "auth"
	MessageAuthOK     events.EventType = "auth_ok"
	MessageAuthFailed events.EventType = "auth_failed"
)

var (
	ErrNotConnected         = errors.New("channel is not connected")
	ErrNotAuthenticated     = errors.New("channel is not authenticated")
	ErrAuthenticationFailed = errors.New("channel authentication rejected")
)

// ConnectionError reports that the backend could not be reached
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Temporary reports that the failure may succeed on retry
func (e *ConnectionError) Temporary() bool { return !errors.Is(e.Err, ErrAuthenticationFailed) }

// StateChange is delivered to state handlers on every transition
type StateChange struct {
	State   State
	Err     error
	Attempt int
}

// Handler receives inbound messages of one type
type Handler func(events.Message)

// StateHandler receives connection state transitions
type StateHandler func(StateChange)

// Subscription is returned by registration calls; Unsubscribe is idempotent
type Subscription interface {
	Unsubscribe()
}

// Channel is a managed bidirectional message channel to the backend
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(ctx context.Context, msg events.Message) error
	OnMessage(t events.EventType, h Handler) Subscription
	OffMessage(t events.EventType)
	OnState(h StateHandler) Subscription
	State() State
	Authenticated() bool
}

// BackoffKind selects the reconnect delay curve
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
)

// ReconnectPolicy bounds automatic reconnects
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Kind        BackoffKind
}

// DefaultReconnectPolicy returns 5 attempts starting at 2s, capped at 30s
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Kind:        BackoffExponential,
	}
}

// Delay returns the wait before the given 1-based attempt
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Kind {
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt)
	default:
		d = p.BaseDelay
		for i := 1; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
			d *= 2
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// registry owns message and state handlers independently of any connection,
// so a reconnect never re-registers them.
type registry struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[events.EventType]map[int]Handler
	states   map[int]StateHandler
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[events.EventType]map[int]Handler),
		states:   make(map[int]StateHandler),
	}
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (r *registry) onMessage(t events.EventType, h Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.handlers[t] == nil {
		r.handlers[t] = make(map[int]Handler)
	}
	r.handlers[t][id] = h

	return &subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers[t], id)
		if len(r.handlers[t]) == 0 {
			delete(r.handlers, t)
		}
	}}
}

func (r *registry) offMessage(t events.EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, t)
}

func (r *registry) onState(h StateHandler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.states[id] = h

	return &subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.states, id)
	}}
}

func (r *registry) dispatch(msg events.Message) int {
	r.mu.RLock()
	hs := make([]Handler, 0, len(r.handlers[msg.Type]))
	for _, id := range sortedIDs(r.handlers[msg.Type]) {
		hs = append(hs, r.handlers[msg.Type][id])
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(msg)
	}
	return len(hs)
}

func (r *registry) notify(change StateChange) {
	r.mu.RLock()
	hs := make([]StateHandler, 0, len(r.states))
	for _, id := range sortedIDs(r.states) {
		hs = append(hs, r.states[id])
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(change)
	}
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.states)
	for _, hs := range r.handlers {
		n += len(hs)
	}
	return n
}

// sortedIDs returns keys in registration order
func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
