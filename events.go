package pomi

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Event Types
// ============================================================================

// EventName identifies an event kind on the bus. Transport events use the
// wire name of the server frame that produced them.
type EventName string

const (
	EventAuthenticated    EventName = "authenticated"
	EventAuthFailed       EventName = "auth_error"
	EventMessage          EventName = "message.new"
	EventDelivered        EventName = "message.delivered"
	EventTypingStart      EventName = "typing.start"
	EventTypingStop       EventName = "typing.stop"
	EventPeerOnline       EventName = "presence.online"
	EventPeerOffline      EventName = "presence.offline"
	EventPresenceSnapshot EventName = "presence.snapshot"
	EventConnectionError  EventName = "connection.error"
	EventDisconnected     EventName = "disconnected"
	EventReconnecting     EventName = "reconnecting"
)

// Event is implemented by every payload the bus can carry. The set is
// closed: only the types in this file satisfy it.
type Event interface {
	EventName() EventName
	event()
}

// Authenticated is published after a successful handshake.
type Authenticated struct {
	UserID string `json:"userId"`
}

// AuthFailed is published when the server rejects the handshake.
type AuthFailed struct {
	Message string `json:"message"`
}

// MessageReceived carries an inbound message, possibly an echo of our own send.
type MessageReceived struct {
	Message Message
}

// MessageDelivered acknowledges a socket send by correlation id.
type MessageDelivered struct {
	CorrelationID string    `json:"correlationId"`
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TypingStarted reports that a peer started typing to us.
type TypingStarted struct {
	UserID string `json:"userId"`
}

// TypingStopped reports that a peer stopped typing to us.
type TypingStopped struct {
	UserID string `json:"userId"`
}

// PeerOnline reports a single peer coming online.
type PeerOnline struct {
	UserID string `json:"userId"`
}

// PeerOffline reports a single peer going offline.
type PeerOffline struct {
	UserID string `json:"userId"`
}

// PresenceSnapshot replaces the whole online set.
type PresenceSnapshot struct {
	UserIDs []string `json:"userIds"`
}

// ConnectionError is a transport-level failure, including server "error" frames.
type ConnectionError struct {
	Err error
}

// Disconnected is published when the connection closes.
type Disconnected struct {
	Reason      string
	Intentional bool
}

// Reconnecting is published before each reconnect attempt.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

func (Authenticated) EventName() EventName     { return EventAuthenticated }
func (AuthFailed) EventName() EventName        { return EventAuthFailed }
func (MessageReceived) EventName() EventName   { return EventMessage }
func (MessageDelivered) EventName() EventName  { return EventDelivered }
func (TypingStarted) EventName() EventName     { return EventTypingStart }
func (TypingStopped) EventName() EventName     { return EventTypingStop }
func (PeerOnline) EventName() EventName        { return EventPeerOnline }
func (PeerOffline) EventName() EventName       { return EventPeerOffline }
func (PresenceSnapshot) EventName() EventName  { return EventPresenceSnapshot }
func (ConnectionError) EventName() EventName   { return EventConnectionError }
func (Disconnected) EventName() EventName      { return EventDisconnected }
func (Reconnecting) EventName() EventName      { return EventReconnecting }

func (Authenticated) event()     {}
func (AuthFailed) event()        {}
func (MessageReceived) event()   {}
func (MessageDelivered) event()  {}
func (TypingStarted) event()     {}
func (TypingStopped) event()     {}
func (PeerOnline) event()        {}
func (PeerOffline) event()       {}
func (PresenceSnapshot) event()  {}
func (ConnectionError) event()   {}
func (Disconnected) event()      {}
func (Reconnecting) event()      {}

// ============================================================================
// Event Bus
// ============================================================================

// Subscription identifies a registered handler. Pass it to EventBus.Off.
type Subscription struct {
	name EventName
	id   uint64
}

type busHandler struct {
	id uint64
	fn func(Event)
}

// EventBus is a local multi-subscriber fan-out. Handlers for an event run
// synchronously in registration order on the publishing goroutine. A
// panicking handler is logged and skipped.
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventName][]busHandler
	logger   *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[EventName][]busHandler),
		logger:   logger,
	}
}

// On registers h for events of type E.
//
//	sub := pomi.On(bus, func(e pomi.MessageReceived) { ... })
//	defer bus.Off(sub)
func On[E Event](b *EventBus, h func(E)) Subscription {
	var zero E
	name := zero.EventName()
	return b.subscribe(name, func(ev Event) {
		if e, ok := ev.(E); ok {
			h(e)
		}
	})
}

func (b *EventBus) subscribe(name EventName, fn func(Event)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[name] = append(b.handlers[name], busHandler{id: b.nextID, fn: fn})
	return Subscription{name: name, id: b.nextID}
}

// Off removes a handler. Removing an unknown subscription is a no-op.
func (b *EventBus) Off(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[s.name]
	for i, h := range hs {
		if h.id == s.id {
			b.handlers[s.name] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(b.handlers[s.name]) == 0 {
		delete(b.handlers, s.name)
	}
}

// Len returns the number of handlers registered for name.
func (b *EventBus) Len(name EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Publish delivers ev to every handler registered for its name.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	hs := append([]busHandler(nil), b.handlers[ev.EventName()]...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.invoke(ev, h)
	}
}

func (b *EventBus) invoke(ev Event, h busHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(ev.EventName()),
				"panic", fmt.Sprint(r))
		}
	}()
	h.fn(ev)
}
