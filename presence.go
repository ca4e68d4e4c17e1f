package pomi

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTypingQuietPeriod is how long after the last keystroke a
// typing.stop is sent.
const DefaultTypingQuietPeriod = 3 * time.Second

// ============================================================================
// PresenceTracker
// ============================================================================

// PresenceTracker is the set of online peers plus the "peer is typing"
// flag of the open conversation. It is a pure reducer over inbound events.
//
// It is not safe for concurrent use; Messenger serializes access.
type PresenceTracker struct {
	online     map[string]struct{}
	typingPeer string
}

// NewPresenceTracker returns a tracker with nobody online.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{})}
}

func (p *PresenceTracker) Online(userID string) {
	if userID != "" {
		p.online[userID] = struct{}{}
	}
}

func (p *PresenceTracker) Offline(userID string) {
	delete(p.online, userID)
}

// Replace swaps the whole online set for a snapshot.
func (p *PresenceTracker) Replace(userIDs []string) {
	p.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		p.Online(id)
	}
}

func (p *PresenceTracker) IsOnline(userID string) bool {
	_, ok := p.online[userID]
	return ok
}

// List returns the online peers sorted by id.
func (p *PresenceTracker) List() []string {
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StartTyping sets the flag when userID is the active peer.
func (p *PresenceTracker) StartTyping(userID, activePeer string) {
	if userID != "" && userID == activePeer {
		p.typingPeer = userID
	}
}

// StopTyping clears the flag if it belongs to userID.
func (p *PresenceTracker) StopTyping(userID string) {
	if p.typingPeer == userID {
		p.typingPeer = ""
	}
}

func (p *PresenceTracker) ClearTyping() { p.typingPeer = "" }

// PeerTyping reports whether activePeer is currently typing.
func (p *PresenceTracker) PeerTyping(activePeer string) bool {
	return p.typingPeer != "" && p.typingPeer == activePeer
}

// ============================================================================
// TypingNotifier
// ============================================================================

// TypingSender delivers an outbound typing indicator.
type TypingSender func(ctx context.Context, recipientID string, typing bool) error

// TypingNotifier debounces outbound typing indicators. The first keystroke
// sends a start, later keystrokes re-arm the quiet timer, and the timer
// sends the stop. Indicators are sent in order on a background goroutine,
// never while n.mu is held.
type TypingNotifier struct {
	mu        sync.Mutex
	drained   *sync.Cond
	send      TypingSender
	quiet     time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
	recipient string
	active    bool
	timer     *time.Timer
	gen       uint64
	queue     []typingFrame
	draining  bool
}

type typingFrame struct {
	recipientID string
	typing      bool
}

// NewTypingNotifier creates a notifier. quiet <= 0 uses
// DefaultTypingQuietPeriod.
func NewTypingNotifier(send TypingSender, quiet time.Duration, logger *slog.Logger) *TypingNotifier {
	if quiet <= 0 {
		quiet = DefaultTypingQuietPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &TypingNotifier{
		send:    send,
		quiet:   quiet,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  logger,
	}
	n.drained = sync.NewCond(&n.mu)
	return n
}

// Keystroke records input addressed to recipientID.
func (n *TypingNotifier) Keystroke(recipientID string) {
	if recipientID == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active && n.recipient != recipientID {
		n.stopLocked()
	}
	if !n.active {
		if !n.limiter.Allow() {
			return
		}
		n.active = true
		n.recipient = recipientID
		n.enqueueLocked(recipientID, true)
	}

	n.gen++
	gen := n.gen
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.quiet, func() { n.expire(gen) })
}

// Stop sends typing.stop now if a start is outstanding.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked()
}

// Flush blocks until every queued indicator has been handed to the sender.
func (n *TypingNotifier) Flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.draining {
		n.drained.Wait()
	}
}

// Active reports whether a start is outstanding.
func (n *TypingNotifier) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

func (n *TypingNotifier) expire(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.gen {
		return
	}
	n.stopLocked()
}

func (n *TypingNotifier) stopLocked() {
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if !n.active {
		return
	}
	n.active = false
	n.enqueueLocked(n.recipient, false)
}

func (n *TypingNotifier) enqueueLocked(recipientID string, typing bool) {
	n.queue = append(n.queue, typingFrame{recipientID: recipientID, typing: typing})
	if n.draining {
		return
	}
	n.draining = true
	go n.drain()
}

func (n *TypingNotifier) drain() {
	n.mu.Lock()
	for len(n.queue) > 0 {
		f := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		n.emit(f.recipientID, f.typing)
		n.mu.Lock()
	}
	n.queue = nil
	n.draining = false
	n.drained.Broadcast()
	n.mu.Unlock()
}

func (n *TypingNotifier) emit(recipientID string, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.send(ctx, recipientID, typing); err != nil {
		n.logger.Debug("typing indicator not sent", "recipient_id", recipientID, "typing", typing, "error", err)
	}
}
