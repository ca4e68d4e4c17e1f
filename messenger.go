package pomi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrNoActiveConversation = errors.New("pomi: no active conversation")
	ErrEmptyMessage         = errors.New("pomi: empty message")
	ErrMissingMessageID     = errors.New("pomi: send acknowledged without a message id")
)

// ErrorScope names the store slice an error string belongs to.
type ErrorScope string

const (
	ScopeConversations ErrorScope = "conversations"
	ScopeThread        ErrorScope = "thread"
	ScopeListing       ErrorScope = "listing"
)

const (
	errLoadConversations = "failed to load conversations"
	errLoadMessages      = "failed to load messages"
	errSendMessage       = "failed to send message"
)

// Snapshot is a point-in-time copy of the Messenger's state.
type Snapshot struct {
	ActivePeer         string
	Conversations      []ConversationSummary
	ConversationsBusy  bool
	ConversationsError string
	Thread             []Message
	ThreadBusy         bool
	ThreadError        string
	Listing            ListingContext
	PeerTyping         bool
	OnlinePeers        []string
	Connected          bool
}

// ============================================================================
// Messenger
// ============================================================================

// Messenger keeps the conversation list, the open thread and presence in
// sync with the backend. Outbound messages go over the Transport first and
// fall back to the API; inbound events arrive through the Transport's bus.
//
// All state transitions are serialized by one mutex. Network calls run
// without it and apply their results only if the conversation they were
// started for is still active.
type Messenger struct {
	self      string
	transport Transport
	api       API
	logger    *slog.Logger
	registry  prometheus.Registerer
	quiet     time.Duration
	metrics   *syncMetrics
	typing    *TypingNotifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	active        string
	conversations *ConversationStore
	thread        *ThreadStore
	presence      *PresenceTracker
	listGen       uint64
	subs          []Subscription
	closed        bool
}

type MessengerOption func(*Messenger)

func WithMessengerLogger(logger *slog.Logger) MessengerOption {
	return func(m *Messenger) { m.logger = logger }
}

// WithMetricsRegisterer registers the sync counters on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) MessengerOption {
	return func(m *Messenger) { m.registry = reg }
}

func WithTypingQuietPeriod(d time.Duration) MessengerOption {
	return func(m *Messenger) { m.quiet = d }
}

// NewMessenger creates a Messenger acting as user self.
func NewMessenger(self string, t Transport, api API, opts ...MessengerOption) *Messenger {
	m := &Messenger{
		self:          self,
		transport:     t,
		api:           api,
		logger:        slog.Default(),
		quiet:         DefaultTypingQuietPeriod,
		conversations: NewConversationStore(),
		thread:        NewThreadStore(),
		presence:      NewPresenceTracker(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.metrics = newSyncMetrics(m.registry)
	m.typing = NewTypingNotifier(m.sendTyping, m.quiet, m.logger)
	return m
}

// Start subscribes to transport events, connects the transport and loads
// the conversation list. A failed connection is logged and leaves the
// Messenger on the REST path.
func (m *Messenger) Start(ctx context.Context) error {
	bus := m.transport.Events()
	subs := []Subscription{
		On(bus, m.onMessage),
		On(bus, m.onDelivered),
		On(bus, m.onTypingStarted),
		On(bus, m.onTypingStopped),
		On(bus, m.onPeerOnline),
		On(bus, m.onPeerOffline),
		On(bus, m.onPresenceSnapshot),
		On(bus, m.onAuthFailed),
		On(bus, m.onConnectionError),
		On(bus, m.onDisconnected),
	}
	m.mu.Lock()
	m.subs = append(m.subs, subs...)
	m.mu.Unlock()

	if err := m.transport.Connect(ctx, m.self); err != nil {
		m.logger.Warn("realtime unavailable, using REST", "user_id", m.self, "error", err)
	}
	return m.RefreshConversations(ctx)
}

// Close unsubscribes every handler, stops typing, waits for background
// fetches and disconnects the transport.
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	bus := m.transport.Events()
	for _, s := range subs {
		bus.Off(s)
	}
	m.typing.Stop()
	m.typing.Flush()
	m.cancel()
	m.wg.Wait()
	return m.transport.Disconnect()
}

// background runs fn unless the Messenger is closed.
func (m *Messenger) background(fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// ── Conversation list ────────────────────────────────────

// RefreshConversations refetches the conversation list. Only the most
// recently started refresh is applied.
func (m *Messenger) RefreshConversations(ctx context.Context) error {
	m.mu.Lock()
	m.listGen++
	gen := m.listGen
	m.conversations.SetLoading(true)
	m.mu.Unlock()

	list, err := m.api.ListConversations(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.listGen {
		m.metrics.staleDiscards.Inc()
		return nil
	}
	m.conversations.SetLoading(false)
	if err != nil {
		m.conversations.SetError(errLoadConversations)
		m.logger.Warn("conversation list fetch failed", "error", err)
		return fmt.Errorf("list conversations: %w", err)
	}
	m.conversations.Replace(list)
	if m.active != "" {
		m.conversations.MarkRead(m.active)
	}
	return nil
}

func (m *Messenger) refreshInBackground() {
	m.background(func(ctx context.Context) {
		if err := m.RefreshConversations(ctx); err != nil {
			m.logger.Debug("background conversation refresh failed", "error", err)
		}
	})
}

// ── Active conversation ──────────────────────────────────

// OpenConversation makes peerID the active conversation. Its unread count
// drops to zero, its history is loaded and its listing context resolved.
// Results that arrive after another conversation was opened are dropped.
func (m *Messenger) OpenConversation(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrNoActiveConversation
	}

	m.mu.Lock()
	prev := m.active
	m.active = peerID
	if prev != peerID || m.thread.Peer() != peerID {
		m.thread.Reset(peerID)
	}
	m.thread.SetLoading(true)
	m.presence.ClearTyping()
	m.conversations.MarkRead(peerID)
	listingID := ""
	if c, ok := m.conversations.Get(peerID); ok {
		listingID = c.AssociatedListingID
	}
	m.mu.Unlock()

	if prev != "" && prev != peerID {
		m.typing.Stop()
	}
	m.background(func(ctx context.Context) {
		if err := m.api.MarkRead(ctx, peerID); err != nil {
			m.logger.Debug("mark read failed", "peer_id", peerID, "error", err)
		}
	})

	history, err := m.api.History(ctx, peerID)

	m.mu.Lock()
	if m.active != peerID {
		m.mu.Unlock()
		m.metrics.staleDiscards.Inc()
		m.logger.Debug("discarding stale history", "peer_id", peerID)
		return nil
	}
	if err != nil {
		m.thread.SetLoading(false)
		m.thread.SetError(errLoadMessages)
		m.mu.Unlock()
		m.logger.Warn("history fetch failed", "peer_id", peerID, "error", err)
		return fmt.Errorf("load history: %w", err)
	}
	m.thread.LoadHistory(history)
	if listingID == "" {
		listingID = lastListingID(history)
	}
	fetch := m.thread.RequestListing(listingID)
	m.mu.Unlock()

	if fetch {
		m.resolveListing(peerID, listingID)
	}
	return nil
}

func lastListingID(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ListingID != "" {
			return msgs[i].ListingID
		}
	}
	return ""
}

// ActiveConversation returns the open peer id, or "".
func (m *Messenger) ActiveConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// resolveListing fetches a listing summary for peerID's thread. The result
// is applied only while peerID is active and listingID is still the
// latest requested context.
func (m *Messenger) resolveListing(peerID, listingID string) {
	m.background(func(ctx context.Context) {
		l, err := m.api.GetListing(ctx, listingID)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.active != peerID || m.thread.Peer() != peerID || !m.thread.ApplyListing(listingID, l, err) {
			m.metrics.staleDiscards.Inc()
			m.logger.Debug("discarding stale listing", "peer_id", peerID, "listing_id", listingID)
			return
		}
		if err != nil {
			m.logger.Warn("listing fetch failed", "listing_id", listingID, "error", err)
		}
	})
}

// ── Sending ──────────────────────────────────────────────

// SendMessage sends body to the active conversation. The returned entry is
// pending when the socket accepted it and confirmed when the REST fallback
// answered. If the fallback fails the optimistic entry is removed and the
// error returned.
func (m *Messenger) SendMessage(ctx context.Context, body, listingID string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, ErrEmptyMessage
	}

	m.mu.Lock()
	peer := m.active
	if peer == "" {
		m.mu.Unlock()
		return Message{}, ErrNoActiveConversation
	}
	msg := Message{
		CorrelationID: uuid.NewString(),
		SenderID:      m.self,
		RecipientID:   peer,
		Body:          body,
		CreatedAt:     time.Now().UTC(),
		ListingID:     listingID,
	}
	m.thread.InsertPending(msg)
	m.thread.ClearError()
	m.conversations.ApplyOutbound(peer, msg)
	fetch := m.thread.RequestListing(listingID)
	m.mu.Unlock()

	if fetch {
		m.resolveListing(peer, listingID)
	}
	m.typing.Stop()
	m.typing.Flush()

	out := OutboundMessage{
		RecipientID:   peer,
		Body:          body,
		ListingID:     listingID,
		CorrelationID: msg.CorrelationID,
	}

	if m.transport.Connected() {
		err := m.transport.Send(ctx, out)
		if err == nil {
			m.metrics.messagesSent.WithLabelValues(sendPathSocket).Inc()
			msg.DeliveryState = DeliveryPending
			return msg, nil
		}
		m.logger.Warn("socket send failed, falling back to REST",
			"peer_id", peer, "correlation_id", msg.CorrelationID, "error", err)
	}

	sent, err := m.api.SendMessage(ctx, out)
	if err == nil && (sent == nil || sent.ID == "") {
		err = ErrMissingMessageID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.metrics.sendFailures.Inc()
		if m.thread.Peer() == peer {
			m.thread.Remove(msg.CorrelationID)
			m.thread.SetError(errSendMessage)
		}
		m.logger.Warn("message send failed", "peer_id", peer, "correlation_id", msg.CorrelationID, "error", err)
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	m.metrics.messagesSent.WithLabelValues(sendPathREST).Inc()
	if m.thread.Peer() == peer {
		m.thread.Confirm(msg.CorrelationID, sent.ID, sent.CreatedAt)
	}
	msg.ID = sent.ID
	if !sent.CreatedAt.IsZero() {
		msg.CreatedAt = sent.CreatedAt
	}
	msg.DeliveryState = DeliveryConfirmed
	return msg, nil
}

// Keystroke reports local input in the active conversation.
func (m *Messenger) Keystroke() {
	peer := m.ActiveConversation()
	if peer == "" {
		return
	}
	m.typing.Keystroke(peer)
}

func (m *Messenger) sendTyping(ctx context.Context, recipientID string, typing bool) error {
	if !m.transport.Connected() {
		return nil
	}
	return m.transport.SendTyping(ctx, recipientID, typing)
}

// ── State ────────────────────────────────────────────────

// Snapshot returns a copy of the current state.
func (m *Messenger) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ActivePeer:         m.active,
		Conversations:      m.conversations.List(),
		ConversationsBusy:  m.conversations.Loading(),
		ConversationsError: m.conversations.Error(),
		Thread:             m.thread.Messages(),
		ThreadBusy:         m.thread.Loading(),
		ThreadError:        m.thread.Error(),
		Listing:            m.thread.Listing(),
		PeerTyping:         m.presence.PeerTyping(m.active),
		OnlinePeers:        m.presence.List(),
		Connected:          m.transport.Connected(),
	}
}

// DismissError clears the error string of one slice.
func (m *Messenger) DismissError(scope ErrorScope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch scope {
	case ScopeConversations:
		m.conversations.ClearError()
	case ScopeThread:
		m.thread.ClearError()
	case ScopeListing:
		m.thread.ClearListingError()
	}
}

// ============================================================================
// Event Handlers
// ============================================================================

func (m *Messenger) onMessage(e MessageReceived) {
	msg := e.Message
	if msg.ID == "" {
		msg.ID = "local-" + uuid.NewString()
	}
	own := msg.SenderID == m.self
	peer := msg.SenderID
	if own {
		peer = msg.RecipientID
	}
	if peer == "" {
		m.logger.Debug("dropping message without peer", "id", msg.ID)
		return
	}

	m.mu.Lock()
	m.metrics.inboundMessages.Inc()
	active := peer == m.active
	fetch := false
	if active && m.thread.Peer() == peer {
		inserted, promoted := m.thread.Reconcile(msg)
		if !inserted {
			m.metrics.echoesSuppressed.Inc()
			m.logger.Debug("suppressed duplicate message",
				"id", msg.ID, "correlation_id", msg.CorrelationID, "promoted", promoted)
		}
		if !own {
			m.presence.StopTyping(peer)
		}
		fetch = m.thread.RequestListing(msg.ListingID)
	}
	known := m.conversations.ApplyInbound(peer, msg, active, own)
	m.mu.Unlock()

	if !known {
		m.logger.Debug("message from unknown peer, refreshing conversations", "peer_id", peer)
		m.refreshInBackground()
	}
	if fetch {
		m.resolveListing(peer, msg.ListingID)
	}
}

func (m *Messenger) onDelivered(e MessageDelivered) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.thread.Confirm(e.CorrelationID, e.ID, e.CreatedAt) {
		m.logger.Debug("delivery confirmation without pending entry", "correlation_id", e.CorrelationID)
	}
}

func (m *Messenger) onTypingStarted(e TypingStarted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence.StartTyping(e.UserID, m.active)
}

func (m *Messenger) onTypingStopped(e TypingStopped) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence.StopTyping(e.UserID)
}

func (m *Messenger) onPeerOnline(e PeerOnline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence.Online(e.UserID)
}

func (m *Messenger) onPeerOffline(e PeerOffline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence.Offline(e.UserID)
}

func (m *Messenger) onPresenceSnapshot(e PresenceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence.Replace(e.UserIDs)
}

func (m *Messenger) onAuthFailed(e AuthFailed) {
	m.logger.Warn("realtime authentication failed, using REST", "reason", e.Message)
}

func (m *Messenger) onConnectionError(e ConnectionError) {
	m.logger.Warn("realtime connection error", "error", e.Err)
}

func (m *Messenger) onDisconnected(e Disconnected) {
	m.mu.Lock()
	m.presence.ClearTyping()
	m.mu.Unlock()
	if !e.Intentional {
		m.logger.Info("realtime disconnected", "reason", e.Reason)
	}
}
