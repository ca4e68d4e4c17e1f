package pomi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selfID = "me"

// ============================================================================
// Fakes
// ============================================================================

type typingCall struct {
	recipient string
	typing    bool
}

type fakeTransport struct {
	mu          sync.Mutex
	bus         *EventBus
	connected   bool
	connectErr  error
	sendErr     error
	sent        []OutboundMessage
	typing      []typingCall
	connectedAs []string
	disconnects int
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{bus: NewEventBus(nil), connected: connected}
}

func (f *fakeTransport) Connect(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectedAs = append(f.connectedAs, userID)
	return f.connectErr
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(_ context.Context, msg OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) SendTyping(_ context.Context, recipientID string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typingCall{recipient: recipientID, typing: typing})
	return nil
}

func (f *fakeTransport) Events() *EventBus { return f.bus }

func (f *fakeTransport) typingCalls() []typingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingCall(nil), f.typing...)
}

type fakeAPI struct {
	mu            sync.Mutex
	conversations []ConversationSummary
	listErr       error
	listCalls     int
	history       map[string][]Message
	historyErr    error
	historyGates  map[string]chan struct{}
	historyCalled chan string
	sendErr       error
	sendID        string
	nilAck        bool
	sends         []OutboundMessage
	listings      map[string]*ListingSummary
	listingGates  map[string]chan struct{}
	markedRead    []string
}

func newFakeAPI(convs ...ConversationSummary) *fakeAPI {
	return &fakeAPI{
		conversations: convs,
		history:       make(map[string][]Message),
		historyGates:  make(map[string]chan struct{}),
		historyCalled: make(chan string, 8),
		listings:      make(map[string]*ListingSummary),
		listingGates:  make(map[string]chan struct{}),
		sendID:        "srv-1",
	}
}

func (f *fakeAPI) ListConversations(context.Context) ([]ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]ConversationSummary(nil), f.conversations...), nil
}

func (f *fakeAPI) History(ctx context.Context, peerID string) ([]Message, error) {
	f.mu.Lock()
	gate := f.historyGates[peerID]
	f.mu.Unlock()
	select {
	case f.historyCalled <- peerID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]Message(nil), f.history[peerID]...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, msg OutboundMessage) (*SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.nilAck {
		return nil, nil
	}
	return &SentMessage{ID: f.sendID, CorrelationID: msg.CorrelationID, CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeAPI) GetListing(ctx context.Context, listingID string) (*ListingSummary, error) {
	f.mu.Lock()
	gate := f.listingGates[listingID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[listingID]
	if !ok {
		return nil, &APIError{Code: "NOT_FOUND", Message: "listing not found"}
	}
	return l, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, peerID)
	return nil
}

func (f *fakeAPI) calls() (listCalls int, sends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, len(f.sends)
}

// ============================================================================
// Helpers
// ============================================================================

func startMessenger(t *testing.T, tr *fakeTransport, api *fakeAPI, opts ...MessengerOption) *Messenger {
	t.Helper()
	m := NewMessenger(selfID, tr, api, opts...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func unreadOf(t *testing.T, m *Messenger, peerID string) int {
	t.Helper()
	for _, c := range m.Snapshot().Conversations {
		if c.PeerID == peerID {
			return c.UnreadCount
		}
	}
	t.Fatalf("no conversation for %s", peerID)
	return -1
}

func inbound(from, id, body string) MessageReceived {
	return MessageReceived{Message: Message{
		ID:          id,
		SenderID:    from,
		RecipientID: selfID,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

// ============================================================================
// Tests
// ============================================================================

func TestMessengerStartConnectsAndLoads(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1", UnreadCount: 2})
	m := startMessenger(t, tr, api)

	snap := m.Snapshot()
	assert.Equal(t, []string{selfID}, tr.connectedAs)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, 2, snap.Conversations[0].UnreadCount)
	assert.False(t, snap.ConversationsBusy)
	assert.True(t, snap.Connected)
}

func TestMessengerStartSurvivesConnectFailure(t *testing.T) {
	tr := newFakeTransport(false)
	tr.connectErr = ErrAuthFailed
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})

	m := NewMessenger(selfID, tr, api)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	assert.Len(t, m.Snapshot().Conversations, 1)
}

func TestMessengerListFailureIsScoped(t *testing.T) {
	tr := newFakeTransport(false)
	api := newFakeAPI()
	api.listErr = errors.New("boom")

	m := NewMessenger(selfID, tr, api)
	err := m.Start(context.Background())
	require.Error(t, err)
	defer m.Close()

	snap := m.Snapshot()
	assert.Equal(t, "failed to load conversations", snap.ConversationsError)
	assert.Empty(t, snap.ThreadError)

	m.DismissError(ScopeConversations)
	assert.Empty(t, m.Snapshot().ConversationsError)
}

// Opening P1 with unread 3 resets it, sending "Hello" inserts one pending
// entry, and the confirmation {c1, m100} updates that same entry.
func TestMessengerOptimisticSendConfirmedByAck(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1", UnreadCount: 3})
	m := startMessenger(t, tr, api)
	ctx := context.Background()

	require.NoError(t, m.OpenConversation(ctx, "P1"))
	assert.Equal(t, 0, unreadOf(t, m, "P1"))

	sent, err := m.SendMessage(ctx, "Hello", "")
	require.NoError(t, err)
	assert.Equal(t, DeliveryPending, sent.DeliveryState)
	require.NotEmpty(t, sent.CorrelationID)

	thread := m.Snapshot().Thread
	require.Len(t, thread, 1)
	assert.Equal(t, DeliveryPending, thread[0].DeliveryState)
	assert.Empty(t, thread[0].ID)
	assert.Equal(t, sent.CorrelationID, thread[0].CorrelationID)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, sent.CorrelationID, tr.sent[0].CorrelationID)
	assert.Equal(t, "P1", tr.sent[0].RecipientID)

	tr.bus.Publish(MessageDelivered{CorrelationID: sent.CorrelationID, ID: "m100"})

	thread = m.Snapshot().Thread
	require.Len(t, thread, 1)
	assert.Equal(t, DeliveryConfirmed, thread[0].DeliveryState)
	assert.Equal(t, "m100", thread[0].ID)
	assert.Equal(t, "Hello", thread[0].Body)

	_, restSends := api.calls()
	assert.Zero(t, restSends)
}

func TestMessengerNoDuplicateDisplay(t *testing.T) {
	tests := []struct {
		name   string
		events func(corr string) []Event
	}{
		{
			name: "ack only",
			events: func(corr string) []Event {
				return []Event{MessageDelivered{CorrelationID: corr, ID: "m1"}}
			},
		},
		{
			name: "echo only",
			events: func(corr string) []Event {
				return []Event{echo(corr, "m1")}
			},
		},
		{
			name: "ack then echo",
			events: func(corr string) []Event {
				return []Event{MessageDelivered{CorrelationID: corr, ID: "m1"}, echo(corr, "m1")}
			},
		},
		{
			name: "echo then ack",
			events: func(corr string) []Event {
				return []Event{echo(corr, "m1"), MessageDelivered{CorrelationID: corr, ID: "m1"}}
			},
		},
		{
			name: "echo without server id",
			events: func(corr string) []Event {
				return []Event{echo(corr, ""), echo(corr, "")}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport(true)
			api := newFakeAPI(ConversationSummary{PeerID: "P1"})
			m := startMessenger(t, tr, api)
			ctx := context.Background()
			require.NoError(t, m.OpenConversation(ctx, "P1"))

			sent, err := m.SendMessage(ctx, "hi", "")
			require.NoError(t, err)
			for _, ev := range tt.events(sent.CorrelationID) {
				tr.bus.Publish(ev)
			}

			thread := m.Snapshot().Thread
			require.Len(t, thread, 1)
			assert.Equal(t, DeliveryConfirmed, thread[0].DeliveryState)
			assert.NotEmpty(t, thread[0].ID)
			assert.NotEqual(t, sent.CorrelationID, thread[0].ID)
		})
	}
}

func echo(corr, id string) MessageReceived {
	return MessageReceived{Message: Message{
		ID:            id,
		CorrelationID: corr,
		SenderID:      selfID,
		RecipientID:   "P1",
		Body:          "hi",
		CreatedAt:     time.Now().UTC(),
	}}
}

func TestMessengerUnreadAccounting(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(
		ConversationSummary{PeerID: "P1"},
		ConversationSummary{PeerID: "P2"},
	)
	m := startMessenger(t, tr, api)
	ctx := context.Background()
	require.NoError(t, m.OpenConversation(ctx, "P2"))

	for i := 0; i < 4; i++ {
		tr.bus.Publish(inbound("P1", "", "ping"))
	}
	assert.Equal(t, 4, unreadOf(t, m, "P1"))

	// Our own message to P1 from another device does not count.
	tr.bus.Publish(MessageReceived{Message: Message{ID: "x", SenderID: selfID, RecipientID: "P1", Body: "mine"}})
	assert.Equal(t, 4, unreadOf(t, m, "P1"))

	tr.bus.Publish(inbound("P2", "", "active"))
	assert.Equal(t, 0, unreadOf(t, m, "P2"))

	require.NoError(t, m.OpenConversation(ctx, "P1"))
	assert.Equal(t, 0, unreadOf(t, m, "P1"))
	require.NoError(t, m.OpenConversation(ctx, "P1"))
	assert.Equal(t, 0, unreadOf(t, m, "P1"))

	tr.bus.Publish(inbound("P1", "", "while open"))
	assert.Equal(t, 0, unreadOf(t, m, "P1"))

	snap := m.Snapshot()
	for _, c := range snap.Conversations {
		if c.PeerID == "P1" {
			assert.Equal(t, "while open", c.LastMessagePreview)
		}
	}
}

func TestMessengerThreadOrderFollowsArrival(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})
	m := startMessenger(t, tr, api)
	ctx := context.Background()
	require.NoError(t, m.OpenConversation(ctx, "P1"))

	_, err := m.SendMessage(ctx, "a", "")
	require.NoError(t, err)
	tr.bus.Publish(inbound("P1", "r1", "b"))
	_, err = m.SendMessage(ctx, "c", "")
	require.NoError(t, err)
	tr.bus.Publish(inbound("P1", "r2", "d"))

	var bodies []string
	for _, msg := range m.Snapshot().Thread {
		bodies = append(bodies, msg.Body)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, bodies)
}

func TestMessengerOutOfOrderConfirmations(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})
	m := startMessenger(t, tr, api)
	ctx := context.Background()
	require.NoError(t, m.OpenConversation(ctx, "P1"))

	first, err := m.SendMessage(ctx, "first", "")
	require.NoError(t, err)
	second, err := m.SendMessage(ctx, "second", "")
	require.NoError(t, err)

	tr.bus.Publish(MessageDelivered{CorrelationID: second.CorrelationID, ID: "m2"})
	thread := m.Snapshot().Thread
	require.Len(t, thread, 2)
	assert.Equal(t, DeliveryPending, thread[0].DeliveryState)
	assert.Equal(t, "m2", thread[1].ID)

	tr.bus.Publish(MessageDelivered{CorrelationID: first.CorrelationID, ID: "m1"})
	thread = m.Snapshot().Thread
	require.Len(t, thread, 2)
	assert.Equal(t, "first", thread[0].Body)
	assert.Equal(t, "m1", thread[0].ID)
	assert.Equal(t, "second", thread[1].Body)
	assert.Equal(t, "m2", thread[1].ID)
}

func TestMessengerInboundForOtherPeerSkipsThread(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"}, ConversationSummary{PeerID: "P2"})
	m := startMessenger(t, tr, api)
	require.NoError(t, m.OpenConversation(context.Background(), "P1"))

	tr.bus.Publish(inbound("P2", "r1", "elsewhere"))
	assert.Empty(t, m.Snapshot().Thread)
	assert.Equal(t, 1, unreadOf(t, m, "P2"))
}

func TestMessengerUnknownPeerTriggersRefetch(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})
	m := startMessenger(t, tr, api)

	api.mu.Lock()
	api.conversations = append(api.conversations, ConversationSummary{PeerID: "P9", UnreadCount: 1})
	api.mu.Unlock()

	tr.bus.Publish(inbound("P9", "r1", "new here"))
	m.wg.Wait()

	listCalls, _ := api.calls()
	assert.Equal(t, 2, listCalls)
	assert.Len(t, m.Snapshot().Conversations, 2)
	assert.Equal(t, 1, unreadOf(t, m, "P9"))
}

func TestMessengerStaleListingFetchDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := newFakeTransport(true)
	api := newFakeAPI(
		ConversationSummary{PeerID: "A", AssociatedListingID: "L1"},
		ConversationSummary{PeerID: "B"},
	)
	gate := make(chan struct{})
	api.listingGates["L1"] = gate
	api.listings["L1"] = &ListingSummary{ID: "L1", Title: "Sofa", Status: "active"}

	m := startMessenger(t, tr, api, WithMetricsRegisterer(reg))
	ctx := context.Background()

	require.NoError(t, m.OpenConversation(ctx, "A"))
	assert.Equal(t, "L1", m.Snapshot().Listing.ListingID)
	assert.True(t, m.Snapshot().Listing.Loading)

	require.NoError(t, m.OpenConversation(ctx, "B"))
	close(gate)
	m.wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, "B", snap.ActivePeer)
	assert.Empty(t, snap.Listing.ListingID)
	assert.Nil(t, snap.Listing.Listing)
	assert.Equal(t, 1.0, counterValue(t, reg, "pomi_stale_fetches_discarded_total", nil))
}

func TestMessengerListingResolvedForActiveConversation(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "A"})
	api.history["A"] = []Message{{ID: "h1", SenderID: "A", Body: "about the bike", ListingID: "L7"}}
	api.listings["L7"] = &ListingSummary{ID: "L7", Title: "Bike", Images: []string{"t.jpg"}}

	m := startMessenger(t, tr, api)
	require.NoError(t, m.OpenConversation(context.Background(), "A"))
	m.wg.Wait()

	ctxInfo := m.Snapshot().Listing
	require.NotNil(t, ctxInfo.Listing)
	assert.Equal(t, "Bike", ctxInfo.Listing.Title)
	assert.Equal(t, "t.jpg", ctxInfo.Listing.Thumbnail())
	assert.False(t, ctxInfo.Loading)

	tr.bus.Publish(MessageReceived{Message: Message{ID: "r2", SenderID: "A", RecipientID: selfID, Body: "other", ListingID: "L8"}})
	m.wg.Wait()
	ctxInfo = m.Snapshot().Listing
	assert.Equal(t, "L8", ctxInfo.ListingID)
	assert.Equal(t, "failed to load listing", ctxInfo.Err)

	m.DismissError(ScopeListing)
	assert.Empty(t, m.Snapshot().Listing.Err)
}

func TestMessengerRESTFallback(t *testing.T) {
	t.Run("transport down", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		tr := newFakeTransport(false)
		api := newFakeAPI(ConversationSummary{PeerID: "P1"})
		api.sendID = "m200"
		m := startMessenger(t, tr, api, WithMetricsRegisterer(reg))
		ctx := context.Background()
		require.NoError(t, m.OpenConversation(ctx, "P1"))

		sent, err := m.SendMessage(ctx, "via rest", "")
		require.NoError(t, err)
		assert.Equal(t, "m200", sent.ID)
		assert.Equal(t, DeliveryConfirmed, sent.DeliveryState)

		thread := m.Snapshot().Thread
		require.Len(t, thread, 1)
		assert.Equal(t, "m200", thread[0].ID)
		assert.Equal(t, DeliveryConfirmed, thread[0].DeliveryState)
		assert.Equal(t, 1.0, counterValue(t, reg, "pomi_messages_sent_total", map[string]string{"path": "rest"}))
	})

	t.Run("socket write fails", func(t *testing.T) {
		tr := newFakeTransport(true)
		tr.sendErr = errors.New("broken pipe")
		api := newFakeAPI(ConversationSummary{PeerID: "P1"})
		m := startMessenger(t, tr, api)
		ctx := context.Background()
		require.NoError(t, m.OpenConversation(ctx, "P1"))

		_, err := m.SendMessage(ctx, "retry over rest", "")
		require.NoError(t, err)
		_, restSends := api.calls()
		assert.Equal(t, 1, restSends)
		require.Len(t, m.Snapshot().Thread, 1)
		assert.Equal(t, "srv-1", m.Snapshot().Thread[0].ID)
	})
}

func TestMessengerSendFailureRollsBack(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := newFakeTransport(false)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})
	api.history["P1"] = []Message{{ID: "h1", SenderID: "P1", Body: "hey"}}
	api.sendErr = &APIError{Code: "HTTP_500", Message: "down"}
	m := startMessenger(t, tr, api, WithMetricsRegisterer(reg))
	ctx := context.Background()
	require.NoError(t, m.OpenConversation(ctx, "P1"))

	_, err := m.SendMessage(ctx, "lost", "")
	require.Error(t, err)
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))

	snap := m.Snapshot()
	require.Len(t, snap.Thread, 1)
	assert.Equal(t, "h1", snap.Thread[0].ID)
	assert.Equal(t, "failed to send message", snap.ThreadError)
	assert.Equal(t, 1.0, counterValue(t, reg, "pomi_message_send_failures_total", nil))

	m.DismissError(ScopeThread)
	assert.Empty(t, m.Snapshot().ThreadError)
}

func TestMessengerSendAckWithoutID(t *testing.T) {
	tests := []struct {
		name  string
		setup func(api *fakeAPI)
	}{
		{name: "empty id", setup: func(api *fakeAPI) { api.sendID = "" }},
		{name: "nil ack", setup: func(api *fakeAPI) { api.nilAck = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			api := newFakeAPI(ConversationSummary{PeerID: "P1"})
			tt.setup(api)
			m := startMessenger(t, newFakeTransport(false), api, WithMetricsRegisterer(reg))
			ctx := context.Background()
			require.NoError(t, m.OpenConversation(ctx, "P1"))

			_, err := m.SendMessage(ctx, "hello", "")
			assert.ErrorIs(t, err, ErrMissingMessageID)

			snap := m.Snapshot()
			assert.Empty(t, snap.Thread)
			assert.Equal(t, "failed to send message", snap.ThreadError)
			assert.Equal(t, 1.0, counterValue(t, reg, "pomi_message_send_failures_total", nil))
		})
	}
}

func TestMessengerSendValidation(t *testing.T) {
	m := startMessenger(t, newFakeTransport(true), newFakeAPI())
	ctx := context.Background()

	_, err := m.SendMessage(ctx, "hello", "")
	assert.ErrorIs(t, err, ErrNoActiveConversation)

	require.NoError(t, m.OpenConversation(ctx, "P1"))
	_, err = m.SendMessage(ctx, "   ", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, m.Snapshot().Thread)
}

func TestMessengerHistoryLoad(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	api.history["P1"] = []Message{
		{ID: "2", SenderID: "P1", Body: "second", CreatedAt: base.Add(time.Minute)},
		{ID: "1", SenderID: selfID, Body: "first", CreatedAt: base},
	}
	m := startMessenger(t, tr, api)
	require.NoError(t, m.OpenConversation(context.Background(), "P1"))

	snap := m.Snapshot()
	require.Len(t, snap.Thread, 2)
	assert.Equal(t, "1", snap.Thread[0].ID)
	assert.Equal(t, "2", snap.Thread[1].ID)
	assert.False(t, snap.ThreadBusy)

	m.wg.Wait()
	api.mu.Lock()
	assert.Equal(t, []string{"P1"}, api.markedRead)
	api.mu.Unlock()
}

func TestMessengerHistoryFailure(t *testing.T) {
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})
	api.historyErr = errors.New("timeout")
	m := startMessenger(t, newFakeTransport(true), api)

	err := m.OpenConversation(context.Background(), "P1")
	require.Error(t, err)
	snap := m.Snapshot()
	assert.Equal(t, "failed to load messages", snap.ThreadError)
	assert.False(t, snap.ThreadBusy)
	assert.Empty(t, snap.ConversationsError)
}

// openAsync opens peerID on another goroutine and returns once its history
// request is in flight.
func openAsync(t *testing.T, m *Messenger, api *fakeAPI, peerID string) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.OpenConversation(context.Background(), peerID) }()
	assert.Equal(t, peerID, recv(t, api.historyCalled))
	return done
}

func TestMessengerInboundDuringHistoryLoad(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	api.history["P1"] = []Message{{ID: "m1", SenderID: "P1", RecipientID: selfID, Body: "old", CreatedAt: base}}
	gate := make(chan struct{})
	api.historyGates["P1"] = gate
	m := startMessenger(t, tr, api)

	done := openAsync(t, m, api, "P1")
	tr.bus.Publish(inbound("P1", "m2", "arrived mid-load"))
	sent, err := m.SendMessage(context.Background(), "sent mid-load", "")
	require.NoError(t, err)
	tr.bus.Publish(MessageDelivered{CorrelationID: sent.CorrelationID, ID: "m3"})
	close(gate)
	require.NoError(t, recv(t, done))

	var ids []string
	for _, msg := range m.Snapshot().Thread {
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
	assert.False(t, m.Snapshot().ThreadBusy)
}

func TestMessengerStaleHistoryDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "A"}, ConversationSummary{PeerID: "B"})
	api.history["A"] = []Message{{ID: "a1", SenderID: "A", Body: "from A"}}
	api.history["B"] = []Message{{ID: "b1", SenderID: "B", Body: "from B"}}
	gate := make(chan struct{})
	api.historyGates["A"] = gate
	m := startMessenger(t, tr, api, WithMetricsRegisterer(reg))

	done := openAsync(t, m, api, "A")
	require.NoError(t, m.OpenConversation(context.Background(), "B"))
	before := m.Snapshot()

	close(gate)
	require.NoError(t, recv(t, done))

	snap := m.Snapshot()
	assert.Equal(t, "B", snap.ActivePeer)
	assert.Equal(t, before.Thread, snap.Thread)
	require.Len(t, snap.Thread, 1)
	assert.Equal(t, "b1", snap.Thread[0].ID)
	assert.False(t, snap.ThreadBusy)
	assert.Empty(t, snap.ThreadError)
	assert.Equal(t, 1.0, counterValue(t, reg, "pomi_stale_fetches_discarded_total", nil))
}

func TestMessengerPresenceAndTyping(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"}, ConversationSummary{PeerID: "P2"})
	m := startMessenger(t, tr, api)
	ctx := context.Background()
	require.NoError(t, m.OpenConversation(ctx, "P1"))

	tr.bus.Publish(PresenceSnapshot{UserIDs: []string{"P2", "P1"}})
	tr.bus.Publish(PeerOffline{UserID: "P2"})
	tr.bus.Publish(PeerOnline{UserID: "P3"})
	assert.Equal(t, []string{"P1", "P3"}, m.Snapshot().OnlinePeers)

	tr.bus.Publish(TypingStarted{UserID: "P2"})
	assert.False(t, m.Snapshot().PeerTyping)

	tr.bus.Publish(TypingStarted{UserID: "P1"})
	assert.True(t, m.Snapshot().PeerTyping)
	tr.bus.Publish(TypingStopped{UserID: "P1"})
	assert.False(t, m.Snapshot().PeerTyping)

	tr.bus.Publish(TypingStarted{UserID: "P1"})
	tr.bus.Publish(inbound("P1", "r1", "done typing"))
	assert.False(t, m.Snapshot().PeerTyping)

	tr.bus.Publish(TypingStarted{UserID: "P1"})
	require.NoError(t, m.OpenConversation(ctx, "P2"))
	assert.False(t, m.Snapshot().PeerTyping)
}

func TestMessengerKeystrokeTyping(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})
	m := startMessenger(t, tr, api, WithTypingQuietPeriod(50*time.Millisecond))
	require.NoError(t, m.OpenConversation(context.Background(), "P1"))

	m.Keystroke()
	m.Keystroke()
	m.typing.Flush()
	require.Equal(t, []typingCall{{recipient: "P1", typing: true}}, tr.typingCalls())

	require.Eventually(t, func() bool {
		return len(tr.typingCalls()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, typingCall{recipient: "P1", typing: false}, tr.typingCalls()[1])
}

func TestMessengerSendStopsTyping(t *testing.T) {
	tr := newFakeTransport(true)
	api := newFakeAPI(ConversationSummary{PeerID: "P1"})
	m := startMessenger(t, tr, api, WithTypingQuietPeriod(time.Hour))
	ctx := context.Background()
	require.NoError(t, m.OpenConversation(ctx, "P1"))

	m.Keystroke()
	_, err := m.SendMessage(ctx, "sent", "")
	require.NoError(t, err)
	assert.Equal(t, []typingCall{
		{recipient: "P1", typing: true},
		{recipient: "P1", typing: false},
	}, tr.typingCalls())
}

func TestMessengerCloseUnsubscribes(t *testing.T) {
	tr := newFakeTransport(true)
	m := NewMessenger(selfID, tr, newFakeAPI())
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 1, tr.bus.Len(EventMessage))
	assert.Equal(t, 1, tr.bus.Len(EventDelivered))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Zero(t, tr.bus.Len(EventMessage))
	assert.Zero(t, tr.bus.Len(EventDelivered))
	assert.Zero(t, tr.bus.Len(EventPresenceSnapshot))
	assert.Equal(t, 1, tr.disconnects)
}
