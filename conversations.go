package pomi

// ConversationStore holds the conversation list in backend order.
//
// It is not safe for concurrent use; Messenger serializes access.
type ConversationStore struct {
	items   []ConversationSummary
	loaded  bool
	loading bool
	err     string
}

// NewConversationStore returns an empty, unloaded store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{}
}

// Replace installs a freshly fetched list.
func (s *ConversationStore) Replace(list []ConversationSummary) {
	s.items = make([]ConversationSummary, len(list))
	copy(s.items, list)
	for i := range s.items {
		if s.items[i].UnreadCount < 0 {
			s.items[i].UnreadCount = 0
		}
	}
	s.loaded = true
	s.loading = false
	s.err = ""
}

func (s *ConversationStore) index(peerID string) int {
	for i := range s.items {
		if s.items[i].PeerID == peerID {
			return i
		}
	}
	return -1
}

// Has reports whether a summary exists for peerID.
func (s *ConversationStore) Has(peerID string) bool {
	return s.index(peerID) >= 0
}

// Get returns the summary for peerID.
func (s *ConversationStore) Get(peerID string) (ConversationSummary, bool) {
	i := s.index(peerID)
	if i < 0 {
		return ConversationSummary{}, false
	}
	return s.items[i], true
}

// List returns a copy of the summaries.
func (s *ConversationStore) List() []ConversationSummary {
	out := make([]ConversationSummary, len(s.items))
	copy(out, s.items)
	return out
}

// Loaded reports whether the list has been fetched at least once.
func (s *ConversationStore) Loaded() bool { return s.loaded }

// ApplyInbound updates the peer's preview and timestamp in place. Unread
// grows by one unless the conversation is active or the message is our
// own. It returns false when the peer is unknown; the caller refetches.
func (s *ConversationStore) ApplyInbound(peerID string, m Message, active, own bool) bool {
	i := s.index(peerID)
	if i < 0 {
		return false
	}
	s.touch(i, m)
	if active {
		s.items[i].UnreadCount = 0
	} else if !own {
		s.items[i].UnreadCount++
	}
	return true
}

// ApplyOutbound updates the peer's preview for a message we sent.
func (s *ConversationStore) ApplyOutbound(peerID string, m Message) bool {
	i := s.index(peerID)
	if i < 0 {
		return false
	}
	s.touch(i, m)
	return true
}

func (s *ConversationStore) touch(i int, m Message) {
	s.items[i].LastMessagePreview = m.Body
	s.items[i].LastMessageAt = m.CreatedAt
	if m.ListingID != "" {
		s.items[i].AssociatedListingID = m.ListingID
	}
}

// MarkRead resets the peer's unread count to zero. Calling it again is a
// no-op.
func (s *ConversationStore) MarkRead(peerID string) bool {
	i := s.index(peerID)
	if i < 0 {
		return false
	}
	s.items[i].UnreadCount = 0
	return true
}

// UnreadTotal sums unread counts across conversations.
func (s *ConversationStore) UnreadTotal() int {
	n := 0
	for _, c := range s.items {
		n += c.UnreadCount
	}
	return n
}

func (s *ConversationStore) SetLoading(loading bool) { s.loading = loading }
func (s *ConversationStore) Loading() bool           { return s.loading }

func (s *ConversationStore) SetError(msg string) { s.err = msg }
func (s *ConversationStore) Error() string       { return s.err }
func (s *ConversationStore) ClearError()         { s.err = "" }
