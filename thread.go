package pomi

import (
	"sort"
	"time"
)

// ============================================================================
// Listing Context
// ============================================================================

// ListingContext is the marketplace item shown alongside a thread.
// ListingID is the latest requested listing; Listing is nil until its
// fetch resolves.
type ListingContext struct {
	ListingID string
	Listing   *ListingSummary
	Loading   bool
	Err       string
}

// ============================================================================
// ThreadStore
// ============================================================================

// ThreadStore holds the ordered messages of the open conversation.
//
// It is not safe for concurrent use; Messenger serializes access.
type ThreadStore struct {
	peerID   string
	messages []Message
	loading  bool
	err      string
	listing  ListingContext
}

// NewThreadStore returns an empty thread with no peer.
func NewThreadStore() *ThreadStore {
	return &ThreadStore{}
}

// Reset empties the thread and binds it to peerID.
func (t *ThreadStore) Reset(peerID string) {
	t.peerID = peerID
	t.messages = nil
	t.loading = false
	t.err = ""
	t.listing = ListingContext{}
}

// Peer returns the peer the thread belongs to.
func (t *ThreadStore) Peer() string { return t.peerID }

// Len returns the number of entries.
func (t *ThreadStore) Len() int { return len(t.messages) }

// Messages returns a copy of the entries in display order.
func (t *ThreadStore) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *ThreadStore) indexByCorrelation(corr string) int {
	if corr == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].CorrelationID == corr {
			return i
		}
	}
	return -1
}

func (t *ThreadStore) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// InsertPending appends an optimistic entry. It returns false without
// inserting when the correlation id is empty or already present.
func (t *ThreadStore) InsertPending(m Message) bool {
	if m.CorrelationID == "" || t.indexByCorrelation(m.CorrelationID) >= 0 {
		return false
	}
	m.ID = ""
	m.DeliveryState = DeliveryPending
	t.messages = append(t.messages, m)
	return true
}

// Confirm promotes the pending entry for corr in place, taking the server
// id and timestamp. Confirmed entries are left untouched.
func (t *ThreadStore) Confirm(corr, id string, createdAt time.Time) bool {
	i := t.indexByCorrelation(corr)
	if i < 0 || t.messages[i].DeliveryState != DeliveryPending {
		return false
	}
	t.promote(i, id, createdAt)
	return true
}

func (t *ThreadStore) promote(i int, id string, createdAt time.Time) {
	m := &t.messages[i]
	if id != "" {
		m.ID = id
	}
	if !createdAt.IsZero() {
		m.CreatedAt = createdAt
	}
	m.DeliveryState = DeliveryConfirmed
}

// Remove deletes the pending entry for corr.
func (t *ThreadStore) Remove(corr string) bool {
	i := t.indexByCorrelation(corr)
	if i < 0 || t.messages[i].DeliveryState != DeliveryPending {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return true
}

// Reconcile applies an inbound message whose ID is already the effective
// id. An entry with the same id or correlation id makes m a duplicate: it
// is not inserted, and a pending match is promoted. Otherwise m is
// appended as confirmed.
func (t *ThreadStore) Reconcile(m Message) (inserted, promoted bool) {
	i := t.indexByID(m.ID)
	if i < 0 {
		i = t.indexByCorrelation(m.CorrelationID)
	}
	if i >= 0 {
		if t.messages[i].DeliveryState == DeliveryPending {
			t.promote(i, m.ID, m.CreatedAt)
			return false, true
		}
		return false, false
	}
	m.DeliveryState = DeliveryConfirmed
	t.messages = append(t.messages, m)
	return true, false
}

// LoadHistory replaces the thread with a historical page, stable-sorted by
// CreatedAt. Entries already in the thread that the page does not contain,
// by id or correlation id, are kept after it in their current order: sends
// and inbound messages that arrived while the page was in flight survive.
func (t *ThreadStore) LoadHistory(history []Message) {
	out := make([]Message, 0, len(history)+len(t.messages))
	ids := make(map[string]bool, len(history))
	corrs := make(map[string]bool, len(history))
	for _, m := range history {
		m.DeliveryState = DeliveryConfirmed
		out = append(out, m)
		if m.ID != "" {
			ids[m.ID] = true
		}
		if m.CorrelationID != "" {
			corrs[m.CorrelationID] = true
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	for _, m := range t.messages {
		if (m.ID != "" && ids[m.ID]) || (m.CorrelationID != "" && corrs[m.CorrelationID]) {
			continue
		}
		out = append(out, m)
	}
	t.messages = out
	t.loading = false
	t.err = ""
}

// ── Loading and errors ───────────────────────────────────

func (t *ThreadStore) SetLoading(loading bool) { t.loading = loading }
func (t *ThreadStore) Loading() bool           { return t.loading }

func (t *ThreadStore) SetError(msg string) { t.err = msg }
func (t *ThreadStore) Error() string       { return t.err }
func (t *ThreadStore) ClearError()         { t.err = "" }

// ── Listing context ──────────────────────────────────────

// Listing returns the listing context.
func (t *ThreadStore) Listing() ListingContext { return t.listing }

// RequestListing records listingID as the wanted context. It returns false
// when listingID is empty or already the current context, in which case
// no fetch is needed.
func (t *ThreadStore) RequestListing(listingID string) bool {
	if listingID == "" || listingID == t.listing.ListingID {
		return false
	}
	t.listing = ListingContext{ListingID: listingID, Loading: true}
	return true
}

// ApplyListing stores a fetch result. Results for a listing other than the
// latest requested one are rejected.
func (t *ThreadStore) ApplyListing(listingID string, l *ListingSummary, err error) bool {
	if listingID != t.listing.ListingID {
		return false
	}
	t.listing.Loading = false
	if err != nil {
		t.listing.Err = "failed to load listing"
		return true
	}
	t.listing.Listing = l
	t.listing.Err = ""
	return true
}

// ClearListingError dismisses the listing context error.
func (t *ThreadStore) ClearListingError() { t.listing.Err = "" }
