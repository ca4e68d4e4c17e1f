package pomi

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messaging Types
// ============================================================================

// DeliveryState is the lifecycle state of a message in a thread.
// A failed send has no state: the entry is removed from the thread.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
)

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	PeerID              string    `json:"peerId"`
	PeerDisplayName     string    `json:"peerDisplayName"`
	LastMessagePreview  string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt       time.Time `json:"lastMessageTimestamp,omitempty"`
	UnreadCount         int       `json:"unreadCount"`
	AssociatedListingID string    `json:"associatedListingId,omitempty"`
}

// Message is a single chat message, either loaded from history, received
// over the transport, or inserted optimistically by a local send.
type Message struct {
	ID            string        `json:"id,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	SenderID      string        `json:"senderId"`
	RecipientID   string        `json:"recipientId,omitempty"`
	Body          string        `json:"body"`
	CreatedAt     time.Time     `json:"createdAt"`
	DeliveryState DeliveryState `json:"deliveryState,omitempty"`
	ListingID     string        `json:"listingId,omitempty"`
}

// OutboundMessage is the payload of a send, over the socket or REST.
type OutboundMessage struct {
	RecipientID   string `json:"recipientId"`
	Body          string `json:"body"`
	ListingID     string `json:"listingId,omitempty"`
	CorrelationID string `json:"correlationId"`
}

// SentMessage is the REST acknowledgment of an outbound message.
type SentMessage struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ============================================================================
// Marketplace Types
// ============================================================================

// ListingSummary is the marketplace context shown inside a conversation.
type ListingSummary struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Price    float64  `json:"price"`
	Currency string   `json:"currency,omitempty"`
	Location string   `json:"location,omitempty"`
	Status   string   `json:"status"`
	Images   []string `json:"images,omitempty"`
}

// Thumbnail returns the first listing image, if any.
func (l *ListingSummary) Thumbnail() string {
	if l == nil || len(l.Images) == 0 {
		return ""
	}
	return l.Images[0]
}

// HealthStatus is returned by the health endpoint.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
