package models

import "time"

const (
	// StatusPending is held only until the message is durably stored.
	StatusPending = "PENDING"
	// StatusSent means the relay stored the message.
	StatusSent = "SENT"
	// StatusDelivered means a recipient device was reached or fetched the message.
	StatusDelivered = "DELIVERED"
	// StatusFailed means no recipient device could be reached.
	StatusFailed = "FAILED"
)

// Message is one relayed ciphertext. Byte fields travel as standard base64.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderDeviceID string     `json:"senderDeviceId"`
	Ciphertext     []byte     `json:"ciphertext"`
	Nonce          []byte     `json:"nonce"`
	Tag            []byte     `json:"tag"`
	LocalID        string     `json:"localId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	ReadAt         *time.Time `json:"readAt"`
	DeliveryStatus string     `json:"deliveryStatus"`
}

// MessagePage is one page of history, newest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"hasMore"`
	NextCursor *string   `json:"nextCursor"`
}

// AppendMessageRequest carries an opaque encrypted payload from the sender device.
type AppendMessageRequest struct {
	Ciphertext     []byte `json:"ciphertext"`
	Nonce          []byte `json:"nonce"`
	Tag            []byte `json:"tag"`
	IdempotencyKey string `json:"idempotencyKey"`
	LocalID        string `json:"localId,omitempty"`
}

// Receipt acknowledges an accepted append.
type Receipt struct {
	ServerID   string    `json:"serverId"`
	LocalID    string    `json:"localId,omitempty"`
	AcceptedAt time.Time `json:"acceptedAt"`
	Duplicate  bool      `json:"duplicate"`
}
