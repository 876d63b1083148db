package models

import "time"

const (
	// ConversationActive accepts appends and reads.
	ConversationActive = "ACTIVE"
	// ConversationExpired is reported once the conversation TTL has elapsed.
	ConversationExpired = "EXPIRED"
	// ConversationDeleted is reported after the owner deleted the conversation.
	ConversationDeleted = "DELETED"
)

// Conversation is the wire form of a conversation record.
//
// A nil ExpiresAt means the conversation was created with an unlimited TTL.
type Conversation struct {
	ID            string     `json:"id"`
	OwnerDeviceID string     `json:"ownerDeviceId"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	Status        string     `json:"status"`
	Participants  []string   `json:"participants,omitempty"`
}

// CreateConversationRequest creates a conversation. TTLSeconds of 0 means unlimited.
type CreateConversationRequest struct {
	TTLSeconds int64 `json:"ttlSeconds"`
}
