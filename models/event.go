package models

import "time"

// StatusEvent is pushed to the sender device whenever one of its messages changes status.
// Senders reconcile optimistic local copies by (ServerID, LocalID).
type StatusEvent struct {
	Type           string    `json:"type"`
	ServerID       string    `json:"serverId"`
	LocalID        string    `json:"localId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// RegisterTokenRequest registers the push token of a device.
type RegisterTokenRequest struct {
	PushToken string `json:"pushToken"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Health is returned by the health endpoint.
type Health struct {
	Status  string `json:"status"`
	RelayID string `json:"relayId"`
	Version string `json:"version"`
}
