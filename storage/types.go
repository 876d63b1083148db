package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate indicates a unique constraint rejected an insert.
	ErrDuplicate = errors.New("storage: duplicate record")
	// ErrParticipantLimit indicates a conversation already holds its maximum participants.
	ErrParticipantLimit = errors.New("storage: participant limit reached")
)

const (
	// ConversationStatusActive accepts appends and reads.
	ConversationStatusActive = "active"
	// ConversationStatusExpired is set by the expiry sweep once expires_at has passed.
	ConversationStatusExpired = "expired"
	// ConversationStatusDeleted is set when the owner deletes the conversation.
	ConversationStatusDeleted = "deleted"
)

const (
	// DeliveryStatusPending is the pre-persist state of an accepted message.
	DeliveryStatusPending = "pending"
	// DeliveryStatusSent means the message is durably stored.
	DeliveryStatusSent = "sent"
	// DeliveryStatusDelivered means a recipient was reached or observed the message.
	DeliveryStatusDelivered = "delivered"
	// DeliveryStatusFailed means fanout exhausted retries for every recipient device.
	DeliveryStatusFailed = "failed"
)

// Conversation is the SQLite representation of a conversation.
//
// ExpiresAt is nil for conversations created with an unlimited TTL.
type Conversation struct {
	ConversationID  string
	OwnerDeviceID   string
	CreatedAt       int64
	ExpiresAt       *int64
	Status          string
	StatusChangedAt *int64
}

// ExpiredAt reports whether the conversation TTL has elapsed at nowMillis.
func (c Conversation) ExpiredAt(nowMillis int64) bool {
	return c.ExpiresAt != nil && *c.ExpiresAt <= nowMillis
}

// Message is the SQLite representation of one relayed ciphertext.
type Message struct {
	MessageID       string
	ConversationID  string
	SenderDeviceID  string
	Ciphertext      []byte
	Nonce           []byte
	Tag             []byte
	PayloadDigest   string
	IdempotencyKey  string
	LocalID         string
	CreatedAt       int64
	ExpiresAt       *int64
	ReadAt          *int64
	DeliveryStatus  string
	StatusChangedAt *int64
}

// DeviceToken is a push token registered for a device.
type DeviceToken struct {
	PushToken    string
	DeviceID     string
	RegisteredAt int64
	UpdatedAt    int64
	Active       bool
}

// DeletedBatch reports one bounded delete pass.
type DeletedBatch struct {
	Count           int64
	ConversationIDs []string
}

type scanner interface {
	Scan(dest ...any) error
}

func validateConversationStatus(status string) error {
	switch status {
	case ConversationStatusActive, ConversationStatusExpired, ConversationStatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid conversation status %q", status)
	}
}

func validateDeliveryStatus(status string) error {
	switch status {
	case DeliveryStatusPending, DeliveryStatusSent, DeliveryStatusDelivered, DeliveryStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid delivery status %q", status)
	}
}

// IsTransient reports whether err is a lock or busy condition worth retrying.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
		return true
	default:
		return false
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}
	return string(buf)
}
