// Package pagination implements stable, cursor-based paging over message history
// ordered by (created_at, message_id).
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultLimit is used when the caller does not request a page size.
	DefaultLimit = 50
	// MaxLimit caps any requested page size.
	MaxLimit = 100
)

// ErrMalformedCursor is returned for cursors that cannot be decoded.
var ErrMalformedCursor = errors.New("pagination: malformed cursor")

// Cursor marks the position of the oldest message of an issued page.
// An empty MessageID means "strictly older than CreatedAt".
type Cursor struct {
	CreatedAt int64
	MessageID string
}

// ClampLimit maps a requested limit into [1, MaxLimit]; non-positive values select DefaultLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// String encodes the cursor as an opaque URL-safe token.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt, 10) + "." + c.MessageID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Before reports whether position (createdAt, messageID) sorts strictly before the cursor.
func (c Cursor) Before(createdAt int64, messageID string) bool {
	if createdAt != c.CreatedAt {
		return createdAt < c.CreatedAt
	}
	return c.MessageID != "" && messageID < c.MessageID
}

// Parse decodes a cursor token. The empty string yields a nil cursor (newest page).
// A bare decimal millisecond timestamp is accepted as a cursor without a message ID.
func Parse(raw string) (*Cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ts <= 0 {
			return nil, fmt.Errorf("%w: timestamp must be > 0", ErrMalformedCursor)
		}
		return &Cursor{CreatedAt: ts}, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}

	createdAtPart, messageID, ok := strings.Cut(string(decoded), ".")
	if !ok || messageID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedCursor)
	}
	createdAt, err := strconv.ParseInt(createdAtPart, 10, 64)
	if err != nil || createdAt <= 0 {
		return nil, fmt.Errorf("%w: invalid timestamp", ErrMalformedCursor)
	}

	return &Cursor{CreatedAt: createdAt, MessageID: messageID}, nil
}
