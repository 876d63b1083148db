// Package crypto holds the one-way digests the relay computes over identifiers and
// opaque payloads. The relay never decrypts anything.
package crypto

import (
	"encoding/base64"

	"golang.org/x/crypto/blake2b"
)

const (
	// HintSize is the number of digest bytes kept in a conversation hint.
	HintSize = 16
	// HintLength is the encoded length of every conversation hint.
	HintLength = 22

	hintDomain = "ephemera/hint/v1"
)

// ConversationHint derives the fixed-length, one-way tag carried by wake-up hints.
//
// Clients compute the same value for the conversations they know and match incoming
// hints locally; the relay keeps no mapping from hint back to conversation.
func ConversationHint(conversationID string) string {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(hintDomain))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(conversationID))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:HintSize])
}

// MatchHint returns the first of the known conversation IDs whose hint equals hint.
func MatchHint(hint string, conversationIDs []string) (string, bool) {
	for _, id := range conversationIDs {
		if ConversationHint(id) == hint {
			return id, true
		}
	}
	return "", false
}
