package storage

import (
	"context"
	"fmt"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustCreateConversation(t *testing.T, store *Store, id, owner string, createdAt int64, expiresAt *int64) {
	t.Helper()

	err := store.CreateConversation(context.Background(), Conversation{
		ConversationID: id,
		OwnerDeviceID:  owner,
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		t.Fatalf("create conversation %q: %v", id, err)
	}
}

func mustInsertMessage(t *testing.T, store *Store, conversationID, messageID, sender string, createdAt int64, expiresAt *int64) {
	t.Helper()

	err := store.InsertMessage(context.Background(), Message{
		MessageID:      messageID,
		ConversationID: conversationID,
		SenderDeviceID: sender,
		Ciphertext:     []byte("ciphertext-" + messageID),
		Nonce:          []byte("nonce"),
		Tag:            []byte("tag"),
		PayloadDigest:  "digest-" + messageID,
		IdempotencyKey: fmt.Sprintf("key-%s", messageID),
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
		DeliveryStatus: DeliveryStatusSent,
	})
	if err != nil {
		t.Fatalf("insert message %q: %v", messageID, err)
	}
}

func ptr(v int64) *int64 {
	return &v
}
