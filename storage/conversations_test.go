package storage

import (
	"context"
	"errors"
	"testing"
)

func TestConversationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateConversation(t, store, "conv-1", "owner", 1_000, ptr(61_000))

	conversation, err := store.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conversation.Status != ConversationStatusActive {
		t.Fatalf("expected active conversation, got %q", conversation.Status)
	}
	if conversation.ExpiresAt == nil || *conversation.ExpiresAt != 61_000 {
		t.Fatalf("unexpected expires_at %v", conversation.ExpiresAt)
	}
	if conversation.ExpiredAt(60_999) || !conversation.ExpiredAt(61_000) {
		t.Fatalf("ExpiredAt must flip exactly at expires_at")
	}

	participants, err := store.ListParticipants(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(participants) != 1 || participants[0] != "owner" {
		t.Fatalf("expected owner as sole participant, got %v", participants)
	}

	if _, err := store.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	changed, err := store.MarkConversationDeleted(ctx, "conv-1", 2_000)
	if err != nil || !changed {
		t.Fatalf("MarkConversationDeleted: changed=%v err=%v", changed, err)
	}
	changed, err = store.MarkConversationDeleted(ctx, "conv-1", 3_000)
	if err != nil || changed {
		t.Fatalf("terminal conversation must not transition again: changed=%v err=%v", changed, err)
	}
	expired, err := store.ExpireConversations(ctx, 100_000, 10)
	if err != nil {
		t.Fatalf("ExpireConversations failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("deleted conversation must not be expired, got %v", expired)
	}
}

func TestCreateConversationRejectsInvalidTTL(t *testing.T) {
	store := newTestStore(t)

	err := store.CreateConversation(context.Background(), Conversation{
		ConversationID: "conv-bad",
		OwnerDeviceID:  "owner",
		CreatedAt:      5_000,
		ExpiresAt:      ptr(5_000),
	})
	if err == nil {
		t.Fatalf("expected expires_at == created_at to be rejected")
	}

	mustCreateConversation(t, store, "conv-dup", "owner", 1_000, nil)
	err = store.CreateConversation(context.Background(), Conversation{
		ConversationID: "conv-dup",
		OwnerDeviceID:  "owner",
		CreatedAt:      1_000,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestAddParticipantEnforcesLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateConversation(t, store, "conv-1", "owner", 1_000, nil)

	added, err := store.AddParticipant(ctx, "conv-1", "peer-1", 1_100, 2)
	if err != nil || !added {
		t.Fatalf("AddParticipant peer-1: added=%v err=%v", added, err)
	}
	added, err = store.AddParticipant(ctx, "conv-1", "peer-1", 1_200, 2)
	if err != nil || added {
		t.Fatalf("re-adding a participant must be a no-op: added=%v err=%v", added, err)
	}
	if _, err := store.AddParticipant(ctx, "conv-1", "peer-2", 1_300, 2); !errors.Is(err, ErrParticipantLimit) {
		t.Fatalf("expected ErrParticipantLimit, got %v", err)
	}

	participants, err := store.ListParticipants(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(participants) != 2 || participants[0] != "owner" || participants[1] != "peer-1" {
		t.Fatalf("unexpected participants %v", participants)
	}
}

func TestExpireConversationsAndPurgeTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateConversation(t, store, "conv-short", "owner", 1_000, ptr(2_000))
	mustCreateConversation(t, store, "conv-long", "owner", 1_000, ptr(50_000))
	mustCreateConversation(t, store, "conv-forever", "owner", 1_000, nil)
	mustInsertMessage(t, store, "conv-short", "msg-1", "owner", 1_500, ptr(2_000))

	expired, err := store.ExpireConversations(ctx, 10_000, 10)
	if err != nil {
		t.Fatalf("ExpireConversations failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != "conv-short" {
		t.Fatalf("expected only conv-short expired, got %v", expired)
	}

	again, err := store.ExpireConversations(ctx, 10_000, 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("second expire pass must be a no-op: %v %v", again, err)
	}

	purged, err := store.PurgeTombstones(ctx, 20_000, 10)
	if err != nil {
		t.Fatalf("PurgeTombstones failed: %v", err)
	}
	if purged != 0 {
		t.Fatalf("tombstone with remaining messages must not be purged, got %d", purged)
	}

	if _, err := store.DeleteExpiredMessages(ctx, 10_000, 10); err != nil {
		t.Fatalf("DeleteExpiredMessages failed: %v", err)
	}
	purged, err = store.PurgeTombstones(ctx, 20_000, 10)
	if err != nil {
		t.Fatalf("PurgeTombstones failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged tombstone, got %d", purged)
	}
	if _, err := store.GetConversation(ctx, "conv-short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected purged conversation to be gone, got %v", err)
	}
	participants, err := store.ListParticipants(ctx, "conv-short")
	if err != nil || len(participants) != 0 {
		t.Fatalf("expected participants to cascade, got %v %v", participants, err)
	}
}
