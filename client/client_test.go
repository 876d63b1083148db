package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemera/api"
	"ephemera/cache"
	"ephemera/delivery"
	"ephemera/models"
	"ephemera/relay"
	"ephemera/storage"
)

// startRelay serves a complete relay on a loopback port and returns its base URL.
func startRelay(t *testing.T) string {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	c, err := cache.New(cache.Config{Enabled: true})
	require.NoError(t, err)

	pipeline := delivery.NewPipeline(store, delivery.NewHub(8), delivery.Config{})
	pipeline.SetObserver(c)
	svc := relay.NewService(store, c, pipeline, nil, relay.Config{MaxCiphertextBytes: 64})
	server := api.New(svc, pipeline.Hub(), store.Ping, api.Config{RelayID: "relay-test", Version: "test"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.App().Listener(ln)
	}()
	t.Cleanup(func() {
		_ = server.Shutdown(time.Second)
		c.Close()
		_ = store.Close()
	})
	return "http://" + ln.Addr().String()
}

func TestClientAgainstRelay(t *testing.T) {
	base := startRelay(t)
	ctx := context.Background()
	alice := New(base, "alice", WithTimeout(2*time.Second))
	bob := New(base, "bob")

	health, err := alice.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "relay-test", health.RelayID)

	conversation, err := alice.CreateConversation(ctx, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, conversation.ExpiresAt)
	require.NoError(t, bob.JoinConversation(ctx, conversation.ID))

	receipt, err := alice.AppendMessage(ctx, conversation.ID, models.AppendMessageRequest{
		Ciphertext:     []byte{0x01, 0x02, 0x03},
		Nonce:          []byte{0x04},
		IdempotencyKey: "key-1",
		LocalID:        "local-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "local-1", receipt.LocalID)

	page, err := bob.GetMessages(ctx, conversation.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, page.Messages[0].Ciphertext)
	assert.Equal(t, models.StatusDelivered, page.Messages[0].DeliveryStatus)
	require.NoError(t, bob.MarkRead(ctx, receipt.ServerID))

	got, err := bob.GetConversation(ctx, conversation.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, got.Participants)

	require.NoError(t, alice.RegisterToken(ctx, "token-alice"))
	require.NoError(t, alice.DeactivateToken(ctx))

	err = bob.DeleteConversation(ctx, conversation.ID)
	assert.True(t, errors.Is(err, ErrForbidden), "%v", err)
	require.NoError(t, alice.DeleteConversation(ctx, conversation.ID))

	_, err = alice.GetMessages(ctx, conversation.ID, 0, "")
	assert.True(t, errors.Is(err, ErrNotFound), "%v", err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, api.CodeNotFound, apiErr.Code)
}

func TestClientMapsErrors(t *testing.T) {
	base := startRelay(t)
	ctx := context.Background()
	alice := New(base, "alice")

	conversation, err := alice.CreateConversation(ctx, 0)
	require.NoError(t, err)

	_, err = alice.AppendMessage(ctx, conversation.ID, models.AppendMessageRequest{
		Ciphertext:     make([]byte, 65),
		IdempotencyKey: "k",
	})
	assert.True(t, errors.Is(err, ErrPayloadTooLarge), "%v", err)
	assert.False(t, IsTransient(err))

	_, err = alice.GetMessages(ctx, conversation.ID, 0, "%%%")
	assert.True(t, errors.Is(err, ErrValidation), "%v", err)
}

func TestClientTransportFailureIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = New("http://"+addr, "alice", WithTimeout(time.Second)).Health(context.Background())
	assert.True(t, errors.Is(err, ErrTransport), "%v", err)
	assert.True(t, IsTransient(err))
}

func TestAPIErrorUnwrap(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:            ErrValidation,
		http.StatusNotFound:              ErrNotFound,
		http.StatusGone:                  ErrExpired,
		http.StatusForbidden:             ErrForbidden,
		http.StatusConflict:              ErrConflict,
		http.StatusRequestEntityTooLarge: ErrPayloadTooLarge,
		http.StatusServiceUnavailable:    ErrUnavailable,
		http.StatusInternalServerError:   ErrUnavailable,
	}
	for status, want := range cases {
		err := error(&APIError{Status: status})
		assert.True(t, errors.Is(err, want), "status %d", status)
	}
	assert.Nil(t, (&APIError{Status: http.StatusTeapot}).Unwrap())
	assert.Contains(t, (&APIError{Status: 409, Code: "CONFLICT", Message: "reused"}).Error(), "CONFLICT")
}
