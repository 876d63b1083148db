package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemera/cache"
	"ephemera/delivery"
	"ephemera/models"
	"ephemera/relay"
	"ephemera/storage"
)

type testServer struct {
	*Server
	clock *clock.Mock
}

func newTestServer(t *testing.T, limits relay.Config, health func() error) *testServer {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Add(time.Duration(1_700_000_000_000) * time.Millisecond)

	c, err := cache.New(cache.Config{Enabled: true, Clock: mock})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		_ = store.Close()
	})

	hub := delivery.NewHub(8)
	pipeline := delivery.NewPipeline(store, hub, delivery.Config{Clock: mock})
	pipeline.SetObserver(c)

	limits.Clock = mock
	svc := relay.NewService(store, c, pipeline, nil, limits)
	return &testServer{
		Server: New(svc, hub, health, Config{RelayID: "relay-1", Version: "test"}),
		clock:  mock,
	}
}

func (s *testServer) do(t *testing.T, method, path, device string, body interface{}) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = bytes.NewBufferString(v)
		default:
			raw, err := json.Marshal(v)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if device != "" {
		req.Header.Set(DeviceHeader, device)
	}

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (s *testServer) createConversation(t *testing.T, owner string, ttlSeconds int64) models.Conversation {
	t.Helper()
	status, raw := s.do(t, http.MethodPost, "/v1/conversations", owner, models.CreateConversationRequest{TTLSeconds: ttlSeconds})
	require.Equal(t, http.StatusCreated, status, string(raw))
	var conversation models.Conversation
	require.NoError(t, json.Unmarshal(raw, &conversation))
	return conversation
}

func appendBody(key string) models.AppendMessageRequest {
	return models.AppendMessageRequest{
		Ciphertext:     []byte("ciphertext " + key),
		Nonce:          []byte("nonce"),
		Tag:            []byte("tag"),
		IdempotencyKey: key,
		LocalID:        "local-" + key,
	}
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	return body.Code
}

func TestConversationAndMessageRoundTrip(t *testing.T) {
	s := newTestServer(t, relay.Config{}, nil)

	conversation := s.createConversation(t, "alice", 3600)
	require.NotNil(t, conversation.ExpiresAt)
	assert.Equal(t, models.ConversationActive, conversation.Status)

	status, raw := s.do(t, http.MethodPost, "/v1/conversations/"+conversation.ID+"/messages", "alice", appendBody("k1"))
	require.Equal(t, http.StatusAccepted, status, string(raw))
	var receipt models.Receipt
	require.NoError(t, json.Unmarshal(raw, &receipt))
	assert.NotEmpty(t, receipt.ServerID)
	assert.Equal(t, "local-k1", receipt.LocalID)
	assert.False(t, receipt.Duplicate)

	status, raw = s.do(t, http.MethodPost, "/v1/conversations/"+conversation.ID+"/messages", "alice", appendBody("k1"))
	require.Equal(t, http.StatusAccepted, status)
	var retry models.Receipt
	require.NoError(t, json.Unmarshal(raw, &retry))
	assert.True(t, retry.Duplicate)
	assert.Equal(t, receipt.ServerID, retry.ServerID)

	conflicting := appendBody("k1")
	conflicting.Ciphertext = []byte("something else")
	status, raw = s.do(t, http.MethodPost, "/v1/conversations/"+conversation.ID+"/messages", "alice", conflicting)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeConflict, errorCode(t, raw))

	status, raw = s.do(t, http.MethodGet, "/v1/conversations/"+conversation.ID+"/messages?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	var page models.MessagePage
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, []byte("ciphertext k1"), page.Messages[0].Ciphertext)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)

	status, raw = s.do(t, http.MethodGet, "/v1/conversations/"+conversation.ID, "", nil)
	require.Equal(t, http.StatusOK, status)
	var got models.Conversation
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, []string{"alice"}, got.Participants)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, relay.Config{MaxCiphertextBytes: 16}, nil)
	conversation := s.createConversation(t, "alice", 60)

	cases := []struct {
		name   string
		method string
		path   string
		device string
		body   interface{}
		status int
		code   string
	}{
		{"missing device", http.MethodPost, "/v1/conversations", "", models.CreateConversationRequest{}, http.StatusBadRequest, CodeValidation},
		{"negative ttl", http.MethodPost, "/v1/conversations", "alice", models.CreateConversationRequest{TTLSeconds: -1}, http.StatusBadRequest, CodeValidation},
		{"malformed body", http.MethodPost, "/v1/conversations", "alice", "{not json", http.StatusBadRequest, CodeValidation},
		{"unknown conversation", http.MethodPost, "/v1/conversations/nope/messages", "alice", appendBody("k"), http.StatusNotFound, CodeNotFound},
		{"payload too large", http.MethodPost, "/v1/conversations/" + conversation.ID + "/messages", "alice", models.AppendMessageRequest{
			Ciphertext: bytes.Repeat([]byte("x"), 17), IdempotencyKey: "k",
		}, http.StatusRequestEntityTooLarge, CodePayloadTooLarge},
		{"bad cursor", http.MethodGet, "/v1/conversations/" + conversation.ID + "/messages?cursor=%21%21", "", nil, http.StatusBadRequest, CodeValidation},
		{"bad limit", http.MethodGet, "/v1/conversations/" + conversation.ID + "/messages?limit=-3", "", nil, http.StatusBadRequest, CodeValidation},
		{"delete by non-owner", http.MethodDelete, "/v1/conversations/" + conversation.ID, "bob", nil, http.StatusForbidden, CodeForbidden},
		{"foreign token", http.MethodPut, "/v1/devices/alice/token", "bob", models.RegisterTokenRequest{PushToken: "t"}, http.StatusForbidden, CodeForbidden},
		{"events without upgrade", http.MethodGet, "/v1/devices/alice/events", "alice", nil, http.StatusUpgradeRequired, CodeUpgradeRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, raw := s.do(t, tc.method, tc.path, tc.device, tc.body)
			assert.Equal(t, tc.status, status, string(raw))
			assert.Equal(t, tc.code, errorCode(t, raw))
		})
	}

	s.clock.Add(2 * time.Minute)
	status, raw := s.do(t, http.MethodPost, "/v1/conversations/"+conversation.ID+"/messages", "alice", appendBody("late"))
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, CodeExpired, errorCode(t, raw))
}

func TestDeleteAndReadEndpoints(t *testing.T) {
	s := newTestServer(t, relay.Config{}, nil)
	conversation := s.createConversation(t, "alice", 0)

	status, _ := s.do(t, http.MethodPost, "/v1/conversations/"+conversation.ID+"/participants", "bob", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, raw := s.do(t, http.MethodPost, "/v1/conversations/"+conversation.ID+"/messages", "alice", appendBody("k1"))
	require.Equal(t, http.StatusAccepted, status)
	var receipt models.Receipt
	require.NoError(t, json.Unmarshal(raw, &receipt))

	status, _ = s.do(t, http.MethodPost, "/v1/messages/"+receipt.ServerID+"/read", "bob", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, raw = s.do(t, http.MethodPost, "/v1/messages/"+receipt.ServerID+"/read", "alice", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, CodeForbidden, errorCode(t, raw))

	status, _ = s.do(t, http.MethodDelete, "/v1/conversations/"+conversation.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, raw = s.do(t, http.MethodGet, "/v1/conversations/"+conversation.ID+"/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeNotFound, errorCode(t, raw))
}

func TestTokenEndpoints(t *testing.T) {
	s := newTestServer(t, relay.Config{}, nil)

	status, raw := s.do(t, http.MethodDelete, "/v1/devices/alice/token", "alice", nil)
	assert.Equal(t, http.StatusNotFound, status, string(raw))

	status, _ = s.do(t, http.MethodPut, "/v1/devices/alice/token", "alice", models.RegisterTokenRequest{PushToken: "token-1"})
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = s.do(t, http.MethodDelete, "/v1/devices/alice/token", "alice", nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, relay.Config{}, nil)
	status, raw := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	var health models.Health
	require.NoError(t, json.Unmarshal(raw, &health))
	assert.Equal(t, models.Health{Status: "ok", RelayID: "relay-1", Version: "test"}, health)

	degraded := newTestServer(t, relay.Config{}, func() error { return errors.New("database closed") })
	status, raw = degraded.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NoError(t, json.Unmarshal(raw, &health))
	assert.Equal(t, "degraded", health.Status)
}

func TestBodyLimitCoversLargestPayload(t *testing.T) {
	limits := relay.Config{MaxCiphertextBytes: 300, MaxNonceBytes: 24, MaxTagBytes: 16}
	limit := bodyLimit(limits)

	raw, err := json.Marshal(models.AppendMessageRequest{
		Ciphertext:     make([]byte, 300),
		Nonce:          make([]byte, 24),
		Tag:            make([]byte, 16),
		IdempotencyKey: string(bytes.Repeat([]byte("k"), 128)),
		LocalID:        string(bytes.Repeat([]byte("l"), 128)),
	})
	require.NoError(t, err)
	assert.Less(t, len(raw), limit)
}
