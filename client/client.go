// Package client talks to an ephemera relay and keeps the device-side state a
// well-behaved sender needs: a durable outbox and push token renewal.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"ephemera/models"
)

const (
	deviceHeader = "X-Device-ID"

	// DefaultTimeout bounds one request when the context carries no deadline.
	DefaultTimeout = 10 * time.Second
)

// Client is an HTTP client for one device.
type Client struct {
	baseURL  string
	deviceID string
	timeout  time.Duration
	http     *fiber.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a client for the relay at baseURL acting as deviceID.
func New(baseURL, deviceID string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		timeout:  DefaultTimeout,
		http:     &fiber.Client{UserAgent: "ephemera-client"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceID returns the identity the client sends.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// CreateConversation creates a conversation owned by this device. A ttl of 0 means unlimited.
func (c *Client) CreateConversation(ctx context.Context, ttl time.Duration) (models.Conversation, error) {
	var out models.Conversation
	body := models.CreateConversationRequest{TTLSeconds: int64(ttl / time.Second)}
	err := c.do(ctx, fiber.MethodPost, "/v1/conversations", body, &out)
	return out, err
}

// GetConversation fetches a conversation with its participants.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var out models.Conversation
	err := c.do(ctx, fiber.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID), nil, &out)
	return out, err
}

// JoinConversation adds this device to a conversation.
func (c *Client) JoinConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, fiber.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/participants", nil, nil)
}

// DeleteConversation deletes a conversation this device owns.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, fiber.MethodDelete, "/v1/conversations/"+url.PathEscape(conversationID), nil, nil)
}

// AppendMessage submits one encrypted message.
func (c *Client) AppendMessage(ctx context.Context, conversationID string, req models.AppendMessageRequest) (models.Receipt, error) {
	var out models.Receipt
	err := c.do(ctx, fiber.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", req, &out)
	return out, err
}

// GetMessages fetches one page of history, newest first. An empty cursor selects the newest page.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit int, cursor string) (models.MessagePage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out models.MessagePage
	err := c.do(ctx, fiber.MethodGet, path, nil, &out)
	return out, err
}

// MarkRead marks a message of another sender as read.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, fiber.MethodPost, "/v1/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// RegisterToken makes pushToken the active push token of this device.
func (c *Client) RegisterToken(ctx context.Context, pushToken string) error {
	return c.do(ctx, fiber.MethodPut, c.devicePath("/token"), models.RegisterTokenRequest{PushToken: pushToken}, nil)
}

// DeactivateToken removes the active push token of this device.
func (c *Client) DeactivateToken(ctx context.Context) error {
	return c.do(ctx, fiber.MethodDelete, c.devicePath("/token"), nil, nil)
}

// Health queries the relay health endpoint.
func (c *Client) Health(ctx context.Context) (models.Health, error) {
	var out models.Health
	err := c.do(ctx, fiber.MethodGet, "/healthz", nil, &out)
	return out, err
}

func (c *Client) devicePath(suffix string) string {
	return "/v1/devices/" + url.PathEscape(c.deviceID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	agent := c.agent(method, c.baseURL+path)
	agent.Set(deviceHeader, c.deviceID)
	agent.Timeout(c.requestTimeout(ctx))
	if body != nil {
		agent.JSON(body)
	}

	status, raw, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrTransport, errs[0])
	}
	if status < 200 || status > 299 {
		return decodeError(status, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) agent(method, target string) *fiber.Agent {
	switch method {
	case fiber.MethodPost:
		return c.http.Post(target)
	case fiber.MethodPut:
		return c.http.Put(target)
	case fiber.MethodDelete:
		return c.http.Delete(target)
	default:
		return c.http.Get(target)
	}
}

// requestTimeout honours the context deadline when it is sooner than the client timeout.
func (c *Client) requestTimeout(ctx context.Context) time.Duration {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}

func decodeError(status int, raw []byte) error {
	var body models.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return &APIError{Status: status, Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{Status: status, Code: body.Code, Message: body.Message}
}
