// Package relay exposes the ephemeral message lifecycle: conversations with a TTL,
// idempotent appends, paged history and device token registration.
package relay

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/cache"
	"ephemera/crypto"
	"ephemera/delivery"
	"ephemera/hint"
	"ephemera/models"
	"ephemera/pagination"
	"ephemera/storage"
)

const (
	// DefaultMaxCiphertextBytes bounds one ciphertext.
	DefaultMaxCiphertextBytes = 256 * 1024
	// DefaultMaxNonceBytes bounds one nonce.
	DefaultMaxNonceBytes = 64
	// DefaultMaxTagBytes bounds one authentication tag.
	DefaultMaxTagBytes = 64
	// DefaultMaxTTL is the longest fixed TTL a conversation may be created with.
	DefaultMaxTTL = 365 * 24 * time.Hour
	// DefaultMaxParticipants bounds the participant set.
	DefaultMaxParticipants = 8
	// DefaultDeleteBatchSize bounds rows removed per statement on delete.
	DefaultDeleteBatchSize = 1000

	maxIdempotencyKeyLength = 128
	maxLocalIDLength        = 128
	maxDeviceIDLength       = 128
	maxPushTokenLength      = 4096

	lockStripes = 64
)

// Store is the persistence used by the service.
type Store interface {
	CreateConversation(ctx context.Context, conversation storage.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*storage.Conversation, error)
	AddParticipant(ctx context.Context, conversationID, deviceID string, joinedAt int64, maxParticipants int) (bool, error)
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
	MarkConversationDeleted(ctx context.Context, conversationID string, at int64) (bool, error)
	DeleteConversationMessages(ctx context.Context, conversationID string, batchSize int) (storage.DeletedBatch, error)
	FindByIdempotencyKey(ctx context.Context, conversationID, senderDeviceID, key string) (*storage.Message, error)
	GetMessageByID(ctx context.Context, messageID string) (*storage.Message, error)
	ListMessages(ctx context.Context, query storage.MessageQuery) ([]storage.Message, error)
	MarkRead(ctx context.Context, messageID string, at int64) (bool, error)
	RegisterToken(ctx context.Context, deviceID, pushToken string, at int64) error
	DeactivateToken(ctx context.Context, pushToken string, at int64) (bool, error)
	GetActiveToken(ctx context.Context, deviceID string) (*storage.DeviceToken, error)
}

// Notifier queues vanish notices for participants.
type Notifier interface {
	EnqueueVanished(kind hint.Kind, conversationID string, recipients []string) bool
}

// Config holds the limits enforced by the service.
type Config struct {
	MaxCiphertextBytes int
	MaxNonceBytes      int
	MaxTagBytes        int
	MaxTTL             time.Duration
	MaxParticipants    int
	DeleteBatchSize    int
	Clock              clock.Clock
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxCiphertextBytes <= 0 {
		out.MaxCiphertextBytes = DefaultMaxCiphertextBytes
	}
	if out.MaxNonceBytes <= 0 {
		out.MaxNonceBytes = DefaultMaxNonceBytes
	}
	if out.MaxTagBytes <= 0 {
		out.MaxTagBytes = DefaultMaxTagBytes
	}
	if out.MaxTTL <= 0 {
		out.MaxTTL = DefaultMaxTTL
	}
	if out.MaxParticipants <= 0 {
		out.MaxParticipants = DefaultMaxParticipants
	}
	if out.DeleteBatchSize <= 0 {
		out.DeleteBatchSize = DefaultDeleteBatchSize
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// AppendRequest is one message submitted by a sender device.
type AppendRequest struct {
	ConversationID string
	SenderDeviceID string
	Ciphertext     []byte
	Nonce          []byte
	Tag            []byte
	IdempotencyKey string
	LocalID        string
}

// MessagesQuery selects one page of history. RequesterDeviceID is optional; when set,
// messages of other senders are marked delivered on first observation.
type MessagesQuery struct {
	ConversationID    string
	Limit             int
	Cursor            string
	RequesterDeviceID string
}

// Service implements the exposed operations.
//
// Writes to one conversation are serialized by a striped lock; reads never take it.
type Service struct {
	store    Store
	cache    *cache.Cache
	pipeline *delivery.Pipeline
	notifier Notifier
	cfg      Config

	locks [lockStripes]sync.Mutex
}

// NewService wires the service. cache and notifier may be nil.
func NewService(store Store, c *cache.Cache, pipeline *delivery.Pipeline, notifier Notifier, cfg Config) *Service {
	return &Service{
		store:    store,
		cache:    c,
		pipeline: pipeline,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
	}
}

// Limits returns the effective limits.
func (s *Service) Limits() Config {
	return s.cfg
}

// CreateConversation creates a conversation owned by ownerDeviceID. A ttl of 0 means
// unlimited. The TTL cannot be changed afterwards.
func (s *Service) CreateConversation(ctx context.Context, ownerDeviceID string, ttl time.Duration) (models.Conversation, error) {
	if err := validateDeviceID(ownerDeviceID); err != nil {
		return models.Conversation{}, err
	}
	switch {
	case ttl < 0:
		return models.Conversation{}, validation("ttl must not be negative")
	case ttl > 0 && ttl < time.Second:
		return models.Conversation{}, validation("ttl must be at least one second")
	case ttl > s.cfg.MaxTTL:
		return models.Conversation{}, validation("ttl exceeds the maximum of %s", s.cfg.MaxTTL)
	}

	now := s.nowMillis()
	conversation := storage.Conversation{
		ConversationID: uuid.NewString(),
		OwnerDeviceID:  ownerDeviceID,
		CreatedAt:      now,
		Status:         storage.ConversationStatusActive,
	}
	if ttl > 0 {
		expiresAt := now + ttl.Milliseconds()
		conversation.ExpiresAt = &expiresAt
	}

	if err := s.store.CreateConversation(ctx, conversation); err != nil {
		return models.Conversation{}, s.storeError(err, "create conversation")
	}
	return toConversation(conversation, []string{ownerDeviceID}, now), nil
}

// GetConversation returns a conversation with its participants. Deleted conversations
// are reported as not found; expired ones are returned with status EXPIRED.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return models.Conversation{}, validation("conversation id is required")
	}

	conversation, _, _, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if conversation.Status == storage.ConversationStatusDeleted {
		return models.Conversation{}, errors.Wrapf(ErrNotFound, "conversation %s", conversationID)
	}

	participants, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, s.storeError(err, "list participants")
	}
	return toConversation(conversation, participants, s.nowMillis()), nil
}

// JoinConversation adds deviceID to the participants of an active conversation.
func (s *Service) JoinConversation(ctx context.Context, conversationID, deviceID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return validation("conversation id is required")
	}
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}

	unlock := s.lock(conversationID)
	defer unlock()

	conversation, err := s.activeConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	return s.addParticipant(ctx, conversation.ConversationID, deviceID)
}

// DeleteConversation deletes a conversation on behalf of its owner. The conversation is
// marked deleted first so that concurrent appends fail, then its messages are removed in
// batches and the remaining participants are told it vanished. Deleting an expired
// conversation succeeds without a status change: it only removes messages the reaper has
// not reached yet.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, requesterDeviceID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return validation("conversation id is required")
	}
	if err := validateDeviceID(requesterDeviceID); err != nil {
		return err
	}

	unlock := s.lock(conversationID)
	defer unlock()

	conversation, _, _, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conversation.Status == storage.ConversationStatusDeleted {
		return errors.Wrapf(ErrNotFound, "conversation %s", conversationID)
	}
	if conversation.OwnerDeviceID != requesterDeviceID {
		return errors.Wrap(ErrForbidden, "only the owner may delete a conversation")
	}
	if conversation.Status == storage.ConversationStatusExpired || conversation.ExpiredAt(s.nowMillis()) {
		s.cache.Evict(conversationID)
		s.deleteMessages(ctx, conversationID)
		return nil
	}

	participants, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return s.storeError(err, "list participants")
	}

	changed, err := s.store.MarkConversationDeleted(ctx, conversationID, s.nowMillis())
	if err != nil {
		return s.storeError(err, "mark conversation deleted")
	}
	if !changed {
		return errors.Wrapf(ErrNotFound, "conversation %s", conversationID)
	}
	s.cache.Evict(conversationID)
	s.deleteMessages(ctx, conversationID)

	if s.notifier != nil {
		recipients := make([]string, 0, len(participants))
		for _, p := range participants {
			if p != requesterDeviceID {
				recipients = append(recipients, p)
			}
		}
		s.notifier.EnqueueVanished(hint.KindDeleted, conversationID, recipients)
	}
	return nil
}

// deleteMessages removes the messages of a conversation in batches. On failure the rest is
// left to the reaper's next sweep.
func (s *Service) deleteMessages(ctx context.Context, conversationID string) {
	for {
		batch, err := s.store.DeleteConversationMessages(ctx, conversationID, s.cfg.DeleteBatchSize)
		if err != nil {
			jww.WARN.Printf("[Relay] batched delete interrupted, leaving the rest to the reaper: %v", err)
			return
		}
		if batch.Count < int64(s.cfg.DeleteBatchSize) {
			return
		}
	}
}

// AppendMessage accepts an opaque message. Retrying with the same idempotency key and
// payload returns the original receipt; the same key with another payload is a conflict.
// The sender joins the conversation implicitly.
func (s *Service) AppendMessage(ctx context.Context, req AppendRequest) (models.Receipt, error) {
	if err := s.validateAppend(req); err != nil {
		return models.Receipt{}, err
	}
	digest := crypto.PayloadDigest(req.Ciphertext, req.Nonce, req.Tag)

	unlock := s.lock(req.ConversationID)
	defer unlock()

	conversation, err := s.activeConversation(ctx, req.ConversationID)
	if err != nil {
		return models.Receipt{}, err
	}

	if receipt, found, err := s.existingReceipt(ctx, req, digest); err != nil || found {
		return receipt, err
	}

	if err := s.addParticipant(ctx, req.ConversationID, req.SenderDeviceID); err != nil {
		return models.Receipt{}, err
	}

	message := storage.Message{
		MessageID:      newMessageID(),
		ConversationID: req.ConversationID,
		SenderDeviceID: req.SenderDeviceID,
		Ciphertext:     req.Ciphertext,
		Nonce:          req.Nonce,
		Tag:            req.Tag,
		PayloadDigest:  digest,
		IdempotencyKey: req.IdempotencyKey,
		LocalID:        req.LocalID,
		CreatedAt:      s.nowMillis(),
		ExpiresAt:      conversation.ExpiresAt,
	}

	receipt, err := s.pipeline.Accept(ctx, message)
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrDuplicate):
			if existing, found, lookupErr := s.existingReceipt(ctx, req, digest); lookupErr != nil || found {
				return existing, lookupErr
			}
			return models.Receipt{}, errors.Wrap(ErrConflict, "idempotency key already used")
		case errors.Is(err, delivery.ErrStoreUnavailable):
			return models.Receipt{}, errors.Wrap(ErrUnavailable, err.Error())
		default:
			return models.Receipt{}, errors.WithMessage(err, "accept message")
		}
	}

	return models.Receipt{
		ServerID:   receipt.MessageID,
		LocalID:    receipt.LocalID,
		AcceptedAt: millisToTime(receipt.AcceptedAt),
	}, nil
}

// GetMessages returns one page of history, newest first. Unknown and deleted
// conversations are not found; an expired conversation yields an empty page.
func (s *Service) GetMessages(ctx context.Context, q MessagesQuery) (models.MessagePage, error) {
	if strings.TrimSpace(q.ConversationID) == "" {
		return models.MessagePage{}, validation("conversation id is required")
	}
	cursor, err := pagination.Parse(q.Cursor)
	if err != nil {
		return models.MessagePage{}, errors.Wrap(ErrValidation, err.Error())
	}
	limit := pagination.ClampLimit(q.Limit)
	now := s.nowMillis()

	// Taken before any store read so a concurrent write invalidates the fill.
	token := s.cache.BeginFill()

	conversation, entry, cached, err := s.loadConversation(ctx, q.ConversationID)
	if err != nil {
		return models.MessagePage{}, err
	}
	if conversation.Status == storage.ConversationStatusDeleted {
		return models.MessagePage{}, errors.Wrapf(ErrNotFound, "conversation %s", q.ConversationID)
	}
	if conversation.Status == storage.ConversationStatusExpired || conversation.ExpiredAt(now) {
		return toPage(pagination.Build[storage.Message](nil, limit, messagePosition)), nil
	}

	var rows []storage.Message
	ok := false
	if cached {
		rows, ok = entry.Page(cursor, now, limit)
	}
	if !ok {
		rows, err = s.readThrough(ctx, token, conversation, cursor, now, limit)
		if err != nil {
			return models.MessagePage{}, err
		}
	}

	page := pagination.Build(rows, limit, messagePosition)
	if s.pipeline != nil {
		page.Items = s.pipeline.Observed(ctx, q.RequesterDeviceID, page.Items)
	}
	return toPage(page), nil
}

// MarkRead records that readerDeviceID read a message. Senders cannot mark their own
// messages; read_at is set at most once.
func (s *Service) MarkRead(ctx context.Context, messageID, readerDeviceID string) error {
	if strings.TrimSpace(messageID) == "" {
		return validation("message id is required")
	}
	if err := validateDeviceID(readerDeviceID); err != nil {
		return err
	}

	message, err := s.store.GetMessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "message %s", messageID)
		}
		return s.storeError(err, "load message")
	}
	if message.SenderDeviceID == readerDeviceID {
		return errors.Wrap(ErrForbidden, "senders cannot mark their own messages read")
	}
	now := s.nowMillis()
	if message.ExpiresAt != nil && *message.ExpiresAt <= now {
		return errors.Wrapf(ErrExpired, "message %s", messageID)
	}

	if _, err := s.activeConversation(ctx, message.ConversationID); err != nil {
		return err
	}
	participants, err := s.store.ListParticipants(ctx, message.ConversationID)
	if err != nil {
		return s.storeError(err, "list participants")
	}
	if !contains(participants, readerDeviceID) {
		return errors.Wrap(ErrForbidden, "device is not a participant")
	}

	changed, err := s.store.MarkRead(ctx, messageID, now)
	if err != nil {
		return s.storeError(err, "mark read")
	}
	if changed {
		s.cache.MarkRead(message.ConversationID, messageID, now)
		if s.pipeline != nil {
			s.pipeline.Observed(ctx, readerDeviceID, []storage.Message{*message})
		}
	}
	return nil
}

// RegisterToken makes pushToken the single active token of deviceID.
func (s *Service) RegisterToken(ctx context.Context, deviceID, pushToken string) error {
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}
	pushToken = strings.TrimSpace(pushToken)
	if pushToken == "" || len(pushToken) > maxPushTokenLength {
		return validation("push token must be 1-%d bytes", maxPushTokenLength)
	}
	if err := s.store.RegisterToken(ctx, deviceID, pushToken, s.nowMillis()); err != nil {
		return s.storeError(err, "register token")
	}
	return nil
}

// DeactivateToken deactivates the active token of deviceID.
func (s *Service) DeactivateToken(ctx context.Context, deviceID string) error {
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}
	token, err := s.store.GetActiveToken(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Wrap(ErrNotFound, "no active token")
		}
		return s.storeError(err, "load token")
	}
	if _, err := s.store.DeactivateToken(ctx, token.PushToken, s.nowMillis()); err != nil {
		return s.storeError(err, "deactivate token")
	}
	return nil
}

// activeConversation loads a conversation that accepts writes. Deleted and unknown
// conversations are not found; one past its TTL is expired even before the reaper ran.
func (s *Service) activeConversation(ctx context.Context, conversationID string) (storage.Conversation, error) {
	conversation, _, _, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return storage.Conversation{}, err
	}
	switch {
	case conversation.Status == storage.ConversationStatusDeleted:
		return storage.Conversation{}, errors.Wrapf(ErrNotFound, "conversation %s", conversationID)
	case conversation.Status == storage.ConversationStatusExpired || conversation.ExpiredAt(s.nowMillis()):
		return storage.Conversation{}, errors.Wrapf(ErrExpired, "conversation %s", conversationID)
	}
	return conversation, nil
}

// loadConversation returns the conversation record, from cache when possible.
func (s *Service) loadConversation(ctx context.Context, conversationID string) (storage.Conversation, cache.Entry, bool, error) {
	if entry, ok := s.cache.Get(conversationID); ok {
		return entry.Conversation, entry, true, nil
	}
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Conversation{}, cache.Entry{}, false, errors.Wrapf(ErrNotFound, "conversation %s", conversationID)
		}
		return storage.Conversation{}, cache.Entry{}, false, s.storeError(err, "load conversation")
	}
	return *conversation, cache.Entry{}, false, nil
}

// readThrough loads rows from the store. First-page reads also refill the cache with
// the newest messages of the conversation.
func (s *Service) readThrough(ctx context.Context, token uint64, conversation storage.Conversation, cursor *pagination.Cursor, now int64, limit int) ([]storage.Message, error) {
	fetch := limit + 1
	fill := cursor == nil && s.cache.Enabled()
	if fill {
		if recent := s.cache.RecentMessages() + 1; recent > fetch {
			fetch = recent
		}
	}

	rows, err := s.store.ListMessages(ctx, storage.MessageQuery{
		ConversationID: conversation.ConversationID,
		Before:         cursor,
		NowMillis:      now,
		Limit:          fetch,
	})
	if err != nil {
		return nil, s.storeError(err, "list messages")
	}

	if fill {
		recent := s.cache.RecentMessages()
		window := rows
		if len(window) > recent {
			window = window[:recent]
		}
		ascending := make([]storage.Message, len(window))
		for i, m := range window {
			ascending[len(window)-1-i] = m
		}
		s.cache.Fill(token, cache.Entry{
			Conversation: conversation,
			Messages:     ascending,
			Complete:     len(rows) <= recent,
		})
	}

	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}
	return rows, nil
}

// existingReceipt resolves an idempotent retry.
func (s *Service) existingReceipt(ctx context.Context, req AppendRequest, digest string) (models.Receipt, bool, error) {
	existing, err := s.store.FindByIdempotencyKey(ctx, req.ConversationID, req.SenderDeviceID, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Receipt{}, false, nil
		}
		return models.Receipt{}, false, s.storeError(err, "look up idempotency key")
	}
	if !crypto.DigestsEqual(existing.PayloadDigest, digest) {
		return models.Receipt{}, true, errors.Wrap(ErrConflict, "idempotency key already used")
	}
	return models.Receipt{
		ServerID:   existing.MessageID,
		LocalID:    existing.LocalID,
		AcceptedAt: millisToTime(existing.CreatedAt),
		Duplicate:  true,
	}, true, nil
}

func (s *Service) addParticipant(ctx context.Context, conversationID, deviceID string) error {
	_, err := s.store.AddParticipant(ctx, conversationID, deviceID, s.nowMillis(), s.cfg.MaxParticipants)
	if err != nil {
		if errors.Is(err, storage.ErrParticipantLimit) {
			return errors.Wrapf(ErrForbidden, "conversation is limited to %d participants", s.cfg.MaxParticipants)
		}
		return s.storeError(err, "add participant")
	}
	return nil
}

func (s *Service) validateAppend(req AppendRequest) error {
	if strings.TrimSpace(req.ConversationID) == "" {
		return validation("conversation id is required")
	}
	if err := validateDeviceID(req.SenderDeviceID); err != nil {
		return err
	}
	if len(req.Ciphertext) == 0 {
		return validation("ciphertext is required")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" || len(key) > maxIdempotencyKeyLength {
		return validation("idempotency key must be 1-%d bytes", maxIdempotencyKeyLength)
	}
	if len(req.LocalID) > maxLocalIDLength {
		return validation("local id must be at most %d bytes", maxLocalIDLength)
	}
	if len(req.Ciphertext) > s.cfg.MaxCiphertextBytes {
		return errors.Wrapf(ErrPayloadTooLarge, "ciphertext exceeds %d bytes", s.cfg.MaxCiphertextBytes)
	}
	if len(req.Nonce) > s.cfg.MaxNonceBytes {
		return errors.Wrapf(ErrPayloadTooLarge, "nonce exceeds %d bytes", s.cfg.MaxNonceBytes)
	}
	if len(req.Tag) > s.cfg.MaxTagBytes {
		return errors.Wrapf(ErrPayloadTooLarge, "tag exceeds %d bytes", s.cfg.MaxTagBytes)
	}
	return nil
}

// storeError classifies store failures. Busy or locked databases are unavailable.
func (s *Service) storeError(err error, action string) error {
	if storage.IsTransient(err) {
		return errors.Wrapf(ErrUnavailable, "%s: %v", action, err)
	}
	return errors.WithMessage(err, action)
}

func (s *Service) lock(conversationID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) nowMillis() int64 {
	return s.cfg.Clock.Now().UnixMilli()
}

func validateDeviceID(deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return validation("device id is required")
	}
	if len(deviceID) > maxDeviceIDLength {
		return validation("device id must be at most %d bytes", maxDeviceIDLength)
	}
	return nil
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
