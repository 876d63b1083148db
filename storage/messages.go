package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ephemera/pagination"
)

const messageColumns = `
			message_id,
			conversation_id,
			sender_device_id,
			ciphertext,
			nonce,
			tag,
			payload_digest,
			idempotency_key,
			local_id,
			created_at,
			expires_at,
			read_at,
			delivery_status,
			status_changed_at`

// MessageQuery selects one page of a conversation, newest first.
type MessageQuery struct {
	ConversationID string
	// Before restricts results to messages strictly older than the cursor position.
	Before *pagination.Cursor
	// NowMillis hides messages whose TTL already elapsed but were not yet swept.
	NowMillis int64
	Limit     int
}

// InsertMessage inserts a new message row. A reused idempotency key yields ErrDuplicate.
func (s *Store) InsertMessage(ctx context.Context, message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if message.SenderDeviceID == "" {
		return errors.New("sender_device_id is required")
	}
	if len(message.Ciphertext) == 0 {
		return errors.New("ciphertext is required")
	}
	if message.IdempotencyKey == "" {
		return errors.New("idempotency_key is required")
	}
	if message.PayloadDigest == "" {
		return errors.New("payload_digest is required")
	}
	if message.DeliveryStatus == "" {
		message.DeliveryStatus = DeliveryStatusPending
	}
	if err := validateDeliveryStatus(message.DeliveryStatus); err != nil {
		return err
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = nowUnixMilli()
	}
	if message.Nonce == nil {
		message.Nonce = []byte{}
	}
	if message.Tag == nil {
		message.Tag = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.ConversationID,
		message.SenderDeviceID,
		message.Ciphertext,
		message.Nonce,
		message.Tag,
		message.PayloadDigest,
		message.IdempotencyKey,
		message.LocalID,
		message.CreatedAt,
		nullInt64(message.ExpiresAt),
		nullInt64(message.ReadAt),
		message.DeliveryStatus,
		nullInt64(message.StatusChangedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(ctx context.Context, messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// FindByIdempotencyKey returns the message a sender already stored under key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, conversationID, senderDeviceID, key string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND sender_device_id = ? AND idempotency_key = ?`,
		conversationID,
		senderDeviceID,
		key,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find message by idempotency key in %q: %w", conversationID, err)
	}
	return message, nil
}

// ListMessages returns up to query.Limit messages ordered by (created_at, message_id) descending.
func (s *Store) ListMessages(ctx context.Context, query MessageQuery) ([]Message, error) {
	if query.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if query.Limit <= 0 {
		query.Limit = pagination.DefaultLimit
	}
	if query.NowMillis == 0 {
		query.NowMillis = nowUnixMilli()
	}

	hasCursor := 0
	var beforeCreatedAt int64
	var beforeID string
	if query.Before != nil {
		hasCursor = 1
		beforeCreatedAt = query.Before.CreatedAt
		beforeID = query.Before.MessageID
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND (? = 0 OR created_at < ? OR (created_at = ? AND message_id < ?))
		ORDER BY created_at DESC, message_id DESC
		LIMIT ?`,
		query.ConversationID,
		query.NowMillis,
		hasCursor,
		beforeCreatedAt,
		beforeCreatedAt,
		beforeID,
		query.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for conversation %q: %w", query.ConversationID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0, query.Limit)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// TransitionDeliveryStatus moves a message from one delivery status to another.
// It reports false, without error, when the message is not currently in from.
func (s *Store) TransitionDeliveryStatus(ctx context.Context, messageID, from, to string, at int64) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if err := validateDeliveryStatus(from); err != nil {
		return false, err
	}
	if err := validateDeliveryStatus(to); err != nil {
		return false, err
	}
	if at == 0 {
		at = nowUnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		SET delivery_status = ?, status_changed_at = ?
		WHERE message_id = ? AND delivery_status = ?`,
		to,
		at,
		messageID,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("update delivery status for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for update delivery status %q: %w", messageID, err)
	}
	return rowsAffected > 0, nil
}

// MarkRead sets read_at once. It reports false when read_at was already set.
func (s *Store) MarkRead(ctx context.Context, messageID string, at int64) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if at == 0 {
		at = nowUnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		SET read_at = ?
		WHERE message_id = ? AND read_at IS NULL`,
		at,
		messageID,
	)
	if err != nil {
		return false, fmt.Errorf("mark read for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for mark read %q: %w", messageID, err)
	}
	return rowsAffected > 0, nil
}

// DeleteExpiredMessages hard-deletes at most batchSize messages whose TTL elapsed.
func (s *Store) DeleteExpiredMessages(ctx context.Context, nowMillis int64, batchSize int) (DeletedBatch, error) {
	return s.deleteMessageBatch(ctx,
		`SELECT message_id, conversation_id
		FROM messages
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		LIMIT ?`,
		batchSize,
		nowMillis,
	)
}

// DeleteConversationMessages hard-deletes at most batchSize messages of one conversation.
func (s *Store) DeleteConversationMessages(ctx context.Context, conversationID string, batchSize int) (DeletedBatch, error) {
	if conversationID == "" {
		return DeletedBatch{}, errors.New("conversation_id is required")
	}
	return s.deleteMessageBatch(ctx,
		`SELECT message_id, conversation_id
		FROM messages
		WHERE conversation_id = ?
		LIMIT ?`,
		batchSize,
		conversationID,
	)
}

// DeleteOrphanedMessages hard-deletes at most batchSize messages whose conversation was deleted.
// It finishes cascades that were interrupted mid-way.
func (s *Store) DeleteOrphanedMessages(ctx context.Context, batchSize int) (DeletedBatch, error) {
	return s.deleteMessageBatch(ctx,
		`SELECT m.message_id, m.conversation_id
		FROM messages m
		JOIN conversations c ON c.conversation_id = m.conversation_id
		WHERE c.status = ?
		LIMIT ?`,
		batchSize,
		ConversationStatusDeleted,
	)
}

func (s *Store) deleteMessageBatch(ctx context.Context, selectQuery string, batchSize int, args ...any) (DeletedBatch, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeletedBatch{}, fmt.Errorf("begin message delete batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, selectQuery, append(args, batchSize)...)
	if err != nil {
		return DeletedBatch{}, fmt.Errorf("select message delete batch: %w", err)
	}

	ids := make([]any, 0, batchSize)
	seen := make(map[string]struct{})
	batch := DeletedBatch{ConversationIDs: make([]string, 0)}
	for rows.Next() {
		var messageID, conversationID string
		if err := rows.Scan(&messageID, &conversationID); err != nil {
			rows.Close()
			return DeletedBatch{}, fmt.Errorf("scan message delete row: %w", err)
		}
		ids = append(ids, messageID)
		if _, ok := seen[conversationID]; !ok {
			seen[conversationID] = struct{}{}
			batch.ConversationIDs = append(batch.ConversationIDs, conversationID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DeletedBatch{}, fmt.Errorf("iterate message delete rows: %w", err)
	}
	if len(ids) == 0 {
		return batch, nil
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id IN (`+placeholders(len(ids))+`)`,
		ids...,
	)
	if err != nil {
		return DeletedBatch{}, fmt.Errorf("delete message batch: %w", err)
	}
	batch.Count, err = res.RowsAffected()
	if err != nil {
		return DeletedBatch{}, fmt.Errorf("read rows affected for message delete batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DeletedBatch{}, fmt.Errorf("commit message delete batch: %w", err)
	}
	return batch, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message         Message
		expiresAt       sql.NullInt64
		readAt          sql.NullInt64
		statusChangedAt sql.NullInt64
	)

	if err := row.Scan(
		&message.MessageID,
		&message.ConversationID,
		&message.SenderDeviceID,
		&message.Ciphertext,
		&message.Nonce,
		&message.Tag,
		&message.PayloadDigest,
		&message.IdempotencyKey,
		&message.LocalID,
		&message.CreatedAt,
		&expiresAt,
		&readAt,
		&message.DeliveryStatus,
		&statusChangedAt,
	); err != nil {
		return nil, err
	}

	message.ExpiresAt = int64Ptr(expiresAt)
	message.ReadAt = int64Ptr(readAt)
	message.StatusChangedAt = int64Ptr(statusChangedAt)
	return &message, nil
}
