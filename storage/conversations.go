package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateConversation inserts a conversation and registers its owner as the first participant.
func (s *Store) CreateConversation(ctx context.Context, conversation Conversation) error {
	if conversation.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if conversation.OwnerDeviceID == "" {
		return errors.New("owner_device_id is required")
	}
	if conversation.CreatedAt == 0 {
		conversation.CreatedAt = nowUnixMilli()
	}
	if conversation.ExpiresAt != nil && *conversation.ExpiresAt <= conversation.CreatedAt {
		return errors.New("expires_at must be after created_at")
	}
	if conversation.Status == "" {
		conversation.Status = ConversationStatusActive
	}
	if err := validateConversationStatus(conversation.Status); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create conversation %q: %w", conversation.ConversationID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (
			conversation_id,
			owner_device_id,
			created_at,
			expires_at,
			status
		) VALUES (?, ?, ?, ?, ?)`,
		conversation.ConversationID,
		conversation.OwnerDeviceID,
		conversation.CreatedAt,
		nullInt64(conversation.ExpiresAt),
		conversation.Status,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert conversation %q: %w", conversation.ConversationID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (conversation_id, device_id, joined_at) VALUES (?, ?, ?)`,
		conversation.ConversationID,
		conversation.OwnerDeviceID,
		conversation.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert owner participant %q: %w", conversation.ConversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create conversation %q: %w", conversation.ConversationID, err)
	}
	return nil
}

// GetConversation fetches one conversation by ID, including tombstones.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT
			conversation_id,
			owner_device_id,
			created_at,
			expires_at,
			status,
			status_changed_at
		FROM conversations
		WHERE conversation_id = ?`,
		conversationID,
	)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}
	return conversation, nil
}

// AddParticipant joins deviceID to a conversation, enforcing maxParticipants (0 disables the cap).
// It reports false when the device was already a participant.
func (s *Store) AddParticipant(ctx context.Context, conversationID, deviceID string, joinedAt int64, maxParticipants int) (bool, error) {
	if conversationID == "" {
		return false, errors.New("conversation_id is required")
	}
	if deviceID == "" {
		return false, errors.New("device_id is required")
	}
	if joinedAt == 0 {
		joinedAt = nowUnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin add participant %q: %w", conversationID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists, count int
	if err := tx.QueryRowContext(ctx,
		`SELECT
			EXISTS(SELECT 1 FROM participants WHERE conversation_id = ? AND device_id = ?),
			(SELECT COUNT(1) FROM participants WHERE conversation_id = ?)`,
		conversationID,
		deviceID,
		conversationID,
	).Scan(&exists, &count); err != nil {
		return false, fmt.Errorf("count participants %q: %w", conversationID, err)
	}
	if exists == 1 {
		return false, nil
	}
	if maxParticipants > 0 && count >= maxParticipants {
		return false, ErrParticipantLimit
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (conversation_id, device_id, joined_at) VALUES (?, ?, ?)`,
		conversationID,
		deviceID,
		joinedAt,
	); err != nil {
		return false, fmt.Errorf("insert participant %q: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit add participant %q: %w", conversationID, err)
	}
	return true, nil
}

// ListParticipants returns participant device IDs in join order.
func (s *Store) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id
		FROM participants
		WHERE conversation_id = ?
		ORDER BY joined_at, device_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants %q: %w", conversationID, err)
	}
	defer rows.Close()

	devices := make([]string, 0)
	for rows.Next() {
		var deviceID string
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		devices = append(devices, deviceID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return devices, nil
}

// MarkConversationDeleted moves an active conversation to deleted.
// It reports false when the conversation was not active.
func (s *Store) MarkConversationDeleted(ctx context.Context, conversationID string, at int64) (bool, error) {
	return s.transitionConversation(ctx, conversationID, ConversationStatusDeleted, at)
}

func (s *Store) transitionConversation(ctx context.Context, conversationID, status string, at int64) (bool, error) {
	if conversationID == "" {
		return false, errors.New("conversation_id is required")
	}
	if at == 0 {
		at = nowUnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		SET status = ?, status_changed_at = ?
		WHERE conversation_id = ? AND status = ?`,
		status,
		at,
		conversationID,
		ConversationStatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("set conversation %q status %q: %w", conversationID, status, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for conversation status %q: %w", conversationID, err)
	}
	return rowsAffected > 0, nil
}

// ExpireConversations marks up to limit active conversations whose TTL elapsed as expired
// and returns their IDs.
func (s *Store) ExpireConversations(ctx context.Context, nowMillis int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire conversations: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT conversation_id
		FROM conversations
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`,
		ConversationStatusActive,
		nowMillis,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired conversations: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired conversation row: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired conversation rows: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	args := make([]any, 0, len(ids)+3)
	args = append(args, ConversationStatusExpired, nowMillis, ConversationStatusActive)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations
		SET status = ?, status_changed_at = ?
		WHERE status = ? AND conversation_id IN (`+placeholders(len(ids))+`)`,
		args...,
	); err != nil {
		return nil, fmt.Errorf("mark conversations expired: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire conversations: %w", err)
	}
	return ids, nil
}

// PurgeTombstones hard-deletes expired or deleted conversations whose status changed before
// cutoff and which no longer hold messages.
func (s *Store) PurgeTombstones(ctx context.Context, cutoffMillis int64, limit int) (int64, error) {
	if cutoffMillis <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	if limit <= 0 {
		limit = 1000
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations
		WHERE conversation_id IN (
			SELECT c.conversation_id
			FROM conversations c
			WHERE c.status IN (?, ?)
			  AND c.status_changed_at IS NOT NULL
			  AND c.status_changed_at < ?
			  AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.conversation_id)
			LIMIT ?
		)`,
		ConversationStatusExpired,
		ConversationStatusDeleted,
		cutoffMillis,
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("purge conversation tombstones: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for tombstone purge: %w", err)
	}
	return rowsAffected, nil
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		conversation    Conversation
		expiresAt       sql.NullInt64
		statusChangedAt sql.NullInt64
	)

	if err := row.Scan(
		&conversation.ConversationID,
		&conversation.OwnerDeviceID,
		&conversation.CreatedAt,
		&expiresAt,
		&conversation.Status,
		&statusChangedAt,
	); err != nil {
		return nil, err
	}

	conversation.ExpiresAt = int64Ptr(expiresAt)
	conversation.StatusChangedAt = int64Ptr(statusChangedAt)
	return &conversation, nil
}
