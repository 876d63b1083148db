package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RegisterToken stores pushToken as the single active token for deviceID.
// Any other active token of the device is deactivated in the same transaction.
func (s *Store) RegisterToken(ctx context.Context, deviceID, pushToken string, at int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(pushToken) == "" {
		return errors.New("push_token is required")
	}
	if at == 0 {
		at = nowUnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register token for %q: %w", deviceID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE device_tokens
		SET active = 0, updated_at = ?
		WHERE active = 1 AND device_id = ? AND push_token <> ?`,
		at,
		deviceID,
		pushToken,
	); err != nil {
		return fmt.Errorf("deactivate previous tokens for %q: %w", deviceID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_tokens (push_token, device_id, registered_at, updated_at, active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(push_token) DO UPDATE SET
			device_id = excluded.device_id,
			updated_at = excluded.updated_at,
			active = 1`,
		pushToken,
		deviceID,
		at,
		at,
	); err != nil {
		return fmt.Errorf("upsert token for %q: %w", deviceID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit register token for %q: %w", deviceID, err)
	}
	return nil
}

// DeactivateToken marks a push token inactive. It reports false when the token was
// unknown or already inactive.
func (s *Store) DeactivateToken(ctx context.Context, pushToken string, at int64) (bool, error) {
	if pushToken == "" {
		return false, errors.New("push_token is required")
	}
	if at == 0 {
		at = nowUnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE device_tokens
		SET active = 0, updated_at = ?
		WHERE push_token = ? AND active = 1`,
		at,
		pushToken,
	)
	if err != nil {
		return false, fmt.Errorf("deactivate token: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for deactivate token: %w", err)
	}
	return rowsAffected > 0, nil
}

// GetActiveToken returns the active token of a device, or ErrNotFound.
func (s *Store) GetActiveToken(ctx context.Context, deviceID string) (*DeviceToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT push_token, device_id, registered_at, updated_at, active
		FROM device_tokens
		WHERE device_id = ? AND active = 1`,
		deviceID,
	)

	token, err := scanDeviceToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active token for %q: %w", deviceID, err)
	}
	return token, nil
}

// ActiveTokens returns the active tokens held by any of deviceIDs.
func (s *Store) ActiveTokens(ctx context.Context, deviceIDs []string) ([]DeviceToken, error) {
	tokens := make([]DeviceToken, 0, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return tokens, nil
	}

	args := make([]any, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT push_token, device_id, registered_at, updated_at, active
		FROM device_tokens
		WHERE active = 1 AND device_id IN (`+placeholders(len(deviceIDs))+`)
		ORDER BY device_id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		token, err := scanDeviceToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, *token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}
	return tokens, nil
}

func scanDeviceToken(row scanner) (*DeviceToken, error) {
	var (
		token  DeviceToken
		active int
	)
	if err := row.Scan(
		&token.PushToken,
		&token.DeviceID,
		&token.RegisteredAt,
		&token.UpdatedAt,
		&active,
	); err != nil {
		return nil, err
	}
	token.Active = active == 1
	return &token, nil
}
