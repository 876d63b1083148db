package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultLocalDBFileName is the SQLite filename under the client data dir.
	DefaultLocalDBFileName = "client.db"

	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"
)

// ErrNoState is returned by LocalStore.GetState for unknown keys.
var ErrNoState = errors.New("client: state key not set")

var localMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS outbox (
  local_id         TEXT PRIMARY KEY,
  conversation_id  TEXT NOT NULL,
  idempotency_key  TEXT NOT NULL UNIQUE,
  ciphertext       BLOB NOT NULL,
  nonce            BLOB NOT NULL,
  tag              BLOB NOT NULL,
  status           TEXT NOT NULL CHECK(status IN ('pending','sent','failed')) DEFAULT 'pending',
  server_id        TEXT,
  attempts         INTEGER NOT NULL DEFAULT 0,
  last_error       TEXT,
  created_at       INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_outbox_pending
ON outbox (status, created_at);
`,
	`
CREATE TABLE IF NOT EXISTS client_state (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
}

// OutboxItem is one locally composed message waiting to be accepted by the relay.
type OutboxItem struct {
	LocalID        string
	ConversationID string
	IdempotencyKey string
	Ciphertext     []byte
	Nonce          []byte
	Tag            []byte
	Status         string
	ServerID       string
	Attempts       int
	LastError      string
	CreatedAt      int64
	UpdatedAt      int64
}

// LocalStore is the device-side SQLite database.
type LocalStore struct {
	db *sql.DB
}

// OpenLocal opens (or creates) client.db under dataDir and runs migrations.
func OpenLocal(dataDir string) (*LocalStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create client data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(filepath.Join(dataDir, DefaultLocalDBFileName)))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open client database: %w", err)
	}
	// One connection keeps the outbox strictly serialized.
	db.SetMaxOpenConns(1)

	store := &LocalStore{db: db}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *LocalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LocalStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read client schema version: %w", err)
	}
	if version >= len(localMigrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin client migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(localMigrations); i++ {
		if _, err := tx.Exec(localMigrations[i]); err != nil {
			return fmt.Errorf("apply client migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set client schema version %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// InsertOutbox stores a new pending item.
func (s *LocalStore) InsertOutbox(ctx context.Context, item OutboxItem) error {
	if item.LocalID == "" || item.ConversationID == "" || item.IdempotencyKey == "" {
		return errors.New("local_id, conversation_id and idempotency_key are required")
	}
	if item.Nonce == nil {
		item.Nonce = []byte{}
	}
	if item.Tag == nil {
		item.Tag = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (
			local_id, conversation_id, idempotency_key, ciphertext, nonce, tag,
			status, attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		item.LocalID,
		item.ConversationID,
		item.IdempotencyKey,
		item.Ciphertext,
		item.Nonce,
		item.Tag,
		outboxPending,
		item.CreatedAt,
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox item %q: %w", item.LocalID, err)
	}
	return nil
}

// PendingOutbox returns pending items, oldest first.
func (s *LocalStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT local_id, conversation_id, idempotency_key, ciphertext, nonce, tag,
			status, COALESCE(server_id, ''), attempts, COALESCE(last_error, ''), created_at, updated_at
		FROM outbox
		WHERE status = ?
		ORDER BY created_at ASC, local_id ASC
		LIMIT ?`,
		outboxPending,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox: %w", err)
	}
	defer rows.Close()

	items := make([]OutboxItem, 0)
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return items, nil
}

// GetOutboxItem fetches one item by local id.
func (s *LocalStore) GetOutboxItem(ctx context.Context, localID string) (*OutboxItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT local_id, conversation_id, idempotency_key, ciphertext, nonce, tag,
			status, COALESCE(server_id, ''), attempts, COALESCE(last_error, ''), created_at, updated_at
		FROM outbox
		WHERE local_id = ?`,
		localID,
	)
	item, err := scanOutboxItem(row)
	if err != nil {
		return nil, fmt.Errorf("get outbox item %q: %w", localID, err)
	}
	return item, nil
}

// MarkOutboxSent records the relay's server id for an accepted item.
func (s *LocalStore) MarkOutboxSent(ctx context.Context, localID, serverID string, at int64) error {
	return s.finishOutbox(ctx, localID, outboxSent, serverID, "", at)
}

// MarkOutboxFailed gives up on an item the relay will never accept.
func (s *LocalStore) MarkOutboxFailed(ctx context.Context, localID, reason string, at int64) error {
	return s.finishOutbox(ctx, localID, outboxFailed, "", reason, at)
}

// RecordOutboxAttempt counts a transient failure and keeps the item pending.
func (s *LocalStore) RecordOutboxAttempt(ctx context.Context, localID, reason string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox
		SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE local_id = ? AND status = ?`,
		reason,
		at,
		localID,
		outboxPending,
	)
	if err != nil {
		return fmt.Errorf("record outbox attempt %q: %w", localID, err)
	}
	return nil
}

func (s *LocalStore) finishOutbox(ctx context.Context, localID, status, serverID, reason string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox
		SET status = ?, server_id = NULLIF(?, ''), last_error = NULLIF(?, ''),
			attempts = attempts + 1, updated_at = ?
		WHERE local_id = ? AND status = ?`,
		status,
		serverID,
		reason,
		at,
		localID,
		outboxPending,
	)
	if err != nil {
		return fmt.Errorf("mark outbox item %q %s: %w", localID, status, err)
	}
	return nil
}

// GetState returns a persisted client setting, or ErrNoState.
func (s *LocalStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM client_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoState
		}
		return "", fmt.Errorf("get client state %q: %w", key, err)
	}
	return value, nil
}

// SetState persists a client setting.
func (s *LocalStore) SetState(ctx context.Context, key, value string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO client_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		at,
	)
	if err != nil {
		return fmt.Errorf("set client state %q: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxItem(row rowScanner) (*OutboxItem, error) {
	var item OutboxItem
	if err := row.Scan(
		&item.LocalID,
		&item.ConversationID,
		&item.IdempotencyKey,
		&item.Ciphertext,
		&item.Nonce,
		&item.Tag,
		&item.Status,
		&item.ServerID,
		&item.Attempts,
		&item.LastError,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &item, nil
}
