package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// DefaultDBFileName is the SQLite filename under the relay data dir.
	DefaultDBFileName = "relay.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 6 * time.Hour
	// DefaultBusyTimeout is how long SQLite waits on a locked database before failing.
	DefaultBusyTimeout = 5 * time.Second
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id   TEXT PRIMARY KEY,
  owner_device_id   TEXT NOT NULL,
  created_at        INTEGER NOT NULL,
  expires_at        INTEGER,
  status            TEXT NOT NULL CHECK(status IN ('active','expired','deleted')) DEFAULT 'active',
  status_changed_at INTEGER,
  CHECK (expires_at IS NULL OR expires_at > created_at)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_conversations_status_expiry
ON conversations (status, expires_at);
`,
	`
CREATE TABLE IF NOT EXISTS participants (
  conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
  device_id       TEXT NOT NULL,
  joined_at       INTEGER NOT NULL,
  PRIMARY KEY (conversation_id, device_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id        TEXT PRIMARY KEY,
  conversation_id   TEXT NOT NULL REFERENCES conversations(conversation_id),
  sender_device_id  TEXT NOT NULL,
  ciphertext        BLOB NOT NULL,
  nonce             BLOB NOT NULL,
  tag               BLOB NOT NULL,
  payload_digest    TEXT NOT NULL,
  idempotency_key   TEXT NOT NULL,
  local_id          TEXT NOT NULL DEFAULT '',
  created_at        INTEGER NOT NULL,
  expires_at        INTEGER,
  read_at           INTEGER,
  delivery_status   TEXT NOT NULL CHECK(delivery_status IN ('pending','sent','delivered','failed')) DEFAULT 'pending',
  status_changed_at INTEGER
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
ON messages (conversation_id, sender_device_id, idempotency_key);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_order
ON messages (conversation_id, created_at DESC, message_id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_expiry
ON messages (expires_at) WHERE expires_at IS NOT NULL;
`,
	`
CREATE TABLE IF NOT EXISTS device_tokens (
  push_token    TEXT PRIMARY KEY,
  device_id     TEXT NOT NULL,
  registered_at INTEGER NOT NULL,
  updated_at    INTEGER NOT NULL,
  active        INTEGER NOT NULL DEFAULT 1
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_device_tokens_one_active
ON device_tokens (device_id) WHERE active = 1;
`,
}

// Store is the relay's SQLite-backed conversation, message and token store.
type Store struct {
	db *sql.DB

	checkpointEvery time.Duration
	cancel          context.CancelFunc
	loopDone        chan struct{}
	closeOnce       sync.Once
}

// Open opens (or creates) relay.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, DefaultBusyTimeout)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and brings the schema up to date.
//
// Write transactions take the database lock up front (_txlock=immediate) so
// concurrent writers queue on the busy timeout instead of failing on a lock upgrade.
func OpenPath(dbPath string, busyTimeout time.Duration) (*Store, error) {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dataSourceName(dbPath, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", dbPath, err)
	}

	store := &Store{db: db, checkpointEvery: DefaultWALCheckpointInterval}
	if err := store.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startCheckpointLoop()
	return store, nil
}

func dataSourceName(dbPath string, busyTimeout time.Duration) string {
	return fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		filepath.ToSlash(dbPath),
		busyTimeout.Milliseconds(),
	)
}

func (s *Store) prepare() error {
	if err := s.Ping(); err != nil {
		return err
	}

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", journalMode)
	}

	if err := s.migrate(); err != nil {
		return err
	}
	return s.checkpoint()
}

// Close stops the checkpoint loop and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.loopDone
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// Ping reports whether the database is reachable.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}
	return nil
}

// SchemaVersion returns the number of applied migrations.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration past the recorded schema version, one transaction each.
func (s *Store) migrate() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this relay (%d)", version, len(migrations))
	}

	for next := version; next < len(migrations); next++ {
		if err := s.applyMigration(next); err != nil {
			return err
		}
	}
	if version < len(migrations) {
		jww.INFO.Printf("[Store] schema migrated from version %d to %d", version, len(migrations))
	}
	return nil
}

func (s *Store) applyMigration(index int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", index+1, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(migrations[index]); err != nil {
		return fmt.Errorf("apply migration %d: %w", index+1, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", index+1)); err != nil {
		return fmt.Errorf("record schema version %d: %w", index+1, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", index+1, err)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}
	return nil
}

// startCheckpointLoop truncates the WAL periodically until Close.
func (s *Store) startCheckpointLoop() {
	if s.checkpointEvery <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})

	go func() {
		defer close(s.loopDone)
		ticker := time.NewTicker(s.checkpointEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpoint(); err != nil {
					jww.WARN.Printf("[Store] periodic checkpoint failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
