package storage

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpenBuildsRelaySchema(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}

	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	var foreignKeys int
	if err := store.db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("read foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign keys enabled")
	}

	for _, table := range []string{"conversations", "participants", "messages", "device_tokens"} {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			t.Fatalf("missing table %q", table)
		}
		if err != nil {
			t.Fatalf("look up table %q: %v", table, err)
		}
	}
}

func TestOpenPathResumesPartialMigration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "relay.db")

	raw, err := sql.Open("sqlite3", dataSourceName(dbPath, time.Second))
	if err != nil {
		t.Fatalf("open raw database: %v", err)
	}
	if _, err := raw.Exec(migrations[0]); err != nil {
		t.Fatalf("apply first migration: %v", err)
	}
	if _, err := raw.Exec("PRAGMA user_version = 1;"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close raw database: %v", err)
	}

	store, err := OpenPath(dbPath, time.Second)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer store.Close()

	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d after resume, got %d", len(migrations), version)
	}
}

func TestOpenPathRejectsNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")

	raw, err := sql.Open("sqlite3", dataSourceName(dbPath, time.Second))
	if err != nil {
		t.Fatalf("open raw database: %v", err)
	}
	if _, err := raw.Exec("PRAGMA user_version = 999;"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	_ = raw.Close()

	if _, err := OpenPath(dbPath, time.Second); err == nil || !strings.Contains(err.Error(), "newer") {
		t.Fatalf("expected newer-schema error, got %v", err)
	}
}

func TestCloseIsIdempotentAndStopsCheckpoints(t *testing.T) {
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if store.loopDone == nil {
		t.Fatalf("expected checkpoint loop to be running")
	}

	if err := store.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	select {
	case <-store.loopDone:
	default:
		t.Fatalf("checkpoint loop still running after Close")
	}
	if err := store.Ping(); err == nil {
		t.Fatalf("expected Ping to fail on a closed store")
	}
}
