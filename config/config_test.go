package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"ephemera/hint"
	"ephemera/relay"
)

func TestLoadAppliesDefaults(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != DefaultListen {
		t.Fatalf("expected listen %q, got %q", DefaultListen, cfg.Server.Listen)
	}
	if cfg.Store.DataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, cfg.Store.DataDir)
	}
	if cfg.Limits.MaxCiphertextBytes != relay.DefaultMaxCiphertextBytes {
		t.Fatalf("expected ciphertext limit %d, got %d", relay.DefaultMaxCiphertextBytes, cfg.Limits.MaxCiphertextBytes)
	}
	if cfg.Limits.MaxTTL != relay.DefaultMaxTTL {
		t.Fatalf("expected max ttl %s, got %s", relay.DefaultMaxTTL, cfg.Limits.MaxTTL)
	}
	if !cfg.Cache.Enabled {
		t.Fatalf("expected cache enabled by default")
	}
	if cfg.Fanout.Backend != hint.BackendPoll {
		t.Fatalf("expected poll backend by default, got %q", cfg.Fanout.Backend)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected info log level, got %q", cfg.Log.Level)
	}
}

func TestLoadReadsFileAndEnvOverrides(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	path := filepath.Join(tempDir, "relay.yaml")
	raw := strings.Join([]string{
		"server:",
		"  listen: 127.0.0.1:9000",
		"  request_timeout: 2s",
		"limits:",
		"  max_participants: 4",
		"reaper:",
		"  interval: 15m",
		"fanout:",
		"  backend: memory",
		"  workers: 8",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("EPHEMERA_FANOUT_WORKERS", "3")
	t.Setenv("EPHEMERA_CACHE_ENABLED", "false")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Fatalf("expected listen from file, got %q", cfg.Server.Listen)
	}
	if cfg.Server.RequestTimeout != 2*time.Second {
		t.Fatalf("expected request timeout 2s, got %s", cfg.Server.RequestTimeout)
	}
	if cfg.Limits.MaxParticipants != 4 {
		t.Fatalf("expected max participants 4, got %d", cfg.Limits.MaxParticipants)
	}
	if cfg.Reaper.Interval != 15*time.Minute {
		t.Fatalf("expected reaper interval 15m, got %s", cfg.Reaper.Interval)
	}
	if cfg.Fanout.Backend != hint.BackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.Fanout.Backend)
	}
	if cfg.Fanout.Workers != 3 {
		t.Fatalf("expected env to override workers to 3, got %d", cfg.Fanout.Workers)
	}
	if cfg.Cache.Enabled {
		t.Fatalf("expected env to disable cache")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())

	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())

	base, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*RelayConfig)
		want   string
	}{
		{name: "valid", mutate: func(*RelayConfig) {}},
		{name: "empty listen", mutate: func(c *RelayConfig) { c.Server.Listen = " " }, want: "server.listen"},
		{name: "short max ttl", mutate: func(c *RelayConfig) { c.Limits.MaxTTL = time.Millisecond }, want: "limits.max_ttl"},
		{name: "one participant", mutate: func(c *RelayConfig) { c.Limits.MaxParticipants = 1 }, want: "limits.max_participants"},
		{name: "unknown backend", mutate: func(c *RelayConfig) { c.Fanout.Backend = "carrier-pigeon" }, want: "fanout.backend"},
		{name: "nats without url", mutate: func(c *RelayConfig) { c.Fanout.Backend = hint.BackendNATS }, want: "fanout.nats_url"},
		{name: "bad log level", mutate: func(c *RelayConfig) { c.Log.Level = "verbose" }, want: "log.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestResolveDataDirHonorsOverride(t *testing.T) {
	t.Setenv(DataDirEnv, "/srv/ephemera")

	dir, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir failed: %v", err)
	}
	if dir != "/srv/ephemera" {
		t.Fatalf("expected override dir, got %q", dir)
	}
}

func TestLoadOrCreateIdentityIsStable(t *testing.T) {
	tempDir := t.TempDir()

	first, err := LoadOrCreateIdentity(tempDir)
	if err != nil {
		t.Fatalf("first LoadOrCreateIdentity failed: %v", err)
	}
	if first.RelayID == "" || first.CreatedAt == 0 {
		t.Fatalf("expected generated identity, got %+v", first)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "logs")); err != nil {
		t.Fatalf("expected logs directory: %v", err)
	}

	second, err := LoadOrCreateIdentity(tempDir)
	if err != nil {
		t.Fatalf("second LoadOrCreateIdentity failed: %v", err)
	}
	if second.RelayID != first.RelayID {
		t.Fatalf("expected stable relay id, got %q then %q", first.RelayID, second.RelayID)
	}
}

func TestLoadOrCreateIdentityFillsBlankRelayID(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	if err := SaveIdentity(IdentityPath(tempDir), &Identity{CreatedAt: 42}); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}

	id, err := LoadOrCreateIdentity(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	if id.RelayID == "" {
		t.Fatalf("expected relay id to be filled")
	}
	if id.CreatedAt != 42 {
		t.Fatalf("expected created_at to be retained, got %d", id.CreatedAt)
	}

	reloaded, err := LoadIdentity(IdentityPath(tempDir))
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if reloaded.RelayID != id.RelayID {
		t.Fatalf("expected persisted relay id %q, got %q", id.RelayID, reloaded.RelayID)
	}
}

func TestLoadIdentityRejectsCorruptFile(t *testing.T) {
	tempDir := t.TempDir()
	if err := os.WriteFile(IdentityPath(tempDir), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	if _, err := LoadOrCreateIdentity(tempDir); err == nil {
		t.Fatalf("expected corrupt identity to fail")
	}
}
