package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"ephemera/api"
	"ephemera/cache"
	"ephemera/fanout"
	"ephemera/hint"
	"ephemera/reaper"
	"ephemera/relay"
	"ephemera/storage"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "ephemera"
	// EnvPrefix prefixes every environment override, e.g. EPHEMERA_SERVER_LISTEN.
	EnvPrefix = "EPHEMERA"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "EPHEMERA_DATA_DIR"
	// DefaultListen is the HTTP listen address.
	DefaultListen = ":8080"
	// identityFileName holds the relay's persistent identity.
	identityFileName = "identity.json"
)

// RelayConfig is the full relay configuration.
type RelayConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type StoreConfig struct {
	DataDir     string        `mapstructure:"data_dir"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type LimitsConfig struct {
	MaxCiphertextBytes int           `mapstructure:"max_ciphertext_bytes"`
	MaxNonceBytes      int           `mapstructure:"max_nonce_bytes"`
	MaxTagBytes        int           `mapstructure:"max_tag_bytes"`
	MaxTTL             time.Duration `mapstructure:"max_ttl"`
	MaxParticipants    int           `mapstructure:"max_participants"`
}

type CacheConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RecentMessages int           `mapstructure:"recent_messages"`
	TTL            time.Duration `mapstructure:"ttl"`
	MaxCost        int64         `mapstructure:"max_cost"`
}

type ReaperConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	BatchTimeout       time.Duration `mapstructure:"batch_timeout"`
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
}

type FanoutConfig struct {
	Backend       string `mapstructure:"backend"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Workers       int    `mapstructure:"workers"`
	QueueSize     int    `mapstructure:"queue_size"`
	MaxRetries    int    `mapstructure:"max_retries"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

type DiscoveryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Instance string `mapstructure:"instance"`
}

type LogConfig struct {
	// Path is a log file; empty or "-" logs to stdout.
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

// Identity is the relay's persisted identity.
type Identity struct {
	RelayID   string `json:"relay_id"`
	CreatedAt int64  `json:"created_at"`
}

// SetDefaults registers every known key on v. Environment overrides only apply to
// keys viper knows about, so this must run before Load.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.request_timeout", api.DefaultRequestTimeout)

	v.SetDefault("store.data_dir", "")
	v.SetDefault("store.busy_timeout", storage.DefaultBusyTimeout)

	v.SetDefault("limits.max_ciphertext_bytes", relay.DefaultMaxCiphertextBytes)
	v.SetDefault("limits.max_nonce_bytes", relay.DefaultMaxNonceBytes)
	v.SetDefault("limits.max_tag_bytes", relay.DefaultMaxTagBytes)
	v.SetDefault("limits.max_ttl", relay.DefaultMaxTTL)
	v.SetDefault("limits.max_participants", relay.DefaultMaxParticipants)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.recent_messages", cache.DefaultRecentMessages)
	v.SetDefault("cache.ttl", cache.DefaultTTL)
	v.SetDefault("cache.max_cost", cache.DefaultMaxCost)

	v.SetDefault("reaper.interval", reaper.DefaultInterval)
	v.SetDefault("reaper.batch_size", reaper.DefaultBatchSize)
	v.SetDefault("reaper.batch_timeout", reaper.DefaultBatchTimeout)
	v.SetDefault("reaper.tombstone_retention", reaper.DefaultTombstoneRetention)

	v.SetDefault("fanout.backend", hint.BackendPoll)
	v.SetDefault("fanout.nats_url", "")
	v.SetDefault("fanout.subject_prefix", hint.DefaultSubjectPrefix)
	v.SetDefault("fanout.workers", fanout.DefaultWorkers)
	v.SetDefault("fanout.queue_size", fanout.DefaultQueueSize)
	v.SetDefault("fanout.max_retries", fanout.DefaultMaxRetries)
	v.SetDefault("fanout.rate_per_second", fanout.DefaultRatePerSecond)

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.instance", "")

	v.SetDefault("log.path", "-")
	v.SetDefault("log.level", "info")
}

// Load reads the optional config file at path plus EPHEMERA_* overrides into a RelayConfig.
// Flags bound on v before calling Load take precedence over both.
func Load(v *viper.Viper, path string) (*RelayConfig, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Store.DataDir == "" {
		dataDir, err := ResolveDataDir()
		if err != nil {
			return nil, err
		}
		cfg.Store.DataDir = dataDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *RelayConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be > 0"))
	}
	if c.Limits.MaxCiphertextBytes <= 0 {
		errs = append(errs, errors.New("limits.max_ciphertext_bytes must be > 0"))
	}
	if c.Limits.MaxNonceBytes < 0 || c.Limits.MaxTagBytes < 0 {
		errs = append(errs, errors.New("limits.max_nonce_bytes and limits.max_tag_bytes must be >= 0"))
	}
	if c.Limits.MaxTTL < time.Second {
		errs = append(errs, errors.New("limits.max_ttl must be at least 1s"))
	}
	if c.Limits.MaxParticipants < 2 {
		errs = append(errs, errors.New("limits.max_participants must be at least 2"))
	}
	if c.Reaper.Interval <= 0 {
		errs = append(errs, errors.New("reaper.interval must be > 0"))
	}
	if c.Reaper.BatchSize <= 0 {
		errs = append(errs, errors.New("reaper.batch_size must be > 0"))
	}

	switch strings.ToLower(c.Fanout.Backend) {
	case hint.BackendNATS:
		if strings.TrimSpace(c.Fanout.NATSURL) == "" {
			errs = append(errs, errors.New("fanout.nats_url is required for the nats backend"))
		}
	case hint.BackendMemory, hint.BackendPoll:
	default:
		errs = append(errs, fmt.Errorf("fanout.backend %q must be one of nats, memory, poll", c.Fanout.Backend))
	}
	if c.Fanout.Workers <= 0 {
		errs = append(errs, errors.New("fanout.workers must be > 0"))
	}
	if c.Fanout.MaxRetries < 0 {
		errs = append(errs, errors.New("fanout.max_retries must be >= 0"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "info", "debug", "trace":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of info, debug, trace", c.Log.Level))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware relay data directory.
//
// If EPHEMERA_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// IdentityPath returns the full path to identity.json for a data directory.
func IdentityPath(dataDir string) string {
	return filepath.Join(dataDir, identityFileName)
}

// EnsureDataDirectories creates the relay data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// LoadIdentity reads identity.json from disk.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}

	return &id, nil
}

// SaveIdentity writes identity.json to disk.
func SaveIdentity(path string, id *Identity) error {
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}

	return nil
}

// LoadOrCreateIdentity ensures the data directory and identity exist, then returns the identity.
// A missing or blank relay id is generated once and persisted.
func LoadOrCreateIdentity(dataDir string) (*Identity, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}

	path := IdentityPath(dataDir)
	id, err := LoadIdentity(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		id = &Identity{}
	}

	if strings.TrimSpace(id.RelayID) != "" {
		return id, nil
	}

	id.RelayID = uuid.NewString()
	if id.CreatedAt == 0 {
		id.CreatedAt = time.Now().UnixMilli()
	}
	if err := SaveIdentity(path, id); err != nil {
		return nil, err
	}
	return id, nil
}
