package store

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/snapdb/internal/dberr"
)

// KeySize is the required encryption key length in bytes.
// Bytes [0,32) seal row payloads; bytes [32,64) key the fingerprint that
// detects a wrong key on reopen.
const KeySize = 64

// DefaultRetainVersions is the number of unpinned versions kept besides the
// latest when Config.RetainVersions is zero.
const DefaultRetainVersions = 8

// NoHistory as Config.RetainVersions keeps only the latest and pinned
// versions.
const NoHistory = -1

// Durability selects whether committed versions survive the process.
type Durability int

const (
	// Full persists every commit to the SQLite file.
	Full Durability = iota
	// MemoryOnly keeps versions in memory; state is discarded when the last
	// reference is released.
	MemoryOnly
)

// String returns the durability name used in config files and logs.
func (d Durability) String() string {
	switch d {
	case Full:
		return "full"
	case MemoryOnly:
		return "memory"
	default:
		return fmt.Sprintf("durability(%d)", int(d))
	}
}

// ParseDurability parses "full" or "memory".
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full":
		return Full, nil
	case "memory", "memory_only", "memoryonly":
		return MemoryOnly, nil
	default:
		return 0, fmt.Errorf("unknown durability %q: must be full or memory", s)
	}
}

// Config describes one store. All handles opened against the same canonical
// path must agree on EncryptionKey, SchemaVersion and Durability.
type Config struct {
	Path          string
	Durability    Durability
	EncryptionKey []byte
	SchemaVersion uint64

	// RetainVersions is the number of unpinned versions kept in memory
	// besides the latest. Older unpinned versions are reclaimed after each
	// commit. Zero means DefaultRetainVersions; NoHistory keeps only the
	// latest and pinned versions.
	RetainVersions int

	Logger *slog.Logger
}

// Option configures a Config.
type Option func(*Config)

// WithDurability sets the durability mode.
func WithDurability(d Durability) Option {
	return func(c *Config) { c.Durability = d }
}

// WithEncryptionKey sets the 64-byte encryption key.
func WithEncryptionKey(key []byte) Option {
	return func(c *Config) { c.EncryptionKey = bytes.Clone(key) }
}

// WithSchemaVersion sets the declared schema version.
func WithSchemaVersion(v uint64) Option {
	return func(c *Config) { c.SchemaVersion = v }
}

// WithRetainVersions sets how many unpinned versions are retained.
func WithRetainVersions(n int) Option {
	return func(c *Config) { c.RetainVersions = n }
}

// WithLogger sets the logger used by the store.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// NewConfig builds a Config for path.
func NewConfig(path string, opts ...Option) Config {
	cfg := Config{Path: path}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// normalize validates c and resolves its canonical path.
func (c Config) normalize() (Config, error) {
	if c.Path == "" {
		return c, fmt.Errorf("store path is required")
	}
	path, err := CanonicalPath(c.Path)
	if err != nil {
		return c, err
	}
	c.Path = path
	if len(c.EncryptionKey) != 0 && len(c.EncryptionKey) != KeySize {
		return c, dberr.Encryption(path, fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(c.EncryptionKey)))
	}
	switch {
	case c.RetainVersions == 0:
		c.RetainVersions = DefaultRetainVersions
	case c.RetainVersions < 0:
		c.RetainVersions = NoHistory
	}
	return c, nil
}

// compatible reports the first setting in other that conflicts with c.
func (c Config) compatible(other Config) error {
	if !bytes.Equal(c.EncryptionKey, other.EncryptionKey) {
		return dberr.Incompatible(c.Path, "wrong key used to open an already open store")
	}
	if c.SchemaVersion != other.SchemaVersion {
		return dberr.Incompatible(c.Path, "schema version %d differs from open handle's %d", other.SchemaVersion, c.SchemaVersion)
	}
	if c.Durability != other.Durability {
		return dberr.Incompatible(c.Path, "durability %s differs from open handle's %s", other.Durability, c.Durability)
	}
	return nil
}

// CanonicalPath returns the absolute, symlink-resolved form of path.
// The file itself need not exist; its directory is resolved if it does.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	dir, base := filepath.Split(abs)
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		abs = filepath.Join(real, base)
	}
	return filepath.Clean(abs), nil
}

// FileConfig is the YAML form of Config used by the CLI.
type FileConfig struct {
	Path           string `yaml:"path"`
	Durability     string `yaml:"durability,omitempty"`
	EncryptionKey  string `yaml:"encryption_key,omitempty"` // hex, 128 characters
	SchemaVersion  uint64 `yaml:"schema_version,omitempty"`
	RetainVersions int    `yaml:"retain_versions,omitempty"`
}

// Config converts f to a Config.
func (f FileConfig) Config() (Config, error) {
	d, err := ParseDurability(f.Durability)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Path:           f.Path,
		Durability:     d,
		SchemaVersion:  f.SchemaVersion,
		RetainVersions: f.RetainVersions,
	}
	if f.EncryptionKey != "" {
		key, err := hex.DecodeString(f.EncryptionKey)
		if err != nil {
			return Config{}, fmt.Errorf("decode encryption_key: %w", err)
		}
		cfg.EncryptionKey = key
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML store config. Unknown fields are rejected.
func LoadConfigFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return fc, nil
}
