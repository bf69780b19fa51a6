// Package config loads and validates the collection-level configuration:
// embedding dimension, data directory, search/construction parameters,
// and the shared-secret access token.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for one collection. Token is the
// plaintext shared secret as read from YAML; LoadConfig hashes it into
// TokenHash and clears Token from memory immediately, so the plaintext
// never lingers in a long-lived struct.
type Config struct {
	Dimension      int    `yaml:"dimension"`
	Token          string `yaml:"token,omitempty"`
	TokenHash      string `yaml:"token_hash,omitempty"`
	Path           string `yaml:"path"`
	EfSearch       int    `yaml:"ef_search"`
	EfConstruction int    `yaml:"ef_construction"`
	// BackupDir is where point-in-time backups (WAL, snapshots, and
	// archives) are written. Defaults to a "backups" subdirectory of
	// Path when left empty.
	BackupDir string `yaml:"backup_dir,omitempty"`
}

// ResolvedBackupDir returns BackupDir if set, otherwise Path's
// "backups" subdirectory.
func (c Config) ResolvedBackupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(c.Path, "backups")
}

// DefaultConfig returns a Config with the documented defaults, missing
// only the fields that have no sensible default (Dimension, Token, Path).
func DefaultConfig() Config {
	return Config{
		EfSearch:       16,
		EfConstruction: 100,
	}
}

// Validate checks that every required field is present and sane.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return errors.New("config: dimension must be positive")
	}
	if c.Path == "" {
		return errors.New("config: path is required")
	}
	if c.TokenHash == "" && c.Token == "" {
		return errors.New("config: token is required")
	}
	if c.EfSearch <= 0 || c.EfConstruction <= 0 {
		return errors.New("config: ef_search and ef_construction must be positive")
	}
	return nil
}

// LoadConfig reads a YAML config file from path, validates it, and
// hashes a plaintext token if one was provided, clearing the plaintext
// field afterward.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid yaml: %w", err)
	}

	if cfg.Token != "" {
		hash, err := HashToken(cfg.Token)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		cfg.TokenHash = hash
		cfg.Token = ""
	}

	dataDir, err := SanitizeDataDir(cfg.Path)
	if err != nil {
		return Config{}, err
	}
	cfg.Path = dataDir

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating parent directories as
// needed. The plaintext Token field, if still set, is written out
// alongside TokenHash; callers that have already hashed it should clear
// Token first.
func SaveConfig(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ValidatePath resolves target against base and rejects it if it
// escapes base's directory tree, guarding the configured data directory
// against path traversal.
func ValidatePath(base, target string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	rel, err := filepath.Rel(absBase, absTarget)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("config: path %q escapes base %q", target, base)
	}
	return absTarget, nil
}

// dangerousRoots lists absolute paths that are refused as a data
// directory, to keep a misconfigured collection from writing over
// system files.
var dangerousRoots = []string{"/", "/etc", "/usr", "/bin", "/sbin", "/boot", "/sys", "/proc"}

// SanitizeDataDir resolves dataDir to an absolute path and rejects it if
// it is exactly one of a short list of sensitive system directories. A
// directory nested inside one of them is accepted.
func SanitizeDataDir(dataDir string) (string, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	clean := filepath.Clean(abs)
	for _, root := range dangerousRoots {
		if clean == root {
			return "", fmt.Errorf("config: refusing to use system directory %q as data dir", clean)
		}
	}
	return clean, nil
}

// CLIOverrides holds the flags a CLI invocation may use to override
// fields loaded from the config file.
type CLIOverrides struct {
	Path           string
	Dimension      int
	EfSearch       int
	EfConstruction int
}

// ApplyOverrides merges any non-zero fields from o into cfg.
func (cfg *Config) ApplyOverrides(o CLIOverrides) {
	if o.Path != "" {
		cfg.Path = o.Path
	}
	if o.Dimension != 0 {
		cfg.Dimension = o.Dimension
	}
	if o.EfSearch != 0 {
		cfg.EfSearch = o.EfSearch
	}
	if o.EfConstruction != 0 {
		cfg.EfConstruction = o.EfConstruction
	}
}

// HashToken hashes a plaintext token with bcrypt for storage.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return string(hash), nil
}

// VerifyToken reports whether candidate matches the bcrypt hash stored
// in cfg.TokenHash.
func (cfg Config) VerifyToken(candidate string) bool {
	if cfg.TokenHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(cfg.TokenHash), []byte(candidate)) == nil
}
