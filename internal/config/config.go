package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledgerly/ledgerly/internal/storage"
)

const (
	// RootEnv overrides the application root directory.
	RootEnv = "LEDGERLY_ROOT"
	// LogLevelEnv overrides the configured log level.
	LogLevelEnv = "LEDGERLY_LOG_LEVEL"

	configFileName = "config.json"
)

// Config holds application configuration
type Config struct {
	// Root is resolved at load time and never stored.
	Root string `json:"-"`

	// DataDir is the tree archived by backups and replaced by restores.
	DataDir   string `json:"data_dir"`
	BackupDir string `json:"backup_dir"`

	KeyringService string `json:"keyring_service"`
	// AllowFileKeyring lets the password-protected file keyring count as
	// OS secure storage on desktops without a native keystore.
	AllowFileKeyring bool `json:"allow_file_keyring"`

	// CorruptionPolicy is "reset" or "fail".
	CorruptionPolicy string `json:"corruption_policy"`
	LogLevel         string `json:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `json:"log_format"`

	// Mirror settings; an empty MirrorTable disables the mirror.
	AWSRegion   string `json:"aws_region,omitempty"`
	MirrorTable string `json:"mirror_table,omitempty"`
	UserID      string `json:"user_id,omitempty"`

	ConfigPath string `json:"-"` // Not stored, just for reference
}

// DefaultRoot returns ~/.ledgerly, or the LEDGERLY_ROOT override.
func DefaultRoot() string {
	if root := os.Getenv(RootEnv); root != "" {
		return root
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".ledgerly")
}

// DefaultConfig returns default configuration rooted at root
func DefaultConfig(root string) *Config {
	return &Config{
		Root:             root,
		DataDir:          filepath.Join(root, "data"),
		BackupDir:        filepath.Join(root, "backups"),
		KeyringService:   "ledgerly",
		CorruptionPolicy: "reset",
		LogLevel:         "warn",
		LogFormat:        "text",
		AWSRegion:        "us-west-2",
		UserID:           "default",
		ConfigPath:       filepath.Join(root, configFileName),
	}
}

// KeyFilePath returns the path of the current-format master key file
func (c *Config) KeyFilePath() string {
	return filepath.Join(c.Root, "master.key")
}

// LegacyKeyFilePath returns the path of the pre-envelope raw key file
func (c *Config) LegacyKeyFilePath() string {
	return filepath.Join(c.Root, ".encryption-key")
}

// VaultPath returns the path of the encrypted secrets document
func (c *Config) VaultPath() string {
	return filepath.Join(c.Root, "secrets.vault")
}

// MirrorEnabled reports whether the DynamoDB mirror is configured
func (c *Config) MirrorEnabled() bool {
	return c.MirrorTable != ""
}

// LoadConfig loads configuration from root/config.json, falling back to
// defaults, and validates it
func LoadConfig(root string) (*Config, error) {
	cfg, err := ReadConfig(root)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfig loads configuration without validating it, so an invalid file
// can still be edited
func ReadConfig(root string) (*Config, error) {
	cfg := DefaultConfig(root)

	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if level := os.Getenv(LogLevelEnv); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.CorruptionPolicy {
	case "reset", "fail":
	default:
		return fmt.Errorf("invalid corruption_policy %q: must be \"reset\" or \"fail\"", c.CorruptionPolicy)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q: must be \"text\" or \"json\"", c.LogFormat)
	}
	if c.DataDir == "" || c.BackupDir == "" {
		return fmt.Errorf("data_dir and backup_dir must not be empty")
	}
	rel, err := filepath.Rel(filepath.Clean(c.DataDir), filepath.Clean(c.BackupDir))
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("backup_dir must not be inside data_dir")
	}
	return nil
}

// Keys lists the settings accepted by Set, in file order
func Keys() []string {
	return []string{
		"data_dir", "backup_dir", "keyring_service", "allow_file_keyring",
		"corruption_policy", "log_level", "log_format",
		"aws_region", "mirror_table", "user_id",
	}
}

// Set assigns one setting by its file key and validates the result. The
// config is left unchanged when the new value is rejected.
func (c *Config) Set(key, value string) error {
	next := *c
	switch key {
	case "data_dir":
		next.DataDir = value
	case "backup_dir":
		next.BackupDir = value
	case "keyring_service":
		next.KeyringService = value
	case "allow_file_keyring":
		allow, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid allow_file_keyring %q: must be true or false", value)
		}
		next.AllowFileKeyring = allow
	case "corruption_policy":
		next.CorruptionPolicy = value
	case "log_level":
		next.LogLevel = value
	case "log_format":
		next.LogFormat = value
	case "aws_region":
		next.AWSRegion = value
	case "mirror_table":
		next.MirrorTable = value
	case "user_id":
		next.UserID = value
	default:
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(Keys(), ", "))
	}

	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// SaveConfig writes the configuration atomically with owner-only permissions
func (c *Config) SaveConfig() error {
	if err := os.MkdirAll(filepath.Dir(c.ConfigPath), storage.DirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := storage.WriteFileAtomic(c.ConfigPath, append(data, '\n'), storage.FilePermissions); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
