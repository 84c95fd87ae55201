package config

import (
	"os"
	"path/filepath"
)

// Config holds service configuration
type Config struct {
	OpsAddress     string // health + metrics HTTP listener
	DatabasePath   string
	DataDirectory  string // keyring backing files live under here
	KeysDirectory  string // encrypted private-key artifact
	KeyringService string
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "nesfinch")

	return &Config{
		OpsAddress:     "127.0.0.1:8090",
		DatabasePath:   filepath.Join(dataDir, "nesfinch.db"),
		DataDirectory:  dataDir,
		KeysDirectory:  filepath.Join(dataDir, "keys"),
		KeyringService: "nesfinch",
	}
}

// LoadConfig returns the default configuration with environment overrides
// applied. NESFINCH_OPS_ADDR, NESFINCH_DB_PATH, NESFINCH_DATA_DIR,
// NESFINCH_KEYS_DIR and NESFINCH_KEYRING_SERVICE are recognized.
func LoadConfig() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("NESFINCH_OPS_ADDR"); v != "" {
		cfg.OpsAddress = v
	}
	if v := os.Getenv("NESFINCH_DATA_DIR"); v != "" {
		cfg.DataDirectory = v
		cfg.DatabasePath = filepath.Join(v, "nesfinch.db")
		cfg.KeysDirectory = filepath.Join(v, "keys")
	}
	if v := os.Getenv("NESFINCH_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("NESFINCH_KEYS_DIR"); v != "" {
		cfg.KeysDirectory = v
	}
	if v := os.Getenv("NESFINCH_KEYRING_SERVICE"); v != "" {
		cfg.KeyringService = v
	}
	return cfg
}
