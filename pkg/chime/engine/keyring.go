// Package engine – keyring.go resolves the provider API key without putting
// secrets in the config file: OS keyring first, then environment, then the
// configured literal as a last resort.
package engine

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

// keyringService namespaces chime's entries in the OS keyring.
const keyringService = "chime"

// envAPIKey is the environment variable checked after the keyring.
const envAPIKey = "CHIME_API_KEY"

// StoreKeyring saves an API key in the OS keyring.
func StoreKeyring(name, value string) error {
	return keyring.Set(keyringService, name, value)
}

// GetKeyring reads an API key from the OS keyring.
func GetKeyring(name string) (string, error) {
	return keyring.Get(keyringService, name)
}

// DeleteKeyring removes an API key from the OS keyring.
func DeleteKeyring(name string) error {
	return keyring.Delete(keyringService, name)
}

// KeyringAvailable probes whether an OS keyring backend works here.
func KeyringAvailable() bool {
	probe := "chime-probe"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

// ResolveAPIKey returns the provider API key via keyring → env → config.
// Returns "" when nothing is set; callers decide whether that is fatal.
func ResolveAPIKey(name string, cfg ProviderConfig, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	if v, err := keyring.Get(keyringService, name); err == nil && v != "" {
		logger.Debug("api key resolved from keyring", "name", name)
		return v
	}
	if v := os.Getenv(envAPIKey); v != "" {
		logger.Debug("api key resolved from environment", "var", envAPIKey)
		return v
	}
	if cfg.APIKey != "" {
		logger.Debug("api key resolved from config")
		return cfg.APIKey
	}
	return ""
}
