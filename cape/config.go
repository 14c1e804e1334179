package cape

import (
	"os"
	"path/filepath"
)

// Defaults for ConfigFromEnv.
const (
	DefaultEnclaveHost = "wss://enclave.capeprivacy.com"
	DefaultKeyFilename = "capekey.pub.der"
)

// Config carries client settings. The zero value is completed with
// defaults by New.
type Config struct {
	// URL is the platform websocket host responsible for routing requests
	// to enclave instances.
	URL string

	// ConfigDir is the local directory for cached material.
	ConfigDir string

	// KeyFilename names the cached recipient key file inside ConfigDir.
	KeyFilename string

	// InsecureDisableTLSVerify skips TLS certificate verification on the
	// websocket connection. Development only; attestation still protects
	// the payload channel, but server identity is unverified.
	InsecureDisableTLSVerify bool
}

// ConfigFromEnv reads configuration from CAPE_* environment variables,
// falling back to defaults:
//
//	CAPE_ENCLAVE_HOST             platform websocket URL
//	CAPE_LOCAL_CONFIG_DIR         cache directory (default ~/.config/cape)
//	CAPE_LOCAL_CAPE_KEY_FILENAME  cached key filename
//	CAPE_DEV_DISABLE_SSL          disable TLS verification when set
func ConfigFromEnv() Config {
	cfg := Config{
		URL:         os.Getenv("CAPE_ENCLAVE_HOST"),
		ConfigDir:   os.Getenv("CAPE_LOCAL_CONFIG_DIR"),
		KeyFilename: os.Getenv("CAPE_LOCAL_CAPE_KEY_FILENAME"),
	}
	cfg.InsecureDisableTLSVerify = os.Getenv("CAPE_DEV_DISABLE_SSL") != ""
	return cfg.withDefaults()
}

func (cfg Config) withDefaults() Config {
	if cfg.URL == "" {
		cfg.URL = DefaultEnclaveHost
	}
	if cfg.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.ConfigDir = filepath.Join(home, ".config", "cape")
		}
	}
	if cfg.KeyFilename == "" {
		cfg.KeyFilename = DefaultKeyFilename
	}
	return cfg
}
