// Package config loads the TOML configuration file and applies environment
// overrides. Precedence is fixed at startup: environment over file over
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/nix-community/harmonia-sub001/signing"
)

// DefaultDaemonSocket is where the Nix daemon publishes its socket.
const DefaultDaemonSocket = "/nix/var/nix/daemon-socket/socket"

type Config struct {
	// Bind is "<ip>:<port>" or "unix:<path>".
	Bind              string   `toml:"bind"`
	Workers           int      `toml:"workers"`
	MaxConnectionRate int      `toml:"max_connection_rate"`
	Priority          uint16   `toml:"priority"`
	VirtualNixStore   string   `toml:"virtual_nix_store"`
	RealNixStore      string   `toml:"real_nix_store"`
	DaemonSocket      string   `toml:"daemon_socket"`
	SignKeyPaths      []string `toml:"sign_key_paths"`
	TLSCertPath       string   `toml:"tls_cert_path"`
	TLSKeyPath        string   `toml:"tls_key_path"`

	// Keys are the loaded signing keys, populated by Load.
	Keys []*signing.Key `toml:"-"`
}

func Default() *Config {
	return &Config{
		Bind:              "[::]:5000",
		Workers:           4,
		MaxConnectionRate: 256,
		Priority:          30,
		VirtualNixStore:   "/nix/store",
		DaemonSocket:      DefaultDaemonSocket,
	}
}

// Load reads the file named by CONFIG_FILE (falling back to ./settings.toml
// when present), applies environment overrides and loads the signing keys.
func Load() (*Config, error) {
	var path string
	if env, ok := os.LookupEnv("CONFIG_FILE"); ok {
		path = env
	} else if _, err := os.Stat("settings.toml"); err == nil {
		path = "settings.toml"
	}

	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	for _, keyPath := range cfg.SignKeyPaths {
		key, err := signing.LoadKey(keyPath)
		if err != nil {
			return nil, err
		}
		cfg.Keys = append(cfg.Keys, key)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("couldn't parse config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown options in config file %q: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() {
	if paths, ok := os.LookupEnv("SIGN_KEY_PATHS"); ok {
		c.SignKeyPaths = append(c.SignKeyPaths, strings.Fields(paths)...)
	}
	if storeDir, ok := os.LookupEnv("NIX_STORE_DIR"); ok {
		c.VirtualNixStore = storeDir
	}
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("tls_cert_path and tls_key_path must be set together")
	}
	return nil
}

// LogDir returns the build log root derived from the real store location:
// a store at <root>/store keeps logs at <root>/var/log/nix/drvs.
func (c *Config) LogDir() string {
	realStore := c.RealNixStore
	if realStore == "" {
		realStore = c.VirtualNixStore
	}
	return filepath.Join(filepath.Dir(realStore), "var", "log", "nix", "drvs")
}
