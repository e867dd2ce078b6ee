// Package config resolves process configuration from two sources: the
// environment variables treated as authoritative (UUID, PROXYIP) and
// an optional TOML file for the ambient knobs a deployment might want
// to tune (listen address, timeouts, logging).
//
// The split, and the pointer-field trick for "was this present in the
// file at all", follows machine/conf.go's AppConf struct, which uses
// *int/*string fields for exactly this reason; env vars here play the
// role its default_uuid and top-level flags play there.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nullbind/vlessway/internal/dialer"
	"github.com/nullbind/vlessway/internal/logging"
	"github.com/nullbind/vlessway/internal/tunnel"
)

// fileConf is the shape of the optional TOML config file. Every field
// is optional; the environment variables in Config always win when
// both are present.
type fileConf struct {
	ListenAddr string `toml:"listen_addr"`

	HeaderTimeoutSeconds *int `toml:"header_timeout"`
	ConnectTimeoutSeconds *int `toml:"connect_timeout"`
	IdleTimeoutSeconds   *int `toml:"idle_timeout"`

	LogLevel  *int    `toml:"loglevel"`
	LogFile   *string `toml:"logfile"`

	DNSEnabled bool `toml:"dns_enabled"`
}

// Config is the fully resolved process configuration.
type Config struct {
	UUID     string // required; from the UUID environment variable
	ProxyIP  string // optional comma-separated fallback host list, from PROXYIP

	ListenAddr string

	HeaderTimeout  time.Duration
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	LogLevel int
	LogFile  string

	DNSEnabled bool
}

// defaults mirror the recommended timeouts for header wait, connect,
// and idle.
func defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		HeaderTimeout:  tunnel.DefaultHeaderTimeout,
		ConnectTimeout: dialer.DefaultConnectTimeout,
		IdleTimeout:    tunnel.DefaultIdleTimeout,
		LogLevel:       logging.DefaultLevel,
	}
}

// Load resolves a Config: defaults, then an optional TOML file at
// path (skipped entirely when path is empty), then the UUID and
// PROXYIP environment variables, which always take precedence.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		var fc fileConf
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		applyFile(&cfg, fc)
	}

	cfg.UUID = os.Getenv("UUID")
	if pip := os.Getenv("PROXYIP"); pip != "" {
		cfg.ProxyIP = pip
	}

	if cfg.UUID == "" {
		return Config{}, fmt.Errorf("config: UUID environment variable is required")
	}

	return cfg, nil
}

func applyFile(cfg *Config, fc fileConf) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.HeaderTimeoutSeconds != nil && *fc.HeaderTimeoutSeconds > 0 {
		cfg.HeaderTimeout = time.Duration(*fc.HeaderTimeoutSeconds) * time.Second
	}
	if fc.ConnectTimeoutSeconds != nil && *fc.ConnectTimeoutSeconds > 0 {
		cfg.ConnectTimeout = time.Duration(*fc.ConnectTimeoutSeconds) * time.Second
	}
	if fc.IdleTimeoutSeconds != nil && *fc.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = time.Duration(*fc.IdleTimeoutSeconds) * time.Second
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogFile != nil {
		cfg.LogFile = *fc.LogFile
	}
	cfg.DNSEnabled = fc.DNSEnabled
}
