// File: config/file.go
// TOML file loading with default overlay: only keys present in the file
// override the baseline.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dcpwire/dcp/protocol"
)

// duration decodes TOML strings like "30s" into a time.Duration.
type duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// fileConfig maps config.toml keys onto runtime settings.
type fileConfig struct {
	Addr             string     `toml:"addr"`
	KeepAlive        duration   `toml:"keepalive"`
	NoDelay          bool       `toml:"nodelay"`
	Mode             string     `toml:"mode"`
	MaxStreams       int        `toml:"max_streams"`
	HighWaterMark    int        `toml:"high_water_mark"`
	LowWaterMark     int        `toml:"low_water_mark"`
	ShutdownDeadline duration   `toml:"shutdown_deadline"`
	PreferCompletion bool       `toml:"prefer_completion"`
	TLS              *TLSConfig `toml:"tls"`
}

// Load reads a TOML file and overlays it on Default().
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.TCP.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("keepalive") {
		cfg.TCP.KeepAlive = time.Duration(raw.KeepAlive)
	}
	if meta.IsDefined("nodelay") {
		cfg.TCP.NoDelay = raw.NoDelay
	}
	if meta.IsDefined("mode") {
		switch strings.TrimSpace(raw.Mode) {
		case "binary", "":
			cfg.Mode = protocol.ModeBinary
		case "compat":
			cfg.Mode = protocol.ModeCompat
		default:
			return Config{}, fmt.Errorf("load config: unknown mode %q", raw.Mode)
		}
	}
	if meta.IsDefined("max_streams") {
		cfg.MaxStreams = raw.MaxStreams
	}
	if meta.IsDefined("high_water_mark") {
		cfg.HighWaterMark = raw.HighWaterMark
	}
	if meta.IsDefined("low_water_mark") {
		cfg.LowWaterMark = raw.LowWaterMark
	}
	if meta.IsDefined("shutdown_deadline") {
		cfg.ShutdownDeadline = time.Duration(raw.ShutdownDeadline)
	}
	if meta.IsDefined("prefer_completion") {
		cfg.PreferCompletion = raw.PreferCompletion
	}
	if raw.TLS != nil {
		cfg.TLS = raw.TLS
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
