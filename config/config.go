// File: config/config.go
// Package config holds the single configuration value supplied at
// connection construction time: addressing, TLS material, framing mode,
// stream ceiling, write buffer water marks and the shutdown deadline.

package config

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/dcpwire/dcp/protocol"
)

// Defaults. Water marks keep a hysteresis gap so the sender does not
// oscillate around a single threshold.
const (
	DefaultMaxStreams       = 65535
	DefaultHighWaterMark    = 256 << 10 // 256 KiB
	DefaultLowWaterMark     = 64 << 10  // 64 KiB
	DefaultShutdownDeadline = 30 * time.Second
)

// TCPConfig carries socket-level options applied to the raw connection.
type TCPConfig struct {
	// Addr is the bind address for listeners or the target for dialers.
	Addr string `toml:"addr"`
	// KeepAlive enables TCP keepalive probes; zero disables them.
	KeepAlive time.Duration `toml:"keepalive"`
	// NoDelay disables Nagle's algorithm. Defaults to true: frames are
	// already batched by the write buffer.
	NoDelay bool `toml:"nodelay"`
}

// TLSConfig selects the TLS version window and certificate material.
// A nil *TLSConfig in Config means plain TCP.
type TLSConfig struct {
	MinVersion uint16 `toml:"min_version"`
	MaxVersion uint16 `toml:"max_version"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	// ServerName is the expected peer name on the dialing side.
	ServerName string `toml:"server_name"`
	// InsecureSkipVerify disables peer verification. Test use only.
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// Config is the single value handed to Dial/Listen.
type Config struct {
	TCP  TCPConfig  `toml:"tcp"`
	TLS  *TLSConfig `toml:"tls"`
	Mode protocol.Mode

	// MaxStreams caps concurrently open streams per connection.
	MaxStreams int `toml:"max_streams"`
	// HighWaterMark suspends SendFrame once the write buffer holds this
	// many bytes.
	HighWaterMark int `toml:"high_water_mark"`
	// LowWaterMark resumes suspended senders once the write buffer
	// drains below it.
	LowWaterMark int `toml:"low_water_mark"`
	// ShutdownDeadline bounds the drain phase before remaining streams
	// are force-cancelled.
	ShutdownDeadline time.Duration `toml:"shutdown_deadline"`
	// PreferCompletion steers the reactor probe toward io_uring.
	PreferCompletion bool `toml:"prefer_completion"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		TCP:              TCPConfig{NoDelay: true},
		Mode:             protocol.ModeBinary,
		MaxStreams:       DefaultMaxStreams,
		HighWaterMark:    DefaultHighWaterMark,
		LowWaterMark:     DefaultLowWaterMark,
		ShutdownDeadline: DefaultShutdownDeadline,
	}
}

// Validate rejects configurations the transport cannot honor.
func (c Config) Validate() error {
	if c.TCP.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	if c.MaxStreams <= 0 {
		return fmt.Errorf("config: max_streams must be positive")
	}
	if c.HighWaterMark <= 0 || c.LowWaterMark <= 0 {
		return fmt.Errorf("config: water marks must be positive")
	}
	if c.LowWaterMark >= c.HighWaterMark {
		return fmt.Errorf("config: low water mark %d must be below high water mark %d",
			c.LowWaterMark, c.HighWaterMark)
	}
	if c.ShutdownDeadline <= 0 {
		return fmt.Errorf("config: shutdown_deadline must be positive")
	}
	if c.Mode != protocol.ModeBinary && c.Mode != protocol.ModeCompat {
		return fmt.Errorf("config: unknown protocol mode %d", c.Mode)
	}
	return nil
}

// BuildTLS materializes a *tls.Config, or nil for plain TCP.
func (c Config) BuildTLS() (*tls.Config, error) {
	if c.TLS == nil {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         c.TLS.MinVersion,
		MaxVersion:         c.TLS.MaxVersion,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if out.MinVersion == 0 {
		out.MinVersion = tls.VersionTLS12
	}
	if c.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: load certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
