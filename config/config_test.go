// File: config/config_test.go

package config

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dcpwire/dcp/protocol"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.TCP.Addr = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())
	require.Equal(t, protocol.ModeBinary, cfg.Mode)
	require.Equal(t, DefaultMaxStreams, cfg.MaxStreams)
	require.True(t, cfg.TCP.NoDelay)
}

func TestValidateRejections(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.TCP.Addr = "127.0.0.1:0"
		return cfg
	}

	cfg := base()
	cfg.TCP.Addr = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxStreams = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.LowWaterMark = cfg.HighWaterMark
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.ShutdownDeadline = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Mode = protocol.Mode(0x7)
	require.Error(t, cfg.Validate())
}

func TestLoadOverlaysOnlyPresentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
addr = "10.0.0.1:9040"
keepalive = "45s"
mode = "compat"
max_streams = 128
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:9040", cfg.TCP.Addr)
	require.Equal(t, 45*time.Second, cfg.TCP.KeepAlive)
	require.Equal(t, protocol.ModeCompat, cfg.Mode)
	require.Equal(t, 128, cfg.MaxStreams)

	// Absent keys keep their defaults.
	require.Equal(t, DefaultHighWaterMark, cfg.HighWaterMark)
	require.Equal(t, DefaultLowWaterMark, cfg.LowWaterMark)
	require.Equal(t, DefaultShutdownDeadline, cfg.ShutdownDeadline)
	require.True(t, cfg.TCP.NoDelay)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("addr = \"x:1\"\nmode = \"yaml\"\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("addr = \"x:1\"\nmax_streams = -1\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestBuildTLS(t *testing.T) {
	cfg := Default()
	out, err := cfg.BuildTLS()
	require.NoError(t, err)
	require.Nil(t, out)

	cfg.TLS = &TLSConfig{ServerName: "peer.example", InsecureSkipVerify: true}
	out, err = cfg.BuildTLS()
	require.NoError(t, err)
	require.Equal(t, "peer.example", out.ServerName)
	require.Equal(t, uint16(tls.VersionTLS12), out.MinVersion)
	require.True(t, out.InsecureSkipVerify)
}
