package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mpvbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:3000", cfg.Listen)
	assert.Equal(t, "/tmp/mpv-socket", cfg.Player.Socket)
	assert.Equal(t, "mpv", cfg.Player.Path)
	assert.True(t, cfg.Player.Fullscreen)
	assert.Equal(t, time.Second, cfg.Connection.ReconnectDelay.Duration)
	assert.Equal(t, time.Second, cfg.Connection.StartupDelay.Duration)
	assert.Equal(t, 5*time.Second, cfg.Player.ShutdownTimeout.Duration)
	assert.False(t, cfg.Connection.FailPendingOnDisconnect)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeTemp(t, `
listen: 127.0.0.1:8080
media_root: /srv/media
player:
  fullscreen: false
  args: ["--volume=50"]
connection:
  reconnect_delay: 250ms
  fail_pending_on_disconnect: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "/srv/media", cfg.MediaRoot)
	assert.False(t, cfg.Player.Fullscreen)
	assert.Equal(t, []string{"--volume=50"}, cfg.Player.Args)
	assert.Equal(t, 250*time.Millisecond, cfg.Connection.ReconnectDelay.Duration)
	assert.True(t, cfg.Connection.FailPendingOnDisconnect)

	// untouched keys keep their defaults
	assert.Equal(t, "/tmp/mpv-socket", cfg.Player.Socket)
	assert.Equal(t, time.Second, cfg.Connection.StartupDelay.Duration)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("MPVBRIDGE_TEST_SOCKET", "/run/mpv.sock")
	path := writeTemp(t, `
player:
  socket: ${MPVBRIDGE_TEST_SOCKET}
  path: ${MPVBRIDGE_TEST_UNSET:-/usr/bin/mpv}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/mpv.sock", cfg.Player.Socket)
	assert.Equal(t, "/usr/bin/mpv", cfg.Player.Path)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "not found")

	_, err = Load(writeTemp(t, "connection:\n  reconnect_delay: soon\n"))
	assert.ErrorContains(t, err, "invalid duration")

	_, err = Load(writeTemp(t, "listen_addr: :3000\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeTemp(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("MPVBRIDGE_A", "a")
	t.Setenv("MPVBRIDGE_EMPTY", "")
	assert.Equal(t, "a-", ExpandEnv("${MPVBRIDGE_A}-${MPVBRIDGE_UNSET}"))
	assert.Equal(t, "d", ExpandEnv("${MPVBRIDGE_EMPTY:-d}"))
	assert.Equal(t, "$HOME", ExpandEnv("$HOME"))
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.Listen = "nope"
	cfg.Player.Path = ""
	cfg.Connection.ReconnectDelay = Duration{}
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 4)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Connection.StartupDelay = Duration{1500 * time.Millisecond}
	b, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(b), "startup_delay: 1.5s")

	parsed, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}
