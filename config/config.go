// Package config loads mpvbridge settings from an optional YAML file.
// Every value has a default, and command line flags override the file.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/guseggert/mpvbridge/bridge/ipc"
	"github.com/guseggert/mpvbridge/bridge/process"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// MediaRoot is the directory listed before the client picks one.
	MediaRoot string `yaml:"media_root"`
	// StaticDir holds the web client. Empty means search upward from the working directory for client/dist.
	StaticDir string `yaml:"static_dir"`
	// LogLevel is a zap level name.
	LogLevel   string           `yaml:"log_level"`
	Player     PlayerConfig     `yaml:"player"`
	Connection ConnectionConfig `yaml:"connection"`
}

type PlayerConfig struct {
	Path            string   `yaml:"path"`
	Socket          string   `yaml:"socket"`
	Fullscreen      bool     `yaml:"fullscreen"`
	Args            []string `yaml:"args,omitempty"`
	Env             []string `yaml:"env,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type ConnectionConfig struct {
	ReconnectDelay          Duration `yaml:"reconnect_delay"`
	StartupDelay            Duration `yaml:"startup_delay"`
	FailPendingOnDisconnect bool     `yaml:"fail_pending_on_disconnect"`
}

// Duration wraps time.Duration for YAML strings like "1s" or "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the configuration used when no file or flag says otherwise.
func Default() Config {
	return Config{
		Listen:    "0.0.0.0:3000",
		MediaRoot: ".",
		LogLevel:  "info",
		Player: PlayerConfig{
			Path:            process.DefaultPath,
			Socket:          process.DefaultSocketPath,
			Fullscreen:      true,
			ShutdownTimeout: Duration{process.DefaultShutdownTimeout},
		},
		Connection: ConnectionConfig{
			ReconnectDelay: Duration{ipc.DefaultReconnectDelay},
			StartupDelay:   Duration{ipc.DefaultStartupDelay},
		},
	}
}

// Level returns the parsed log level.
func (c Config) Level() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.LogLevel)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var err error
	if _, _, splitErr := net.SplitHostPort(c.Listen); splitErr != nil {
		err = multierr.Append(err, fmt.Errorf("listen: %w", splitErr))
	}
	if c.Player.Path == "" {
		err = multierr.Append(err, errors.New("player.path is required"))
	}
	if c.Player.Socket == "" {
		err = multierr.Append(err, errors.New("player.socket is required"))
	}
	if c.Player.ShutdownTimeout.Duration <= 0 {
		err = multierr.Append(err, errors.New("player.shutdown_timeout must be positive"))
	}
	if c.Connection.ReconnectDelay.Duration <= 0 {
		err = multierr.Append(err, errors.New("connection.reconnect_delay must be positive"))
	}
	if c.Connection.StartupDelay.Duration < 0 {
		err = multierr.Append(err, errors.New("connection.startup_delay must not be negative"))
	}
	if _, levelErr := c.Level(); levelErr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", levelErr))
	}
	return err
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
