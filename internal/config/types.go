// Package config provides configuration loading for the migration toolkit.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/crossarch/internal/logging"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root toolkit configuration.
type Config struct {
	Tool      ToolConfig      `koanf:"tool"`
	Work      WorkConfig      `koanf:"work"`
	Transport TransportConfig `koanf:"transport"`
	Logging   logging.Config  `koanf:"logging"`
}

// ToolConfig locates the checkpoint/restore tool and the container runtime CLI.
type ToolConfig struct {
	// Binary is the local checkpoint/restore tool path.
	Binary string `koanf:"binary"`

	// RemoteBinary is the tool invocation used on the target host. It may
	// carry an environment prefix for device targets.
	RemoteBinary string `koanf:"remote_binary"`

	// RuntimeBinary is the container runtime CLI (docker-compatible).
	RuntimeBinary string `koanf:"runtime_binary"`
}

// WorkConfig locates local and remote working directories.
type WorkConfig struct {
	// Dir is the local migration working directory.
	Dir string `koanf:"dir"`

	// CheckpointDir is the base directory for local checkpoints.
	CheckpointDir string `koanf:"checkpoint_dir"`

	// RemoteDir is the fixed migration work directory on targets.
	RemoteDir string `koanf:"remote_dir"`
}

// TransportConfig names the transport binaries and probe behavior.
type TransportConfig struct {
	ADBBinary      string   `koanf:"adb_binary"`
	SSHBinary      string   `koanf:"ssh_binary"`
	SCPBinary      string   `koanf:"scp_binary"`
	ConnectTimeout Duration `koanf:"connect_timeout"`
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Tool.Binary == "" {
		return fmt.Errorf("tool.binary is required")
	}
	if c.Tool.RuntimeBinary == "" {
		return fmt.Errorf("tool.runtime_binary is required")
	}
	if c.Work.Dir == "" {
		return fmt.Errorf("work.dir is required")
	}
	if c.Work.RemoteDir == "" {
		return fmt.Errorf("work.remote_dir is required")
	}
	if c.Transport.ConnectTimeout.Duration() <= 0 {
		return fmt.Errorf("transport.connect_timeout must be > 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
