package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "CROSSARCH_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (CROSSARCH_TOOL_BINARY, CROSSARCH_WORK_DIR, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// A missing file is not an error; defaults plus environment apply.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	// Environment override: CROSSARCH_TOOL_BINARY -> tool.binary,
	// CROSSARCH_WORK_REMOTE_DIR -> work.remote_dir.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Tool.Binary == "" {
		cfg.Tool.Binary = "criu"
	}
	if cfg.Tool.RemoteBinary == "" {
		cfg.Tool.RemoteBinary = "criu"
	}
	if cfg.Tool.RuntimeBinary == "" {
		cfg.Tool.RuntimeBinary = "docker"
	}

	if cfg.Work.Dir == "" {
		cfg.Work.Dir = "/var/lib/crossarch/migration"
	}
	if cfg.Work.CheckpointDir == "" {
		cfg.Work.CheckpointDir = "/var/lib/crossarch/checkpoints"
	}
	if cfg.Work.RemoteDir == "" {
		cfg.Work.RemoteDir = "/data/local/tmp/migration"
	}

	if cfg.Transport.ADBBinary == "" {
		cfg.Transport.ADBBinary = "adb"
	}
	if cfg.Transport.SSHBinary == "" {
		cfg.Transport.SSHBinary = "ssh"
	}
	if cfg.Transport.SCPBinary == "" {
		cfg.Transport.SCPBinary = "scp"
	}
	if cfg.Transport.ConnectTimeout.Duration() == 0 {
		cfg.Transport.ConnectTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
