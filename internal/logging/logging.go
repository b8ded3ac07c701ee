// Package logging builds the zap logger used across the migration core.
//
// Services take a *zap.Logger; this package only owns construction,
// validation, and the test observer helper.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level  string            `koanf:"level"`
	Format string            `koanf:"format"`
	Fields map[string]string `koanf:"fields"`
}

// NewDefaultConfig returns production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Fields: map[string]string{"service": "crossarch"},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid level %q: %w", c.Level, err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}

// NewLogger creates a logger from config.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid level: %w", err)
	}

	core := zapcore.NewCore(
		newEncoder(cfg.Format),
		zapcore.Lock(os.Stderr),
		level,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		logger = logger.With(fields...)
	}

	return logger, nil
}

// newEncoder creates a JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
