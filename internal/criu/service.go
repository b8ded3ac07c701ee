// Package criu wraps the external checkpoint/restore tool.
//
// It validates the tool environment, checks container eligibility, runs
// dump and restore, and owns the on-disk checkpoint directory contract
// (metadata.json, dump.log, restore.log). Checkpoints are never deleted
// automatically; failed dumps retain their partial directory for
// post-mortem inspection.
package criu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crossarch/internal/execx"
	"github.com/fyrsmithlabs/crossarch/internal/fault"
	"github.com/fyrsmithlabs/crossarch/internal/inspect"
)

const instrumentationName = "github.com/fyrsmithlabs/crossarch/internal/criu"

// Inspector is the container runtime view the manager needs.
type Inspector interface {
	Inspect(ctx context.Context, containerID string) (*inspect.ContainerInfo, error)
	Pid(ctx context.Context, containerID string) (int, error)
	RuntimeVersion(ctx context.Context) string
}

// Service manages checkpoint tool operations.
type Service interface {
	// ConfigureEnvironment verifies the tool binary exists, is executable,
	// and passes its self-check. Runs before any state mutation.
	ConfigureEnvironment(ctx context.Context) error

	// ValidateForCheckpoint checks container eligibility. Non-fatal
	// findings come back as warnings and never block the dump.
	ValidateForCheckpoint(ctx context.Context, containerID string) (bool, []string)

	// Dump checkpoints a running container into a dedicated directory.
	Dump(ctx context.Context, cfg CheckpointConfig) *CheckpointStatus

	// ValidateDump structurally checks an existing checkpoint directory.
	ValidateDump(ctx context.Context, checkpointPath string) *CheckpointStatus

	// Restore reconstructs a process tree from a checkpoint directory,
	// replaying the flag set recorded at dump time.
	Restore(ctx context.Context, checkpointPath, newContainerID string) *CheckpointStatus

	// ReadMetadata loads the metadata record of a checkpoint directory.
	ReadMetadata(checkpointPath string) (*Metadata, error)

	// ListCheckpoints inventories checkpoints under the base directory.
	ListCheckpoints() ([]CheckpointInfo, error)

	// CleanupCheckpoint removes a checkpoint directory.
	CleanupCheckpoint(checkpointPath string) error
}

// Config configures the checkpoint tool manager.
type Config struct {
	// Binary is the checkpoint/restore tool path or name.
	Binary string

	// BaseDir is the default parent directory for checkpoints.
	BaseDir string
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		Binary:  "criu",
		BaseDir: "/var/lib/crossarch/checkpoints",
	}
}

type service struct {
	config    *Config
	runner    execx.Runner
	inspector Inspector
	log       *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	dumpCounter    metric.Int64Counter
	restoreCounter metric.Int64Counter
}

// NewService creates a checkpoint tool manager.
func NewService(cfg *Config, runner execx.Runner, inspector Inspector, log *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if inspector == nil {
		return nil, errors.New("inspector is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &service{
		config:    cfg,
		runner:    runner,
		inspector: inspector,
		log:       log,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.dumpCounter, err = s.meter.Int64Counter(
		"crossarch.checkpoint.dumps_total",
		metric.WithDescription("Total number of checkpoint dump attempts"),
		metric.WithUnit("{dump}"),
	)
	if err != nil {
		s.log.Warn("failed to create dump counter", zap.Error(err))
	}

	s.restoreCounter, err = s.meter.Int64Counter(
		"crossarch.checkpoint.restores_total",
		metric.WithDescription("Total number of checkpoint restore attempts"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		s.log.Warn("failed to create restore counter", zap.Error(err))
	}
}

// ConfigureEnvironment verifies the tool before anything else touches disk.
func (s *service) ConfigureEnvironment(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "criu.configure_environment")
	defer span.End()

	path := s.config.Binary
	if !strings.ContainsRune(path, os.PathSeparator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return fault.New(fault.KindEnvironment, "configure",
				"checkpoint tool %q not found in PATH", path)
		}
		path = resolved
	}

	info, err := os.Stat(path)
	if err != nil {
		return fault.New(fault.KindEnvironment, "configure",
			"checkpoint tool not found at %s", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fault.New(fault.KindEnvironment, "configure",
			"checkpoint tool %s is not executable", path)
	}

	res, err := s.runner.Run(ctx, s.config.Binary, "check")
	if err != nil {
		return fault.Wrap(fault.KindEnvironment, "configure", err)
	}
	if !res.Ok() {
		return fault.New(fault.KindEnvironment, "configure",
			"checkpoint tool self-check failed: %s", strings.TrimSpace(res.Stderr))
	}

	s.log.Debug("checkpoint tool environment configured", zap.String("binary", path))
	return nil
}

// ValidateForCheckpoint queries the runtime and accumulates risk warnings.
func (s *service) ValidateForCheckpoint(ctx context.Context, containerID string) (bool, []string) {
	info, err := s.inspector.Inspect(ctx, containerID)
	if err != nil {
		return false, []string{fmt.Sprintf("container %s not found", containerID)}
	}
	if info.State.Status != "running" {
		return false, []string{fmt.Sprintf("container %s is not running", containerID)}
	}

	var warnings []string
	if info.HostConfig.Privileged {
		warnings = append(warnings, "container is running in privileged mode")
	}
	if info.HostConfig.NetworkMode == "host" {
		warnings = append(warnings, "container uses host networking")
	}
	if len(info.HostConfig.Binds) > 0 {
		warnings = append(warnings, "container has bind mounts")
	}
	if len(info.Config.ExposedPorts) > 0 {
		warnings = append(warnings, "container has exposed ports")
	}
	return true, warnings
}

// Dump checkpoints the container. Partial directories are retained on
// failure for post-mortem inspection.
func (s *service) Dump(ctx context.Context, cfg CheckpointConfig) *CheckpointStatus {
	ctx, span := s.tracer.Start(ctx, "criu.dump")
	defer span.End()
	span.SetAttributes(attribute.String("container_id", cfg.ContainerID))

	ok, warnings := s.ValidateForCheckpoint(ctx, cfg.ContainerID)
	if !ok {
		s.countDump(ctx, false)
		return failedStatus(nil, "container validation failed: %s", strings.Join(warnings, "; "))
	}

	baseDir := cfg.CheckpointDir
	if baseDir == "" {
		baseDir = s.config.BaseDir
	}
	checkpointPath := filepath.Join(baseDir, cfg.ContainerID)
	if err := os.MkdirAll(checkpointPath, 0o755); err != nil {
		s.countDump(ctx, false)
		return failedStatus(warnings, "failed to create checkpoint directory: %v", err)
	}

	pid, err := s.inspector.Pid(ctx, cfg.ContainerID)
	if err != nil {
		s.countDump(ctx, false)
		return failedStatus(warnings, "failed to get container PID: %v", err)
	}

	args := []string{
		"dump",
		"-t", strconv.Itoa(pid),
		"-D", checkpointPath,
		"-v4",
		"--log-file", filepath.Join(checkpointPath, DumpLogFilename),
	}
	if cfg.LeaveRunning {
		args = append(args, "--leave-running")
	}
	if cfg.TCPEstablished {
		args = append(args, "--tcp-established")
	}
	if cfg.ShellJob {
		args = append(args, "--shell-job")
	}
	if cfg.ExtUnixSockets {
		args = append(args, "--ext-unix-sk")
	}
	if cfg.FileLocks {
		args = append(args, "--file-locks")
	}

	s.log.Info("creating checkpoint",
		zap.String("container_id", cfg.ContainerID),
		zap.Int("pid", pid),
		zap.String("checkpoint_path", checkpointPath),
	)

	res, err := s.runner.Run(ctx, s.config.Binary, args...)
	if err != nil {
		s.countDump(ctx, false)
		return failedStatus(warnings, "checkpoint tool dump interrupted: %v", err)
	}
	if !res.Ok() {
		s.countDump(ctx, false)
		// Keep the partial directory; the dump log is the post-mortem.
		return failedStatus(warnings, "checkpoint tool dump failed: %s", strings.TrimSpace(res.Stderr))
	}

	flags := cfg.Flags()
	meta := &Metadata{
		ContainerID:    cfg.ContainerID,
		CheckpointTime: time.Now().UTC().Format(time.RFC3339),
		Architecture:   runtime.GOARCH,
		KernelVersion:  s.kernelVersion(ctx),
		RuntimeVersion: s.inspector.RuntimeVersion(ctx),
		Warnings:       warnings,
		Flags:          &flags,
	}
	if err := writeMetadata(checkpointPath, meta); err != nil {
		s.countDump(ctx, false)
		return failedStatus(warnings, "failed to write checkpoint metadata: %v", err)
	}

	s.countDump(ctx, true)
	s.log.Info("checkpoint created",
		zap.String("container_id", cfg.ContainerID),
		zap.String("checkpoint_path", checkpointPath),
	)
	return &CheckpointStatus{
		Success:        true,
		CheckpointPath: checkpointPath,
		Warnings:       warnings,
	}
}

// ValidateDump is a structural check, not a semantic one: the dump log
// scan is a best-effort warning signal only.
func (s *service) ValidateDump(ctx context.Context, checkpointPath string) *CheckpointStatus {
	_, span := s.tracer.Start(ctx, "criu.validate_dump")
	defer span.End()

	if _, err := os.Stat(checkpointPath); err != nil {
		return failedStatus(nil, "checkpoint directory not found: %s", checkpointPath)
	}

	var missing []string
	for _, name := range []string{MetadataFilename, DumpLogFilename} {
		if _, err := os.Stat(filepath.Join(checkpointPath, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return failedStatus(nil, "missing checkpoint files: %s", strings.Join(missing, ", "))
	}

	meta, err := s.ReadMetadata(checkpointPath)
	if err != nil {
		return failedStatus(nil, "invalid checkpoint metadata: %v", err)
	}

	var missingFields []string
	if meta.ContainerID == "" {
		missingFields = append(missingFields, "container_id")
	}
	if meta.CheckpointTime == "" {
		missingFields = append(missingFields, "checkpoint_time")
	}
	if meta.Architecture == "" {
		missingFields = append(missingFields, "architecture")
	}
	if len(missingFields) > 0 {
		return failedStatus(nil, "missing metadata fields: %s", strings.Join(missingFields, ", "))
	}

	warnings := scanDumpLog(filepath.Join(checkpointPath, DumpLogFilename))
	return &CheckpointStatus{
		Success:        true,
		CheckpointPath: checkpointPath,
		Warnings:       warnings,
	}
}

// Restore re-validates the dump, then replays the recorded flag set.
// Checkpoints from before flag persistence fall back to the historical
// fixed defaults.
func (s *service) Restore(ctx context.Context, checkpointPath, newContainerID string) *CheckpointStatus {
	ctx, span := s.tracer.Start(ctx, "criu.restore")
	defer span.End()

	validation := s.ValidateDump(ctx, checkpointPath)
	if !validation.Success {
		s.countRestore(ctx, false)
		return validation
	}

	meta, err := s.ReadMetadata(checkpointPath)
	if err != nil {
		s.countRestore(ctx, false)
		return failedStatus(validation.Warnings, "failed to read checkpoint metadata: %v", err)
	}

	flags := LegacyRestoreFlags()
	if meta.Flags != nil {
		flags = *meta.Flags
	}

	targetID := meta.ContainerID
	if newContainerID != "" {
		targetID = newContainerID
	}

	args := []string{
		"restore",
		"-D", checkpointPath,
		"-v4",
		"--log-file", filepath.Join(checkpointPath, RestoreLogFilename),
	}
	args = append(args, RestoreFlagArgs(flags)...)

	s.log.Info("restoring checkpoint",
		zap.String("checkpoint_path", checkpointPath),
		zap.String("container_id", targetID),
		zap.Bool("recorded_flags", meta.Flags != nil),
	)

	res, err := s.runner.Run(ctx, s.config.Binary, args...)
	if err != nil {
		s.countRestore(ctx, false)
		return failedStatus(validation.Warnings, "checkpoint tool restore interrupted: %v", err)
	}
	if !res.Ok() {
		s.countRestore(ctx, false)
		return failedStatus(validation.Warnings, "checkpoint tool restore failed: %s", strings.TrimSpace(res.Stderr))
	}

	s.countRestore(ctx, true)
	s.log.Info("checkpoint restored", zap.String("checkpoint_path", checkpointPath))
	return &CheckpointStatus{
		Success:        true,
		CheckpointPath: checkpointPath,
		Warnings:       validation.Warnings,
	}
}

// ReadMetadata loads the metadata record of a checkpoint directory.
func (s *service) ReadMetadata(checkpointPath string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(checkpointPath, MetadataFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

// ListCheckpoints inventories checkpoint directories under BaseDir.
// Directories without a readable metadata record are skipped.
func (s *service) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(s.config.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint base dir: %w", err)
	}

	var infos []CheckpointInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.config.BaseDir, entry.Name())
		meta, err := s.ReadMetadata(path)
		if err != nil {
			s.log.Debug("skipping checkpoint without metadata", zap.String("path", path))
			continue
		}
		infos = append(infos, CheckpointInfo{Metadata: *meta, Path: path})
	}
	return infos, nil
}

// CleanupCheckpoint removes a checkpoint directory. Cleanup is always an
// explicit operation; nothing in the manager deletes checkpoints on its own.
func (s *service) CleanupCheckpoint(checkpointPath string) error {
	if err := os.RemoveAll(checkpointPath); err != nil {
		return fmt.Errorf("failed to remove checkpoint %s: %w", checkpointPath, err)
	}
	s.log.Info("checkpoint removed", zap.String("checkpoint_path", checkpointPath))
	return nil
}

func (s *service) kernelVersion(ctx context.Context) string {
	res, err := s.runner.Run(ctx, "uname", "-r")
	if err != nil || !res.Ok() {
		return "unknown"
	}
	return res.TrimmedStdout()
}

func (s *service) countDump(ctx context.Context, success bool) {
	if s.dumpCounter != nil {
		s.dumpCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
}

func (s *service) countRestore(ctx context.Context, success bool) {
	if s.restoreCounter != nil {
		s.restoreCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
}

func writeMetadata(checkpointPath string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(checkpointPath, MetadataFilename), data, 0o644)
}

// scanDumpLog flags Error/Warning tokens in the dump log. Token matching
// is deliberately coarse; it feeds warnings, never failures.
func scanDumpLog(path string) []string {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var warnings []string
	text := string(content)
	if strings.Contains(text, "Error") {
		warnings = append(warnings, "errors found in dump log")
	}
	if strings.Contains(text, "Warning") {
		warnings = append(warnings, "warnings found in dump log")
	}
	return warnings
}
