// Package migration orchestrates container migrations end to end:
// prerequisite validation, compatibility gating, checkpoint, package,
// transfer, remote restore, liveness validation, and rollback.
//
// Each migration is synchronous and blocking. Distinct container
// migrations may run concurrently; a per-container registry rejects a
// second attempt for the same id and carries a cancellation handle
// that terminates the in-flight pipeline subprocess.
package migration

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crossarch/internal/criu"
	"github.com/fyrsmithlabs/crossarch/internal/fault"
	"github.com/fyrsmithlabs/crossarch/internal/pack"
	"github.com/fyrsmithlabs/crossarch/internal/transport"
)

const instrumentationName = "github.com/fyrsmithlabs/crossarch/internal/migration"

// Service orchestrates migrations.
type Service interface {
	// Migrate runs the full pipeline for one container. The result is
	// always non-nil; Success is the authoritative outcome signal.
	Migrate(ctx context.Context, cfg MigrationConfig) *MigrationResult

	// CheckCompatibility reports whether a container can be restored
	// on the target architecture.
	CheckCompatibility(ctx context.Context, containerID, targetArch string) (*CompatibilityCheck, error)

	// Cancel terminates an active migration's in-flight subprocess.
	Cancel(containerID string) error

	// MigrationStatus reports the status of an active migration. The
	// second return is false once the migration has returned.
	MigrationStatus(containerID string) (Status, bool)

	// ActiveMigrations lists container ids with a migration in flight.
	ActiveMigrations() []string
}

// Config configures the orchestrator.
type Config struct {
	// RemoteDir is the fixed migration work directory on targets.
	RemoteDir string

	// RemoteToolBinary is the checkpoint tool name on targets.
	RemoteToolBinary string

	// RuntimeBinary is the container runtime CLI on targets, used for
	// the post-restore liveness poll.
	RuntimeBinary string

	// DefaultValidationTimeout bounds the pipeline when the migration
	// config does not set its own.
	DefaultValidationTimeout time.Duration
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		RemoteDir:                "/data/local/tmp/migration",
		RemoteToolBinary:         "criu",
		RuntimeBinary:            "docker",
		DefaultValidationTimeout: 5 * time.Minute,
	}
}

type service struct {
	config      *Config
	checkpoints criu.Service
	packages    pack.Service
	transports  transport.Factory
	inspector   criu.Inspector
	registry    *registry
	log         *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	migrationCounter metric.Int64Counter
	rollbackCounter  metric.Int64Counter
}

// NewService creates a migration orchestrator.
func NewService(cfg *Config, checkpoints criu.Service, packages pack.Service, transports transport.Factory, inspector criu.Inspector, log *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint service is required")
	}
	if packages == nil {
		return nil, errors.New("package service is required")
	}
	if transports == nil {
		return nil, errors.New("transport factory is required")
	}
	if inspector == nil {
		return nil, errors.New("inspector is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultValidationTimeout <= 0 {
		cfg.DefaultValidationTimeout = 5 * time.Minute
	}

	s := &service{
		config:      cfg,
		checkpoints: checkpoints,
		packages:    packages,
		transports:  transports,
		inspector:   inspector,
		registry:    newRegistry(),
		log:         log,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.migrationCounter, err = s.meter.Int64Counter(
		"crossarch.migration.migrations_total",
		metric.WithDescription("Total number of migration attempts"),
		metric.WithUnit("{migration}"),
	)
	if err != nil {
		s.log.Warn("failed to create migration counter", zap.Error(err))
	}

	s.rollbackCounter, err = s.meter.Int64Counter(
		"crossarch.migration.rollbacks_total",
		metric.WithDescription("Total number of rollback attempts"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		s.log.Warn("failed to create rollback counter", zap.Error(err))
	}
}

// Migrate runs the pipeline. One deadline covers every step; the
// registry entry is removed on every exit path.
func (s *service) Migrate(ctx context.Context, cfg MigrationConfig) *MigrationResult {
	start := time.Now()
	res := &MigrationResult{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		ContainerID: cfg.ContainerID,
	}
	defer func() { res.MigrationTime = time.Since(start) }()

	ctx, span := s.tracer.Start(ctx, "migration.migrate")
	defer span.End()
	span.SetAttributes(
		attribute.String("container_id", cfg.ContainerID),
		attribute.String("target_host", cfg.TargetHost),
	)

	if err := cfg.Validate(); err != nil {
		res.ErrorMessage = err.Error()
		s.advance(res, StatusFailed)
		s.countMigration(ctx, res.Status)
		return res
	}

	timeout := cfg.ValidationTimeout
	if timeout <= 0 {
		timeout = s.config.DefaultValidationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.registry.acquire(cfg.ContainerID, &activeMigration{result: res, cancel: cancel, status: res.Status}); err != nil {
		res.ErrorMessage = err.Error()
		s.advance(res, StatusFailed)
		s.countMigration(ctx, res.Status)
		return res
	}
	defer s.registry.release(cfg.ContainerID)
	// Closure so the counter sees the final status, not the one at
	// registration time.
	defer func() { s.countMigration(context.WithoutCancel(ctx), res.Status) }()

	s.advance(res, StatusInProgress)
	s.log.Info("migration started",
		zap.String("migration_id", res.ID),
		zap.String("container_id", cfg.ContainerID),
		zap.String("target_host", cfg.TargetHost),
	)

	tr := s.transports.ForHost(cfg.TargetHost)

	// Step 1: prerequisites. Nothing has been mutated yet.
	if err := s.validatePrerequisites(ctx, cfg, tr, res); err != nil {
		return s.fail(ctx, cfg, res, err)
	}

	// Step 2: compatibility gate, before any checkpoint is taken.
	check, err := s.CheckCompatibility(ctx, cfg.ContainerID, cfg.TargetArch)
	if err != nil {
		return s.fail(ctx, cfg, res, err)
	}
	res.Warnings = append(res.Warnings, check.Recommendations...)
	if !check.IsCompatible {
		return s.fail(ctx, cfg, res, fault.New(fault.KindValidation, "compatibility",
			"container is not compatible with target: %s", strings.Join(check.Issues, "; ")))
	}

	// Step 3: checkpoint. Migration necessarily stops the source. The
	// dump re-runs container validation, so its warnings overlap the
	// prerequisite set already on the result.
	st := s.checkpoints.Dump(ctx, criu.DefaultCheckpointConfig(cfg.ContainerID, ""))
	res.Warnings = appendMissing(res.Warnings, st.Warnings)
	if !st.Success {
		return s.fail(ctx, cfg, res, fault.New(fault.KindCheckpoint, "checkpoint", "%s", st.ErrorMessage))
	}
	res.SourceCheckpointPath = st.CheckpointPath

	// Step 4: package.
	pkg, err := s.packages.Package(ctx, st.CheckpointPath, "")
	if err != nil {
		return s.fail(ctx, cfg, res, err)
	}

	// Step 5: transfer to the container-id-namespaced target path.
	remoteArchive := path.Join(s.config.RemoteDir, cfg.ContainerID+pack.ArchiveSuffix)
	warnings, err := s.packages.Transfer(ctx, pack.TransferConfig{
		SourcePath:     pkg.PackagePath,
		TargetHost:     cfg.TargetHost,
		TargetPath:     remoteArchive,
		VerifyChecksum: true,
	})
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return s.fail(ctx, cfg, res, err)
	}

	// Step 6: remote restore with the dump-time flags.
	restoreDir, err := s.restoreOnTarget(ctx, tr, res.SourceCheckpointPath, remoteArchive, cfg.ContainerID)
	if err != nil {
		return s.fail(ctx, cfg, res, err)
	}
	res.TargetCheckpointPath = restoreDir

	// Step 7: a restore command that exits 0 without leaving a live
	// process is still a failure.
	if err := s.validateSuccess(ctx, tr, cfg.ContainerID); err != nil {
		return s.fail(ctx, cfg, res, err)
	}

	res.Success = true
	s.advance(res, StatusCompleted)
	s.log.Info("migration completed",
		zap.String("migration_id", res.ID),
		zap.String("container_id", cfg.ContainerID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res
}

// Cancel delivers a real termination signal to the active migration's
// current subprocess. The pipeline itself marks the result failed and
// releases the registry entry.
func (s *service) Cancel(containerID string) error {
	entry, ok := s.registry.get(containerID)
	if !ok {
		return fmt.Errorf("no active migration for container %s", containerID)
	}
	s.log.Info("canceling migration", zap.String("container_id", containerID))
	entry.cancel()
	return nil
}

// MigrationStatus reports the status of an active migration.
func (s *service) MigrationStatus(containerID string) (Status, bool) {
	return s.registry.status(containerID)
}

// ActiveMigrations lists container ids with a migration in flight.
func (s *service) ActiveMigrations() []string {
	return s.registry.ids()
}

// validatePrerequisites checks the source container, the checkpoint
// tool, and target reachability, in that order.
func (s *service) validatePrerequisites(ctx context.Context, cfg MigrationConfig, tr transport.Transport, res *MigrationResult) error {
	ok, warnings := s.checkpoints.ValidateForCheckpoint(ctx, cfg.ContainerID)
	if !ok {
		return fault.New(fault.KindValidation, "prerequisites", "%s", strings.Join(warnings, "; "))
	}
	res.Warnings = append(res.Warnings, warnings...)

	if err := s.checkpoints.ConfigureEnvironment(ctx); err != nil {
		return err
	}
	if err := tr.Probe(ctx); err != nil {
		return err
	}
	return nil
}

// restoreOnTarget extracts the transferred archive and replays the
// restore with the flag set recorded at dump time.
func (s *service) restoreOnTarget(ctx context.Context, tr transport.Transport, sourceCheckpoint, remoteArchive, containerID string) (string, error) {
	meta, err := s.checkpoints.ReadMetadata(sourceCheckpoint)
	if err != nil {
		return "", fault.Wrap(fault.KindCheckpoint, "restore", err)
	}
	flags := criu.LegacyRestoreFlags()
	if meta.Flags != nil {
		flags = *meta.Flags
	}

	restoreDir := path.Join(s.config.RemoteDir, containerID+"_restored")

	extract := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s", restoreDir, remoteArchive, restoreDir)
	res, err := tr.Exec(ctx, extract)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fault.New(fault.KindTransfer, "restore",
			"failed to extract archive on %s: %s", tr, strings.TrimSpace(res.Stderr))
	}

	restoreArgs := []string{
		s.config.RemoteToolBinary,
		"restore",
		"-D", restoreDir,
		"-v4",
		"--log-file", path.Join(restoreDir, criu.RestoreLogFilename),
	}
	restoreArgs = append(restoreArgs, criu.RestoreFlagArgs(flags)...)

	res, err = tr.Exec(ctx, strings.Join(restoreArgs, " "))
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fault.New(fault.KindCheckpoint, "restore",
			"remote restore failed on %s: %s", tr, strings.TrimSpace(res.Stderr))
	}

	s.log.Info("restored on target",
		zap.String("container_id", containerID),
		zap.String("restore_dir", restoreDir),
	)
	return restoreDir, nil
}

// validateSuccess polls the target runtime until a live container
// matching the expected identity appears or the deadline expires.
func (s *service) validateSuccess(ctx context.Context, tr transport.Transport, containerID string) error {
	probe := fmt.Sprintf("%s ps -q --filter name=%s", s.config.RuntimeBinary, containerID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res, err := tr.Exec(ctx, probe)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if res.Ok() && res.TrimmedStdout() != "" {
			return struct{}{}, nil
		}
		return struct{}{}, errors.New("container not yet visible on target")
	}, backoff.WithBackOff(b))
	if err != nil {
		return fault.New(fault.KindValidation, "validate",
			"restored container %s is not running on %s: %v", containerID, tr, err)
	}
	return nil
}

// fail marks the result failed and, when eligible, rolls the source
// container back. A canceled migration cleans its checkpoint instead
// of rolling back.
func (s *service) fail(ctx context.Context, cfg MigrationConfig, res *MigrationResult, err error) *MigrationResult {
	res.ErrorMessage = err.Error()
	s.advance(res, StatusFailed)
	s.log.Warn("migration failed",
		zap.String("migration_id", res.ID),
		zap.String("container_id", cfg.ContainerID),
		zap.Error(err),
	)

	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		res.Warnings = append(res.Warnings, "migration canceled")
		if res.SourceCheckpointPath != "" {
			if cerr := s.checkpoints.CleanupCheckpoint(res.SourceCheckpointPath); cerr != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("failed to clean up checkpoint: %v", cerr))
			}
		}
		return res
	}

	if cfg.RollbackOnFailure && res.SourceCheckpointPath != "" {
		// Rollback must run even after the pipeline deadline expired.
		s.rollback(context.WithoutCancel(ctx), res)
	}
	return res
}

// rollback resurrects the source container from its own checkpoint.
// The outcome lands in warnings either way, never silently dropped.
func (s *service) rollback(ctx context.Context, res *MigrationResult) {
	s.log.Info("rolling back migration",
		zap.String("migration_id", res.ID),
		zap.String("container_id", res.ContainerID),
	)

	st := s.checkpoints.Restore(ctx, res.SourceCheckpointPath, "")
	if s.rollbackCounter != nil {
		s.rollbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", st.Success)))
	}
	if st.Success {
		res.Warnings = append(res.Warnings, "rollback succeeded: source container restored")
		s.advance(res, StatusRolledBack)
		return
	}
	res.Warnings = append(res.Warnings, "rollback failed: "+st.ErrorMessage)
}

// advance moves the result to the next status, enforcing monotonicity.
func (s *service) advance(res *MigrationResult, next Status) {
	if !res.Status.CanTransitionTo(next) {
		s.log.Error("illegal status transition",
			zap.String("from", string(res.Status)),
			zap.String("to", string(next)),
		)
		return
	}
	res.Status = next
	s.registry.setStatus(res.ContainerID, next)
}

// appendMissing appends warnings not already present in dst.
func appendMissing(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, w := range dst {
		seen[w] = struct{}{}
	}
	for _, w := range src {
		if _, ok := seen[w]; !ok {
			dst = append(dst, w)
			seen[w] = struct{}{}
		}
	}
	return dst
}

func (s *service) countMigration(ctx context.Context, status Status) {
	if s.migrationCounter != nil {
		s.migrationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}
