// Package pack turns checkpoint directories into checksummed archives
// and moves them to migration targets.
//
// A package is a gzip-compressed tarball of one checkpoint directory
// plus a sidecar record carrying its SHA-256 checksum. Every read path
// (unpack, transfer) re-verifies the checksum and fails closed when the
// sidecar is missing or the digest does not match.
package pack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crossarch/internal/criu"
	"github.com/fyrsmithlabs/crossarch/internal/fault"
	"github.com/fyrsmithlabs/crossarch/internal/transport"
)

const instrumentationName = "github.com/fyrsmithlabs/crossarch/internal/pack"

// Service manages checkpoint packages.
type Service interface {
	// Package archives a checkpoint directory into a checksummed
	// tarball with a sidecar record. The directory must already carry
	// checkpoint metadata. An empty outPath selects the default
	// location under the base directory.
	Package(ctx context.Context, checkpointDir, outPath string) (*Package, error)

	// Unpack verifies integrity and extracts an archive. An empty
	// outDir extracts next to the archive.
	Unpack(ctx context.Context, packagePath, outDir string) (string, error)

	// Transfer pushes an archive to a target host and optionally
	// verifies the remote checksum. Returned warnings are non-fatal
	// observations accumulated along the way.
	Transfer(ctx context.Context, cfg TransferConfig) ([]string, error)

	// VerifyIntegrity recomputes the archive checksum against the
	// sidecar record. A missing sidecar fails closed.
	VerifyIntegrity(packagePath string) error

	// ListPackages inventories packages under the base directory.
	ListPackages() ([]*Package, error)

	// PackageInfo loads the sidecar record of one archive.
	PackageInfo(packagePath string) (*Package, error)

	// CleanupPackage removes an archive and its sidecar.
	CleanupPackage(packagePath string) error
}

// Config configures the package manager.
type Config struct {
	// BaseDir is the default parent directory for archives.
	BaseDir string
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{BaseDir: "/var/lib/crossarch/migration"}
}

type service struct {
	config  *Config
	factory transport.Factory
	log     *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	packageCounter  metric.Int64Counter
	transferCounter metric.Int64Counter
}

// NewService creates a package manager.
func NewService(cfg *Config, factory transport.Factory, log *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if factory == nil {
		return nil, errors.New("transport factory is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &service{
		config:  cfg,
		factory: factory,
		log:     log,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.packageCounter, err = s.meter.Int64Counter(
		"crossarch.package.packages_total",
		metric.WithDescription("Total number of checkpoint packaging attempts"),
		metric.WithUnit("{package}"),
	)
	if err != nil {
		s.log.Warn("failed to create package counter", zap.Error(err))
	}

	s.transferCounter, err = s.meter.Int64Counter(
		"crossarch.package.transfers_total",
		metric.WithDescription("Total number of package transfer attempts"),
		metric.WithUnit("{transfer}"),
	)
	if err != nil {
		s.log.Warn("failed to create transfer counter", zap.Error(err))
	}
}

// Package archives the checkpoint directory and anchors it with a
// SHA-256 sidecar.
func (s *service) Package(ctx context.Context, checkpointDir, outPath string) (*Package, error) {
	_, span := s.tracer.Start(ctx, "pack.package")
	defer span.End()

	meta, err := readCheckpointMetadata(checkpointDir)
	if err != nil {
		s.countPackage(ctx, false)
		return nil, fault.Wrap(fault.KindValidation, "package", err)
	}

	if outPath == "" {
		outPath = filepath.Join(s.config.BaseDir, meta.ContainerID+ArchiveSuffix)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		s.countPackage(ctx, false)
		return nil, fmt.Errorf("failed to create package directory: %w", err)
	}

	if err := createArchive(checkpointDir, outPath); err != nil {
		s.countPackage(ctx, false)
		return nil, err
	}

	checksum, err := fileSHA256(outPath)
	if err != nil {
		s.countPackage(ctx, false)
		return nil, err
	}
	info, err := os.Stat(outPath)
	if err != nil {
		s.countPackage(ctx, false)
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	pkg := &Package{
		PackagePath:      outPath,
		Checksum:         checksum,
		SizeBytes:        info.Size(),
		ContainerID:      meta.ContainerID,
		OriginalMetadata: meta,
		PackageTime:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeSidecar(pkg); err != nil {
		s.countPackage(ctx, false)
		return nil, err
	}

	s.countPackage(ctx, true)
	s.log.Info("checkpoint packaged",
		zap.String("container_id", pkg.ContainerID),
		zap.String("package_path", pkg.PackagePath),
		zap.Int64("size_bytes", pkg.SizeBytes),
	)
	return pkg, nil
}

// Unpack refuses to extract anything it cannot verify.
func (s *service) Unpack(ctx context.Context, packagePath, outDir string) (string, error) {
	_, span := s.tracer.Start(ctx, "pack.unpack")
	defer span.End()

	if err := s.VerifyIntegrity(packagePath); err != nil {
		return "", err
	}

	if outDir == "" {
		outDir = strings.TrimSuffix(packagePath, ".tar.gz")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}
	if err := extractArchive(packagePath, outDir); err != nil {
		return "", err
	}

	s.log.Info("package unpacked",
		zap.String("package_path", packagePath),
		zap.String("out_dir", outDir),
	)
	return outDir, nil
}

// Transfer pushes the archive, best-effort pushes the sidecar, and
// optionally compares a remote checksum. Source cleanup happens only
// after everything else succeeded.
func (s *service) Transfer(ctx context.Context, cfg TransferConfig) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "pack.transfer")
	defer span.End()
	span.SetAttributes(attribute.String("target_host", cfg.TargetHost))

	pkg, err := s.PackageInfo(cfg.SourcePath)
	if err != nil {
		s.countTransfer(ctx, false)
		return nil, err
	}
	if err := s.VerifyIntegrity(cfg.SourcePath); err != nil {
		s.countTransfer(ctx, false)
		return nil, err
	}

	tr := s.factory.ForHost(cfg.TargetHost)

	if err := tr.Push(ctx, cfg.SourcePath, cfg.TargetPath); err != nil {
		s.countTransfer(ctx, false)
		return nil, err
	}

	var warnings []string

	// The checksum already travels inside the caller's records, so a
	// failed sidecar push is not fatal.
	if err := tr.Push(ctx, SidecarPath(cfg.SourcePath), SidecarPath(cfg.TargetPath)); err != nil {
		warnings = append(warnings, fmt.Sprintf("failed to transfer sidecar: %v", err))
	}

	if cfg.VerifyChecksum {
		remote, err := s.remoteChecksum(ctx, tr, cfg.TargetPath)
		if err != nil {
			s.countTransfer(ctx, false)
			return warnings, err
		}
		if remote != pkg.Checksum {
			warnings = append(warnings, fmt.Sprintf(
				"remote checksum %s does not match local %s", remote, pkg.Checksum))
			s.countTransfer(ctx, false)
			return warnings, fault.New(fault.KindTransfer, "transfer",
				"checksum mismatch after transfer to %s", tr)
		}
	}

	if cfg.CleanupSource {
		if err := s.CleanupPackage(cfg.SourcePath); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to clean up source package: %v", err))
		}
	}

	s.countTransfer(ctx, true)
	s.log.Info("package transferred",
		zap.String("package_path", cfg.SourcePath),
		zap.String("target_host", cfg.TargetHost),
		zap.String("target_path", cfg.TargetPath),
	)
	return warnings, nil
}

// VerifyIntegrity fails closed: no sidecar means no proof, and no proof
// means no pass.
func (s *service) VerifyIntegrity(packagePath string) error {
	pkg, err := readSidecar(packagePath)
	if err != nil {
		return fault.New(fault.KindIntegrity, "verify",
			"no integrity record for %s: %v", packagePath, err)
	}
	actual, err := fileSHA256(packagePath)
	if err != nil {
		return fault.Wrap(fault.KindIntegrity, "verify", err)
	}
	if actual != pkg.Checksum {
		return fault.New(fault.KindIntegrity, "verify",
			"checksum mismatch for %s: recorded %s, actual %s", packagePath, pkg.Checksum, actual)
	}
	return nil
}

// ListPackages inventories archives with readable sidecars under
// BaseDir. Archives without a sidecar are skipped.
func (s *service) ListPackages() ([]*Package, error) {
	entries, err := os.ReadDir(s.config.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read package base dir: %w", err)
	}

	var pkgs []*Package
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}
		path := filepath.Join(s.config.BaseDir, entry.Name())
		pkg, err := readSidecar(path)
		if err != nil {
			s.log.Debug("skipping archive without sidecar", zap.String("path", path))
			continue
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// PackageInfo loads the sidecar record of one archive.
func (s *service) PackageInfo(packagePath string) (*Package, error) {
	return readSidecar(packagePath)
}

// CleanupPackage removes the archive and its sidecar. A missing sidecar
// is not an error here; cleanup is best-effort by design of the caller.
func (s *service) CleanupPackage(packagePath string) error {
	if err := os.Remove(packagePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove package %s: %w", packagePath, err)
	}
	if err := os.Remove(SidecarPath(packagePath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove sidecar for %s: %w", packagePath, err)
	}
	s.log.Info("package removed", zap.String("package_path", packagePath))
	return nil
}

func (s *service) remoteChecksum(ctx context.Context, tr transport.Transport, remotePath string) (string, error) {
	res, err := tr.Exec(ctx, "sha256sum "+remotePath)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fault.New(fault.KindTransfer, "verify",
			"remote checksum on %s failed: %s", tr, strings.TrimSpace(res.Stderr))
	}
	sum := res.FirstField()
	if sum == "" {
		return "", fault.New(fault.KindTransfer, "verify",
			"remote checksum on %s returned no output", tr)
	}
	return sum, nil
}

func (s *service) countPackage(ctx context.Context, success bool) {
	if s.packageCounter != nil {
		s.packageCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
}

func (s *service) countTransfer(ctx context.Context, success bool) {
	if s.transferCounter != nil {
		s.transferCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
}

func readCheckpointMetadata(checkpointDir string) (*criu.Metadata, error) {
	data, err := os.ReadFile(filepath.Join(checkpointDir, criu.MetadataFilename))
	if err != nil {
		return nil, fmt.Errorf("checkpoint directory has no metadata: %w", err)
	}
	var meta criu.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint metadata: %w", err)
	}
	return &meta, nil
}

func writeSidecar(pkg *Package) error {
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(SidecarPath(pkg.PackagePath), data, 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

func readSidecar(packagePath string) (*Package, error) {
	data, err := os.ReadFile(SidecarPath(packagePath))
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar: %w", err)
	}
	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse sidecar: %w", err)
	}
	return &pkg, nil
}
