package pack

import "github.com/fyrsmithlabs/crossarch/internal/criu"

// Naming contract for archives and their sidecar records.
const (
	ArchiveSuffix = "_checkpoint.tar.gz"
	SidecarSuffix = ".metadata.json"
)

// Package describes one checksummed checkpoint archive. Immutable once
// created; the checksum is the integrity anchor for every later read.
// The same record is persisted as the archive's sidecar.
type Package struct {
	PackagePath      string         `json:"package_path"`
	Checksum         string         `json:"checksum"`
	SizeBytes        int64          `json:"size_bytes"`
	ContainerID      string         `json:"container_id"`
	OriginalMetadata *criu.Metadata `json:"original_metadata"`
	PackageTime      string         `json:"package_time"`
}

// SidecarPath returns the sidecar location for an archive path.
func SidecarPath(packagePath string) string {
	return packagePath + SidecarSuffix
}

// TransferConfig configures one transfer attempt. There is no
// compression toggle: packages are created compressed, so a transfer
// always moves a gzip archive.
type TransferConfig struct {
	// SourcePath is the local archive to move.
	SourcePath string

	// TargetHost selects the transport: "adb:<device>" for the device
	// bridge, anything else for the remote shell.
	TargetHost string

	// TargetPath is the destination path on the target.
	TargetPath string

	// VerifyChecksum recomputes the checksum on the target after the
	// push and compares it to the local record.
	VerifyChecksum bool

	// CleanupSource removes the local archive and sidecar, but only
	// after a fully verified transfer.
	CleanupSource bool
}
