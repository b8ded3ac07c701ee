package migration

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// restorableArchitectures are the image architectures the restore path
// handles. An image reporting anything else cannot be resurrected on
// the other side; "unknown" (or empty) passes with a recommendation
// because older runtimes omit the field.
var restorableArchitectures = map[string]bool{
	"amd64":   true,
	"arm64":   true,
	"unknown": true,
}

// CheckCompatibility inspects the container and classifies findings
// into hard blockers and soft recommendations. Host networking and
// device mounts make a restore elsewhere meaningless and block hard;
// bind mounts and added capabilities may still work on the target and
// only warn.
func (s *service) CheckCompatibility(ctx context.Context, containerID, targetArch string) (*CompatibilityCheck, error) {
	info, err := s.inspector.Inspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	check := &CompatibilityCheck{
		ArchitectureCompatible: true,
		KernelCompatible:       true,
		RuntimeCompatible:      true,
	}

	arch := info.Config.Architecture
	if arch == "" {
		arch = "unknown"
	}
	switch {
	case !restorableArchitectures[arch]:
		check.ArchitectureCompatible = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("image architecture %s cannot be restored on the target", arch))
	case arch == "unknown":
		check.Recommendations = append(check.Recommendations,
			"image architecture is unknown; verify the image runs on the target")
	case targetArch != "" && arch != targetArch:
		check.Recommendations = append(check.Recommendations,
			fmt.Sprintf("image architecture %s differs from target %s; a multi-arch image is required", arch, targetArch))
	}

	if info.HostConfig.Privileged {
		check.KernelCompatible = false
		check.Issues = append(check.Issues,
			"privileged container depends on source kernel state and cannot be restored elsewhere")
	}

	if info.HostConfig.NetworkMode == "host" {
		check.RuntimeCompatible = false
		check.Issues = append(check.Issues,
			"host networking ties the container to the source host")
	}
	if len(info.HostConfig.Devices) > 0 {
		check.RuntimeCompatible = false
		check.Issues = append(check.Issues,
			"device mounts are not available on the target")
	}

	if len(info.HostConfig.Binds) > 0 {
		check.Recommendations = append(check.Recommendations,
			"bind mounts are not transferred; recreate the mounted paths on the target")
	}
	if len(info.HostConfig.CapAdd) > 0 {
		check.Recommendations = append(check.Recommendations,
			fmt.Sprintf("added capabilities (%s) must be granted on the target", strings.Join(info.HostConfig.CapAdd, ", ")))
	}

	check.IsCompatible = check.ArchitectureCompatible && check.KernelCompatible && check.RuntimeCompatible

	s.log.Debug("compatibility checked",
		zap.String("container_id", containerID),
		zap.Bool("compatible", check.IsCompatible),
		zap.Strings("issues", check.Issues),
	)
	return check, nil
}
