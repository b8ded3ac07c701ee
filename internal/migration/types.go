package migration

import (
	"errors"
	"time"
)

// Status is the lifecycle state of one migration attempt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// statusRank orders states along the pipeline. Terminal states share a
// rank except rolled_back, which only ever follows failed.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusInProgress: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
	StatusRolledBack: 3,
}

// CanTransitionTo reports whether next is a legal successor state.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusRolledBack {
		return s == StatusFailed
	}
	return statusRank[next] > statusRank[s]
}

// MigrationConfig configures one migration attempt.
type MigrationConfig struct {
	ContainerID string `json:"container_id"`
	SourceHost  string `json:"source_host"`
	TargetHost  string `json:"target_host"`
	SourceArch  string `json:"source_arch"`
	TargetArch  string `json:"target_arch"`

	PreserveNetworking bool `json:"preserve_networking"`
	PreserveVolumes    bool `json:"preserve_volumes"`
	RollbackOnFailure  bool `json:"rollback_on_failure"`

	// ValidationTimeout bounds the whole pipeline, not just the final
	// liveness poll. Zero selects the service default.
	ValidationTimeout time.Duration `json:"validation_timeout"`
}

// Validate checks the fields without which no step can run.
func (c MigrationConfig) Validate() error {
	if c.ContainerID == "" {
		return errors.New("container_id is required")
	}
	if c.TargetHost == "" {
		return errors.New("target_host is required")
	}
	return nil
}

// MigrationResult is created at call start, mutated through the
// pipeline, and returned. Success is the sole authoritative signal;
// ErrorMessage carries the first fatal cause; Warnings carries every
// non-fatal observation including rollback outcomes.
type MigrationResult struct {
	ID                   string        `json:"id"`
	Success              bool          `json:"success"`
	Status               Status        `json:"status"`
	ContainerID          string        `json:"container_id"`
	SourceCheckpointPath string        `json:"source_checkpoint_path,omitempty"`
	TargetCheckpointPath string        `json:"target_checkpoint_path,omitempty"`
	ErrorMessage         string        `json:"error_message,omitempty"`
	Warnings             []string      `json:"warnings,omitempty"`
	MigrationTime        time.Duration `json:"migration_time"`
}

// CompatibilityCheck is the verdict on whether a container can be
// restored on the target. Issues are hard blockers; Recommendations
// are soft observations that never block.
type CompatibilityCheck struct {
	IsCompatible           bool     `json:"is_compatible"`
	ArchitectureCompatible bool     `json:"architecture_compatible"`
	KernelCompatible       bool     `json:"kernel_compatible"`
	RuntimeCompatible      bool     `json:"runtime_compatible"`
	Issues                 []string `json:"issues,omitempty"`
	Recommendations        []string `json:"recommendations,omitempty"`
}
