package criu

import "fmt"

// File names making up the on-disk checkpoint directory contract.
const (
	MetadataFilename   = "metadata.json"
	DumpLogFilename    = "dump.log"
	RestoreLogFilename = "restore.log"
)

// CheckpointConfig configures one dump attempt. Created per attempt,
// consumed once.
type CheckpointConfig struct {
	ContainerID   string
	CheckpointDir string

	LeaveRunning   bool
	TCPEstablished bool
	ShellJob       bool
	ExtUnixSockets bool
	FileLocks      bool
}

// DefaultCheckpointConfig enables every preservation flag and stops the
// container at dump time.
func DefaultCheckpointConfig(containerID, checkpointDir string) CheckpointConfig {
	return CheckpointConfig{
		ContainerID:    containerID,
		CheckpointDir:  checkpointDir,
		LeaveRunning:   false,
		TCPEstablished: true,
		ShellJob:       true,
		ExtUnixSockets: true,
		FileLocks:      true,
	}
}

// Flags returns the persisted form of the dump-time flag set.
func (c CheckpointConfig) Flags() DumpFlags {
	return DumpFlags{
		LeaveRunning:   c.LeaveRunning,
		TCPEstablished: c.TCPEstablished,
		ShellJob:       c.ShellJob,
		ExtUnixSockets: c.ExtUnixSockets,
		FileLocks:      c.FileLocks,
	}
}

// DumpFlags is the exact flag set used at dump time, recorded in
// checkpoint metadata so a later restore replays it instead of guessing.
type DumpFlags struct {
	LeaveRunning   bool `json:"leave_running"`
	TCPEstablished bool `json:"tcp_established"`
	ShellJob       bool `json:"shell_job"`
	ExtUnixSockets bool `json:"ext_unix_sk"`
	FileLocks      bool `json:"file_locks"`
}

// LegacyRestoreFlags matches checkpoints written before flag persistence:
// restore used fixed defaults regardless of the dump invocation.
func LegacyRestoreFlags() DumpFlags {
	return DumpFlags{
		ShellJob:       true,
		ExtUnixSockets: true,
		FileLocks:      true,
	}
}

// RestoreFlagArgs maps a recorded flag set to restore-mode arguments.
// LeaveRunning has no restore counterpart.
func RestoreFlagArgs(flags DumpFlags) []string {
	var args []string
	if flags.TCPEstablished {
		args = append(args, "--tcp-established")
	}
	if flags.ShellJob {
		args = append(args, "--shell-job")
	}
	if flags.ExtUnixSockets {
		args = append(args, "--ext-unix-sk")
	}
	if flags.FileLocks {
		args = append(args, "--file-locks")
	}
	return args
}

// CheckpointStatus is the result of a dump, restore, or validate call.
type CheckpointStatus struct {
	Success        bool     `json:"success"`
	CheckpointPath string   `json:"checkpoint_path,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

func failedStatus(warnings []string, format string, args ...any) *CheckpointStatus {
	return &CheckpointStatus{
		Success:      false,
		ErrorMessage: fmt.Sprintf(format, args...),
		Warnings:     warnings,
	}
}

// Metadata is the record written beside every dump.
type Metadata struct {
	ContainerID    string     `json:"container_id"`
	CheckpointTime string     `json:"checkpoint_time"`
	Architecture   string     `json:"architecture"`
	KernelVersion  string     `json:"kernel_version"`
	RuntimeVersion string     `json:"runtime_version"`
	Warnings       []string   `json:"warnings"`
	Flags          *DumpFlags `json:"flags,omitempty"`
}

// CheckpointInfo pairs metadata with its on-disk location.
type CheckpointInfo struct {
	Metadata
	Path string `json:"checkpoint_path"`
}
