package criu

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/crossarch/internal/execx"
	"github.com/fyrsmithlabs/crossarch/internal/fault"
	"github.com/fyrsmithlabs/crossarch/internal/inspect"
)

// mockInspector is a canned runtime view.
type mockInspector struct {
	info    *inspect.ContainerInfo
	infoErr error
	pid     int
	pidErr  error
}

func (m *mockInspector) Inspect(ctx context.Context, id string) (*inspect.ContainerInfo, error) {
	return m.info, m.infoErr
}

func (m *mockInspector) Pid(ctx context.Context, id string) (int, error) {
	return m.pid, m.pidErr
}

func (m *mockInspector) RuntimeVersion(ctx context.Context) string {
	return "Docker version 27.0.1"
}

func runningContainer() *inspect.ContainerInfo {
	return &inspect.ContainerInfo{
		ID:    "web1",
		State: inspect.ContainerState{Status: "running", Running: true, Pid: 4242},
		HostConfig: inspect.HostConfig{
			NetworkMode: "bridge",
		},
	}
}

func newTestService(t *testing.T, binary string, runner execx.Runner, ins Inspector) Service {
	t.Helper()
	svc, err := NewService(&Config{Binary: binary, BaseDir: t.TempDir()}, runner, ins, nil)
	require.NoError(t, err)
	return svc
}

// writeFakeTool creates an executable placeholder binary.
func writeFakeTool(t *testing.T, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "criu")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
	return path
}

func writeCheckpointDir(t *testing.T, meta *Metadata, dumpLog string) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.MarshalIndent(meta, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFilename), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DumpLogFilename), []byte(dumpLog), 0o644))
	return dir
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(nil, nil, &mockInspector{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runner is required")

	_, err = NewService(nil, execx.NewMockRunner(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inspector is required")
}

func TestConfigureEnvironment_Succeeds(t *testing.T) {
	tool := writeFakeTool(t, 0o755)
	runner := execx.NewMockRunner()
	runner.ScriptOK(tool+" check", "Looks good.")

	svc := newTestService(t, tool, runner, &mockInspector{})
	require.NoError(t, svc.ConfigureEnvironment(context.Background()))
}

func TestConfigureEnvironment_MissingBinary(t *testing.T) {
	svc := newTestService(t, "/nonexistent/criu", execx.NewMockRunner(), &mockInspector{})

	err := svc.ConfigureEnvironment(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindEnvironment))
	assert.Contains(t, err.Error(), "not found")
}

func TestConfigureEnvironment_NotExecutable(t *testing.T) {
	tool := writeFakeTool(t, 0o644)
	svc := newTestService(t, tool, execx.NewMockRunner(), &mockInspector{})

	err := svc.ConfigureEnvironment(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindEnvironment))
	assert.Contains(t, err.Error(), "not executable")
}

func TestConfigureEnvironment_SelfCheckFails(t *testing.T) {
	tool := writeFakeTool(t, 0o755)
	runner := execx.NewMockRunner()
	runner.ScriptFail(tool+" check", 1, "kernel lacks CONFIG_CHECKPOINT_RESTORE")

	svc := newTestService(t, tool, runner, &mockInspector{})
	err := svc.ConfigureEnvironment(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindEnvironment))
	assert.Contains(t, err.Error(), "self-check failed")
}

func TestValidateForCheckpoint_NotRunning(t *testing.T) {
	ins := &mockInspector{info: &inspect.ContainerInfo{
		State: inspect.ContainerState{Status: "exited"},
	}}
	svc := newTestService(t, "criu", execx.NewMockRunner(), ins)

	ok, warnings := svc.ValidateForCheckpoint(context.Background(), "web1")
	assert.False(t, ok)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "not running")
}

func TestValidateForCheckpoint_AccumulatesWarnings(t *testing.T) {
	info := runningContainer()
	info.HostConfig.Privileged = true
	info.HostConfig.NetworkMode = "host"
	info.HostConfig.Binds = []string{"/data:/data"}
	info.Config.ExposedPorts = map[string]struct{}{"80/tcp": {}}

	svc := newTestService(t, "criu", execx.NewMockRunner(), &mockInspector{info: info})

	ok, warnings := svc.ValidateForCheckpoint(context.Background(), "web1")
	assert.True(t, ok)
	assert.Len(t, warnings, 4)
	assert.Contains(t, warnings, "container is running in privileged mode")
	assert.Contains(t, warnings, "container uses host networking")
	assert.Contains(t, warnings, "container has bind mounts")
	assert.Contains(t, warnings, "container has exposed ports")
}

func TestDump_Success(t *testing.T) {
	ins := &mockInspector{info: runningContainer(), pid: 4242}
	runner := execx.NewMockRunner()
	runner.ScriptOK("criu dump", "")
	runner.ScriptOK("uname -r", "6.6.30\n")

	svc := newTestService(t, "criu", runner, ins)

	dir := t.TempDir()
	cfg := DefaultCheckpointConfig("web1", dir)
	st := svc.Dump(context.Background(), cfg)

	require.True(t, st.Success, st.ErrorMessage)
	assert.Equal(t, filepath.Join(dir, "web1"), st.CheckpointPath)

	// Dump invocation carries the pid, directory, and every enabled flag.
	assert.True(t, runner.CalledWith("dump -t 4242 -D "+st.CheckpointPath))
	assert.True(t, runner.CalledWith("--tcp-established"))
	assert.True(t, runner.CalledWith("--shell-job"))
	assert.True(t, runner.CalledWith("--ext-unix-sk"))
	assert.True(t, runner.CalledWith("--file-locks"))
	assert.False(t, runner.CalledWith("--leave-running"))

	meta, err := svc.ReadMetadata(st.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, "web1", meta.ContainerID)
	assert.Equal(t, "6.6.30", meta.KernelVersion)
	assert.Equal(t, "Docker version 27.0.1", meta.RuntimeVersion)
	require.NotNil(t, meta.Flags)
	assert.True(t, meta.Flags.TCPEstablished)
	assert.False(t, meta.Flags.LeaveRunning)
}

func TestDump_ToolFailureRetainsDirectory(t *testing.T) {
	ins := &mockInspector{info: runningContainer(), pid: 4242}
	runner := execx.NewMockRunner()
	runner.ScriptFail("criu dump", 1, "pages-1.img: write failed")

	svc := newTestService(t, "criu", runner, ins)

	dir := t.TempDir()
	st := svc.Dump(context.Background(), DefaultCheckpointConfig("web1", dir))

	require.False(t, st.Success)
	assert.Contains(t, st.ErrorMessage, "dump failed")
	assert.Contains(t, st.ErrorMessage, "pages-1.img")

	// Partial directory kept for post-mortem.
	_, err := os.Stat(filepath.Join(dir, "web1"))
	assert.NoError(t, err)
}

func TestDump_ValidationFailureBlocksDump(t *testing.T) {
	ins := &mockInspector{infoErr: fault.New(fault.KindValidation, "inspect", "no such container")}
	runner := execx.NewMockRunner()
	runner.StrictMode = true // no tool invocation expected

	svc := newTestService(t, "criu", runner, ins)
	st := svc.Dump(context.Background(), DefaultCheckpointConfig("gone", t.TempDir()))

	require.False(t, st.Success)
	assert.Contains(t, st.ErrorMessage, "validation failed")
	assert.Empty(t, runner.Calls())
}

func TestValidateDump_MissingFiles(t *testing.T) {
	svc := newTestService(t, "criu", execx.NewMockRunner(), &mockInspector{})

	dir := t.TempDir()
	st := svc.ValidateDump(context.Background(), dir)
	require.False(t, st.Success)
	assert.Contains(t, st.ErrorMessage, "missing checkpoint files")
	assert.Contains(t, st.ErrorMessage, MetadataFilename)
	assert.Contains(t, st.ErrorMessage, DumpLogFilename)
}

func TestValidateDump_MissingMetadataFields(t *testing.T) {
	dir := writeCheckpointDir(t, &Metadata{ContainerID: "web1"}, "")

	svc := newTestService(t, "criu", execx.NewMockRunner(), &mockInspector{})
	st := svc.ValidateDump(context.Background(), dir)
	require.False(t, st.Success)
	assert.Contains(t, st.ErrorMessage, "checkpoint_time")
	assert.Contains(t, st.ErrorMessage, "architecture")
}

func TestValidateDump_ScansLogTokens(t *testing.T) {
	meta := &Metadata{ContainerID: "web1", CheckpointTime: "2026-08-31T00:00:00Z", Architecture: "amd64"}
	dir := writeCheckpointDir(t, meta, "(00.1) Warning: ghost file limit\n(00.2) Error (criu/files.c): fd in use\n")

	svc := newTestService(t, "criu", execx.NewMockRunner(), &mockInspector{})
	st := svc.ValidateDump(context.Background(), dir)
	require.True(t, st.Success)
	assert.Contains(t, st.Warnings, "errors found in dump log")
	assert.Contains(t, st.Warnings, "warnings found in dump log")
}

func TestRestore_ReplaysRecordedFlags(t *testing.T) {
	flags := DumpFlags{TCPEstablished: true, ShellJob: true, ExtUnixSockets: true, FileLocks: true}
	meta := &Metadata{
		ContainerID:    "web1",
		CheckpointTime: "2026-08-31T00:00:00Z",
		Architecture:   "amd64",
		Flags:          &flags,
	}
	dir := writeCheckpointDir(t, meta, "")

	runner := execx.NewMockRunner()
	runner.ScriptOK("criu restore", "")

	svc := newTestService(t, "criu", runner, &mockInspector{})
	st := svc.Restore(context.Background(), dir, "")

	require.True(t, st.Success, st.ErrorMessage)
	assert.True(t, runner.CalledWith("restore -D "+dir))
	assert.True(t, runner.CalledWith("--tcp-established"))
	assert.True(t, runner.CalledWith("--log-file "+filepath.Join(dir, RestoreLogFilename)))
}

func TestRestore_LegacyMetadataFallsBackToDefaults(t *testing.T) {
	meta := &Metadata{ContainerID: "web1", CheckpointTime: "2026-08-31T00:00:00Z", Architecture: "amd64"}
	dir := writeCheckpointDir(t, meta, "")

	runner := execx.NewMockRunner()
	runner.ScriptOK("criu restore", "")

	svc := newTestService(t, "criu", runner, &mockInspector{})
	st := svc.Restore(context.Background(), dir, "")

	require.True(t, st.Success, st.ErrorMessage)
	assert.True(t, runner.CalledWith("--shell-job"))
	assert.True(t, runner.CalledWith("--ext-unix-sk"))
	assert.True(t, runner.CalledWith("--file-locks"))
	assert.False(t, runner.CalledWith("--tcp-established"))
}

func TestRestore_ToolFailure(t *testing.T) {
	meta := &Metadata{ContainerID: "web1", CheckpointTime: "2026-08-31T00:00:00Z", Architecture: "amd64"}
	dir := writeCheckpointDir(t, meta, "")

	runner := execx.NewMockRunner()
	runner.ScriptFail("criu restore", 1, "restore failed: pid in use")

	svc := newTestService(t, "criu", runner, &mockInspector{})
	st := svc.Restore(context.Background(), dir, "")

	require.False(t, st.Success)
	assert.Contains(t, st.ErrorMessage, "restore failed")
}

func TestRestore_InvalidDumpRefused(t *testing.T) {
	runner := execx.NewMockRunner()
	runner.StrictMode = true

	svc := newTestService(t, "criu", runner, &mockInspector{})
	st := svc.Restore(context.Background(), t.TempDir(), "")

	require.False(t, st.Success)
	assert.Empty(t, runner.Calls())
}

func TestListCheckpoints(t *testing.T) {
	runner := execx.NewMockRunner()
	svc, err := NewService(&Config{Binary: "criu", BaseDir: t.TempDir()}, runner, &mockInspector{}, nil)
	require.NoError(t, err)

	// Empty base dir.
	infos, err := svc.ListCheckpoints()
	require.NoError(t, err)
	assert.Empty(t, infos)

	// One valid checkpoint, one stray directory.
	base := svc.(*service).config.BaseDir
	ckptDir := filepath.Join(base, "web1")
	require.NoError(t, os.MkdirAll(ckptDir, 0o755))
	meta := &Metadata{ContainerID: "web1", CheckpointTime: "2026-08-31T00:00:00Z", Architecture: "amd64"}
	require.NoError(t, writeMetadata(ckptDir, meta))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "stray"), 0o755))

	infos, err = svc.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "web1", infos[0].ContainerID)
	assert.Equal(t, ckptDir, infos[0].Path)
}

func TestCleanupCheckpoint(t *testing.T) {
	svc := newTestService(t, "criu", execx.NewMockRunner(), &mockInspector{})

	dir := filepath.Join(t.TempDir(), "web1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, svc.CleanupCheckpoint(dir))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
