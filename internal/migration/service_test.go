package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/crossarch/internal/criu"
	"github.com/fyrsmithlabs/crossarch/internal/execx"
	"github.com/fyrsmithlabs/crossarch/internal/inspect"
	"github.com/fyrsmithlabs/crossarch/internal/pack"
	"github.com/fyrsmithlabs/crossarch/internal/transport"
)

const testContainer = "web1"

// mockInspector is a canned runtime view.
type mockInspector struct {
	info    *inspect.ContainerInfo
	infoErr error
	pid     int
}

func (m *mockInspector) Inspect(ctx context.Context, id string) (*inspect.ContainerInfo, error) {
	return m.info, m.infoErr
}

func (m *mockInspector) Pid(ctx context.Context, id string) (int, error) {
	return m.pid, nil
}

func (m *mockInspector) RuntimeVersion(ctx context.Context) string {
	return "Docker version 27.0.1"
}

func bridgeContainer() *inspect.ContainerInfo {
	return &inspect.ContainerInfo{
		ID:    testContainer,
		State: inspect.ContainerState{Status: "running", Running: true, Pid: 4242},
		Config: inspect.ContainerConfig{
			Image:        "nginx:latest",
			Architecture: "amd64",
		},
		HostConfig: inspect.HostConfig{NetworkMode: "bridge"},
	}
}

// fixture wires real checkpoint and package services over mocked
// subprocesses and transports.
type fixture struct {
	svc       Service
	runner    *execx.MockRunner
	factory   *transport.MockFactory
	target    *transport.MockTransport
	inspector *mockInspector

	tool     string
	criuBase string
	packBase string
}

const targetHost = "arm-target.local"

func (f *fixture) checkpointDir() string { return filepath.Join(f.criuBase, testContainer) }
func (f *fixture) archivePath() string   { return filepath.Join(f.packBase, testContainer+pack.ArchiveSuffix) }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tool := filepath.Join(t.TempDir(), "criu")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755))

	criuBase := t.TempDir()

	runner := execx.NewMockRunner()
	runner.ScriptOK(tool+" check", "Looks good.")
	runner.ScriptOK(tool+" dump", "")
	runner.ScriptOK(tool+" restore", "")
	runner.ScriptOK("uname -r", "6.6.30\n")
	// The real tool writes its log into the dump directory.
	runner.OnCall = func(line string) {
		if strings.HasPrefix(line, tool+" dump") {
			_ = os.WriteFile(
				filepath.Join(criuBase, testContainer, criu.DumpLogFilename),
				[]byte("(00.0) Dumping\n"), 0o644)
		}
	}

	ins := &mockInspector{info: bridgeContainer(), pid: 4242}

	checkpoints, err := criu.NewService(&criu.Config{Binary: tool, BaseDir: criuBase}, runner, ins, nil)
	require.NoError(t, err)

	factory := transport.NewMockFactory()
	packBase := t.TempDir()
	packages, err := pack.NewService(&pack.Config{BaseDir: packBase}, factory, nil)
	require.NoError(t, err)

	svc, err := NewService(&Config{
		RemoteDir:                "/data/local/tmp/migration",
		RemoteToolBinary:         "criu",
		RuntimeBinary:            "docker",
		DefaultValidationTimeout: 5 * time.Second,
	}, checkpoints, packages, factory, ins, nil)
	require.NoError(t, err)

	f := &fixture{
		svc:       svc,
		runner:    runner,
		factory:   factory,
		target:    factory.Transport(targetHost),
		inspector: ins,
		tool:      tool,
		criuBase:  criuBase,
		packBase:  packBase,
	}
	f.scriptHealthyTarget(t)
	return f
}

// scriptHealthyTarget answers remote checksum, extract, restore, and
// liveness probes the way a healthy target would.
func (f *fixture) scriptHealthyTarget(t *testing.T) {
	t.Helper()
	f.target.ExecHook = func(command string) (execx.Result, error) {
		switch {
		case strings.HasPrefix(command, "sha256sum"):
			return execx.Result{Stdout: sha256File(t, f.archivePath()) + "  " + strings.TrimPrefix(command, "sha256sum ")}, nil
		case strings.HasPrefix(command, "docker ps"):
			return execx.Result{Stdout: "9f8e7d6c\n"}, nil
		default:
			return execx.Result{}, nil
		}
	}
}

func sha256File(t *testing.T, path string) string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	h := sha256.New()
	_, err = io.Copy(h, file)
	require.NoError(t, err)
	return hex.EncodeToString(h.Sum(nil))
}

func defaultConfig() MigrationConfig {
	return MigrationConfig{
		ContainerID: testContainer,
		TargetHost:  targetHost,
		SourceArch:  "amd64",
		TargetArch:  "arm64",
	}
}

func TestMigrate_OutcomeCounterCarriesFinalStatus(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })

	f := newFixture(t)
	res := f.svc.Migrate(context.Background(), defaultConfig())
	require.True(t, res.Success, res.ErrorMessage)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var statuses []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "crossarch.migration.migrations_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, ok := dp.Attributes.Value(attribute.Key("status"))
				require.True(t, ok)
				statuses = append(statuses, v.AsString())
			}
		}
	}
	assert.Equal(t, []string{string(StatusCompleted)}, statuses)
}

func TestMigrate_ValidationWarningsNotDuplicated(t *testing.T) {
	f := newFixture(t)
	f.inspector.info.HostConfig.Binds = []string{"/data:/data"}

	res := f.svc.Migrate(context.Background(), defaultConfig())
	require.True(t, res.Success, res.ErrorMessage)

	count := 0
	for _, w := range res.Warnings {
		if w == "container has bind mounts" {
			count++
		}
	}
	assert.Equal(t, 1, count, "validation warning must appear once, got %v", res.Warnings)
}

func TestMigrate_HealthyContainerCompletes(t *testing.T) {
	f := newFixture(t)

	res := f.svc.Migrate(context.Background(), defaultConfig())

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, f.checkpointDir(), res.SourceCheckpointPath)
	assert.Equal(t, "/data/local/tmp/migration/web1_restored", res.TargetCheckpointPath)
	assert.Positive(t, res.MigrationTime)

	// Archive landed at the container-id-namespaced target path.
	pushes := f.target.Pushes()
	require.NotEmpty(t, pushes)
	assert.Equal(t, "/data/local/tmp/migration/web1_checkpoint.tar.gz", pushes[0].RemotePath)

	// Remote restore replayed the dump-time flags.
	restores := f.target.ExecsMatching("criu restore")
	require.Len(t, restores, 1)
	assert.Contains(t, restores[0], "--tcp-established")
	assert.Contains(t, restores[0], "-D /data/local/tmp/migration/web1_restored")

	assert.Empty(t, f.svc.ActiveMigrations())
}

func TestMigrate_RemoteRestoreFailure(t *testing.T) {
	f := newFixture(t)
	healthy := f.target.ExecHook
	f.target.ExecHook = func(command string) (execx.Result, error) {
		if strings.Contains(command, "criu restore") {
			return execx.Result{ExitCode: 1, Stderr: "Error (criu/cr-restore.c): restore failed"}, nil
		}
		return healthy(command)
	}

	res := f.svc.Migrate(context.Background(), defaultConfig())

	require.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "restore")

	// No rollback requested: source checkpoint stays on disk.
	_, err := os.Stat(f.checkpointDir())
	assert.NoError(t, err)
	assert.Empty(t, f.svc.ActiveMigrations())
}

func TestMigrate_ChecksumMismatchStopsBeforeRestore(t *testing.T) {
	f := newFixture(t)
	f.target.ExecHook = func(command string) (execx.Result, error) {
		if strings.HasPrefix(command, "sha256sum") {
			return execx.Result{Stdout: strings.Repeat("0", 64) + "  /data/local/tmp/migration/web1_checkpoint.tar.gz"}, nil
		}
		return execx.Result{}, nil
	}

	res := f.svc.Migrate(context.Background(), defaultConfig())

	require.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)

	mismatch := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "does not match") {
			mismatch = true
		}
	}
	assert.True(t, mismatch, "expected a remote checksum mismatch warning, got %v", res.Warnings)

	// The pipeline stopped before touching restore.
	assert.Empty(t, f.target.ExecsMatching("criu restore"))
	assert.Empty(t, f.svc.ActiveMigrations())
}

func TestMigrate_IncompatibleContainerStopsBeforeCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.inspector.info.HostConfig.NetworkMode = "host"

	res := f.svc.Migrate(context.Background(), defaultConfig())

	require.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "not compatible")
	assert.Empty(t, res.SourceCheckpointPath)
	assert.False(t, f.runner.CalledWith(" dump "), "no checkpoint may be created for an incompatible container")
	assert.Empty(t, f.svc.ActiveMigrations())
}

func TestMigrate_MissingContainerFailsPrerequisites(t *testing.T) {
	f := newFixture(t)
	f.inspector.info = nil
	f.inspector.infoErr = os.ErrNotExist

	res := f.svc.Migrate(context.Background(), defaultConfig())

	require.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "not found")
	assert.Empty(t, f.svc.ActiveMigrations())
}

func TestMigrate_UnreachableTarget(t *testing.T) {
	f := newFixture(t)
	f.target.ProbeErr = context.DeadlineExceeded

	res := f.svc.Migrate(context.Background(), defaultConfig())

	require.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.SourceCheckpointPath)
	assert.Empty(t, f.svc.ActiveMigrations())
}

func TestMigrate_RollbackAfterRestoreFailure(t *testing.T) {
	f := newFixture(t)
	healthy := f.target.ExecHook
	f.target.ExecHook = func(command string) (execx.Result, error) {
		if strings.Contains(command, "criu restore") {
			return execx.Result{ExitCode: 1, Stderr: "restore failed"}, nil
		}
		return healthy(command)
	}

	cfg := defaultConfig()
	cfg.RollbackOnFailure = true
	res := f.svc.Migrate(context.Background(), cfg)

	require.False(t, res.Success)
	assert.Equal(t, StatusRolledBack, res.Status)
	assert.Contains(t, res.Warnings, "rollback succeeded: source container restored")

	// Rollback restored from the source checkpoint.
	assert.True(t, f.runner.CalledWith(f.tool+" restore -D "+f.checkpointDir()))
	assert.Empty(t, f.svc.ActiveMigrations())
}

func TestMigrate_RollbackFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.runner.ScriptFail(f.tool+" restore", 1, "pid already in use")
	healthy := f.target.ExecHook
	f.target.ExecHook = func(command string) (execx.Result, error) {
		if strings.Contains(command, "criu restore") {
			return execx.Result{ExitCode: 1, Stderr: "restore failed"}, nil
		}
		return healthy(command)
	}

	cfg := defaultConfig()
	cfg.RollbackOnFailure = true
	res := f.svc.Migrate(context.Background(), cfg)

	require.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)

	recorded := false
	for _, w := range res.Warnings {
		if strings.HasPrefix(w, "rollback failed:") {
			recorded = true
		}
	}
	assert.True(t, recorded, "rollback outcome must land in warnings, got %v", res.Warnings)
}

func TestMigrate_LivenessPollFailureTriggersRollback(t *testing.T) {
	f := newFixture(t)
	healthy := f.target.ExecHook
	f.target.ExecHook = func(command string) (execx.Result, error) {
		if strings.HasPrefix(command, "docker ps") {
			return execx.Result{Stdout: ""}, nil
		}
		return healthy(command)
	}

	cfg := defaultConfig()
	cfg.RollbackOnFailure = true
	cfg.ValidationTimeout = 500 * time.Millisecond
	res := f.svc.Migrate(context.Background(), cfg)

	require.False(t, res.Success)
	assert.Equal(t, StatusRolledBack, res.Status)
	assert.Contains(t, res.ErrorMessage, "not running")
	assert.Empty(t, f.svc.ActiveMigrations())
}

func TestMigrate_RejectsSecondMigrationForSameContainer(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	healthy := f.target.ExecHook
	f.target.ExecHook = func(command string) (execx.Result, error) {
		if strings.HasPrefix(command, "docker ps") {
			<-release
		}
		return healthy(command)
	}

	done := make(chan *MigrationResult, 1)
	go func() { done <- f.svc.Migrate(context.Background(), defaultConfig()) }()

	require.Eventually(t, func() bool {
		return len(f.svc.ActiveMigrations()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	st, ok := f.svc.MigrationStatus(testContainer)
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, st)

	second := f.svc.Migrate(context.Background(), defaultConfig())
	require.False(t, second.Success)
	assert.Contains(t, second.ErrorMessage, "already in progress")

	close(release)
	first := <-done
	assert.True(t, first.Success, first.ErrorMessage)
	assert.Empty(t, f.svc.ActiveMigrations())

	_, ok = f.svc.MigrationStatus(testContainer)
	assert.False(t, ok, "status must be untracked after migrate returns")
}

func TestCancel_TerminatesActiveMigration(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	var once bool
	healthy := f.target.ExecHook
	f.target.ExecHook = func(command string) (execx.Result, error) {
		if strings.HasPrefix(command, "docker ps") {
			if !once {
				once = true
				close(started)
			}
			return execx.Result{Stdout: ""}, nil
		}
		return healthy(command)
	}

	done := make(chan *MigrationResult, 1)
	go func() { done <- f.svc.Migrate(context.Background(), defaultConfig()) }()

	<-started
	require.NoError(t, f.svc.Cancel(testContainer))

	res := <-done
	require.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Warnings, "migration canceled")

	// Cancellation cleans the source checkpoint best-effort.
	_, err := os.Stat(f.checkpointDir())
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, f.svc.ActiveMigrations())
}

func TestCancel_NoActiveMigration(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Cancel("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active migration")
}

func TestMigrate_InvalidConfig(t *testing.T) {
	f := newFixture(t)

	res := f.svc.Migrate(context.Background(), MigrationConfig{TargetHost: targetHost})
	require.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "container_id is required")
}
