// Package transport moves files to and runs commands on migration targets.
//
// Two variants exist: a device bridge (adb push/shell) selected by the
// "adb:<device>" host form, and a remote shell (scp/ssh) for everything
// else. The orchestrator is transport-agnostic.
package transport

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crossarch/internal/execx"
)

// devicePrefix selects the device-bridge transport.
const devicePrefix = "adb:"

// Transport moves a package and issues remote commands on one target host.
type Transport interface {
	// Push copies a local file to a remote path.
	Push(ctx context.Context, localPath, remotePath string) error

	// Exec runs a shell command on the target and returns its result.
	Exec(ctx context.Context, command string) (execx.Result, error)

	// Probe checks target liveness with a cheap echo round-trip.
	Probe(ctx context.Context) error

	// String identifies the target for logs and error messages.
	String() string
}

// Config names the transport binaries and probe behavior.
type Config struct {
	ADBBinary      string
	SSHBinary      string
	SCPBinary      string
	ConnectTimeout time.Duration
}

// DefaultConfig returns the standard binary names and timeouts.
func DefaultConfig() Config {
	return Config{
		ADBBinary:      "adb",
		SSHBinary:      "ssh",
		SCPBinary:      "scp",
		ConnectTimeout: 10 * time.Second,
	}
}

// Factory builds transports for target hosts.
type Factory interface {
	ForHost(targetHost string) Transport
}

type factory struct {
	runner execx.Runner
	cfg    Config
	log    *zap.Logger
}

// NewFactory creates a Factory producing the two concrete transports.
func NewFactory(runner execx.Runner, cfg Config, log *zap.Logger) Factory {
	if cfg.ADBBinary == "" {
		cfg.ADBBinary = "adb"
	}
	if cfg.SSHBinary == "" {
		cfg.SSHBinary = "ssh"
	}
	if cfg.SCPBinary == "" {
		cfg.SCPBinary = "scp"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &factory{runner: runner, cfg: cfg, log: log}
}

// ForHost maps "adb:<device>" to the device bridge and any other host to
// the remote shell.
func (f *factory) ForHost(targetHost string) Transport {
	if strings.HasPrefix(targetHost, devicePrefix) {
		device := strings.TrimPrefix(targetHost, devicePrefix)
		if device == "default" {
			device = ""
		}
		return &deviceBridge{
			device: device,
			binary: f.cfg.ADBBinary,
			runner: f.runner,
			log:    f.log.Named("adb"),
		}
	}
	return &remoteShell{
		host:           targetHost,
		ssh:            f.cfg.SSHBinary,
		scp:            f.cfg.SCPBinary,
		connectTimeout: f.cfg.ConnectTimeout,
		runner:         f.runner,
		log:            f.log.Named("ssh"),
	}
}

// IsDeviceHost reports whether the host selects the device bridge.
func IsDeviceHost(targetHost string) bool {
	return strings.HasPrefix(targetHost, devicePrefix)
}

// connectTimeoutArg formats ssh's ConnectTimeout option in whole seconds.
func connectTimeoutArg(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return "ConnectTimeout=" + strconv.Itoa(secs)
}
