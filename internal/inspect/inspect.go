// Package inspect provides source-side container introspection over the
// container runtime CLI.
//
// It consolidates the container state, root PID, and configuration reads
// used during checkpoint and migration orchestration.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crossarch/internal/execx"
	"github.com/fyrsmithlabs/crossarch/internal/fault"
)

// ContainerInfo is the subset of `docker inspect` output the migration
// core consumes.
type ContainerInfo struct {
	ID         string          `json:"Id"`
	Name       string          `json:"Name"`
	State      ContainerState  `json:"State"`
	Config     ContainerConfig `json:"Config"`
	HostConfig HostConfig      `json:"HostConfig"`
}

// ContainerState mirrors .State.
type ContainerState struct {
	Status  string `json:"Status"`
	Running bool   `json:"Running"`
	Pid     int    `json:"Pid"`
}

// ContainerConfig mirrors .Config.
type ContainerConfig struct {
	Image        string              `json:"Image"`
	Architecture string              `json:"Architecture"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts"`
}

// HostConfig mirrors .HostConfig.
type HostConfig struct {
	Privileged  bool            `json:"Privileged"`
	NetworkMode string          `json:"NetworkMode"`
	Binds       []string        `json:"Binds"`
	Devices     []DeviceMapping `json:"Devices"`
	CapAdd      []string        `json:"CapAdd"`
}

// DeviceMapping mirrors one .HostConfig.Devices entry.
type DeviceMapping struct {
	PathOnHost      string `json:"PathOnHost"`
	PathInContainer string `json:"PathInContainer"`
}

// Client reads container state through the runtime CLI.
type Client struct {
	runner execx.Runner
	binary string
	log    *zap.Logger
}

// NewClient creates a runtime CLI backed introspection client.
func NewClient(binary string, runner execx.Runner, log *zap.Logger) (*Client, error) {
	if binary == "" {
		binary = "docker"
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{runner: runner, binary: binary, log: log}, nil
}

// Inspect returns the parsed inspect record for a container.
func (c *Client) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	res, err := c.runner.Run(ctx, c.binary, "inspect", containerID)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "inspect", err)
	}
	if !res.Ok() {
		return nil, fault.New(fault.KindValidation, "inspect",
			"container %s not found: %s", containerID, res.Stderr)
	}

	var infos []ContainerInfo
	if err := json.Unmarshal([]byte(res.Stdout), &infos); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "inspect",
			fmt.Errorf("failed to parse inspect output for %s: %w", containerID, err))
	}
	if len(infos) == 0 {
		return nil, fault.New(fault.KindValidation, "inspect",
			"empty inspect output for container %s", containerID)
	}

	return &infos[0], nil
}

// Running reports whether the container exists and is running.
func (c *Client) Running(ctx context.Context, containerID string) (bool, error) {
	info, err := c.Inspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	return info.State.Running, nil
}

// Pid resolves the container's root process id via the template form.
func (c *Client) Pid(ctx context.Context, containerID string) (int, error) {
	res, err := c.runner.Run(ctx, c.binary, "inspect", "-f", "{{.State.Pid}}", containerID)
	if err != nil {
		return 0, fault.Wrap(fault.KindValidation, "pid", err)
	}
	if !res.Ok() {
		return 0, fault.New(fault.KindValidation, "pid",
			"failed to get PID for container %s: %s", containerID, res.Stderr)
	}

	pid, err := strconv.Atoi(res.TrimmedStdout())
	if err != nil {
		return 0, fault.New(fault.KindValidation, "pid",
			"unexpected PID output %q for container %s", res.TrimmedStdout(), containerID)
	}
	if pid <= 0 {
		return 0, fault.New(fault.KindValidation, "pid",
			"container %s has no running root process", containerID)
	}
	return pid, nil
}

// RuntimeVersion returns the runtime version string, or "unknown".
// Best effort; checkpoint metadata carries it for post-mortem use only.
func (c *Client) RuntimeVersion(ctx context.Context) string {
	res, err := c.runner.Run(ctx, c.binary, "--version")
	if err != nil || !res.Ok() {
		return "unknown"
	}
	return res.TrimmedStdout()
}
