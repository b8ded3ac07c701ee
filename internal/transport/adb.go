package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crossarch/internal/execx"
	"github.com/fyrsmithlabs/crossarch/internal/fault"
)

// deviceBridge talks to an Android device through adb.
type deviceBridge struct {
	device string // empty means the sole connected device
	binary string
	runner execx.Runner
	log    *zap.Logger
}

func (d *deviceBridge) args(rest ...string) []string {
	args := make([]string, 0, len(rest)+2)
	if d.device != "" {
		args = append(args, "-s", d.device)
	}
	return append(args, rest...)
}

func (d *deviceBridge) Push(ctx context.Context, localPath, remotePath string) error {
	res, err := d.runner.Run(ctx, d.binary, d.args("push", localPath, remotePath)...)
	if err != nil {
		return fault.Wrap(fault.KindTransfer, "push", err)
	}
	if !res.Ok() {
		return fault.New(fault.KindTransfer, "push",
			"adb push %s -> %s failed: %s", localPath, remotePath, res.Stderr)
	}
	d.log.Debug("pushed file", zap.String("local", localPath), zap.String("remote", remotePath))
	return nil
}

func (d *deviceBridge) Exec(ctx context.Context, command string) (execx.Result, error) {
	res, err := d.runner.Run(ctx, d.binary, d.args("shell", command)...)
	if err != nil {
		return res, fault.Wrap(fault.KindTransfer, "exec", err)
	}
	return res, nil
}

func (d *deviceBridge) Probe(ctx context.Context) error {
	res, err := d.Exec(ctx, "echo ok")
	if err != nil {
		return err
	}
	if !res.Ok() || res.TrimmedStdout() != "ok" {
		return fault.New(fault.KindTransfer, "probe",
			"cannot connect to device %s: %s", d.String(), res.Stderr)
	}
	return nil
}

func (d *deviceBridge) String() string {
	if d.device == "" {
		return "adb:default"
	}
	return devicePrefix + d.device
}
