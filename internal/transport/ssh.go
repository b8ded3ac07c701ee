package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crossarch/internal/execx"
	"github.com/fyrsmithlabs/crossarch/internal/fault"
)

// remoteShell talks to a host through ssh and scp.
type remoteShell struct {
	host           string
	ssh            string
	scp            string
	connectTimeout time.Duration
	runner         execx.Runner
	log            *zap.Logger
}

func (r *remoteShell) Push(ctx context.Context, localPath, remotePath string) error {
	res, err := r.runner.Run(ctx, r.scp, localPath, r.host+":"+remotePath)
	if err != nil {
		return fault.Wrap(fault.KindTransfer, "push", err)
	}
	if !res.Ok() {
		return fault.New(fault.KindTransfer, "push",
			"scp %s -> %s:%s failed: %s", localPath, r.host, remotePath, res.Stderr)
	}
	r.log.Debug("copied file", zap.String("local", localPath), zap.String("remote", remotePath))
	return nil
}

func (r *remoteShell) Exec(ctx context.Context, command string) (execx.Result, error) {
	res, err := r.runner.Run(ctx, r.ssh, "-o", connectTimeoutArg(r.connectTimeout), r.host, command)
	if err != nil {
		return res, fault.Wrap(fault.KindTransfer, "exec", err)
	}
	return res, nil
}

func (r *remoteShell) Probe(ctx context.Context) error {
	res, err := r.Exec(ctx, "echo ok")
	if err != nil {
		return err
	}
	if !res.Ok() || res.TrimmedStdout() != "ok" {
		return fault.New(fault.KindTransfer, "probe",
			"cannot connect to host %s: %s", r.host, res.Stderr)
	}
	return nil
}

func (r *remoteShell) String() string { return r.host }
