// Package execx runs external processes and reports one structured result
// per invocation (exit code, stdout, stderr).
//
// Every blocking call in the migration core goes through a Runner, so a
// cancelled context delivers a real termination signal to the child process
// instead of only flipping a status flag.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Result captures the outcome of a single process invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports whether the process exited zero.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// FirstField returns the first whitespace-separated token of stdout.
// Used for sha256sum-style "checksum  path" output.
func (r Result) FirstField() string {
	fields := strings.Fields(r.Stdout)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// TrimmedStdout returns stdout without surrounding whitespace.
func (r Result) TrimmedStdout() string { return strings.TrimSpace(r.Stdout) }

// Runner executes commands. The error return is reserved for invocations
// that never produced an exit status: binary not found, context expiry,
// signal death. A non-zero exit is not an error; callers inspect Result.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// runner is the os/exec backed Runner.
type runner struct {
	log *zap.Logger
}

// NewRunner returns a Runner backed by os/exec. A nil logger is replaced
// with a nop logger.
func NewRunner(log *zap.Logger) Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &runner{log: log}
}

func (r *runner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		// Context expiry wins over the synthetic exit status of the
		// killed child.
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.log.Debug("command cancelled",
				zap.String("cmd", name),
				zap.Strings("args", args),
				zap.Error(ctxErr),
			)
			return res, fmt.Errorf("command %s interrupted: %w", name, ctxErr)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.log.Debug("command exited non-zero",
				zap.String("cmd", name),
				zap.Strings("args", args),
				zap.Int("exit_code", res.ExitCode),
			)
			return res, nil
		}

		return res, fmt.Errorf("command %s failed to run: %w", name, err)
	}

	r.log.Debug("command completed",
		zap.String("cmd", name),
		zap.Strings("args", args),
	)
	return res, nil
}
