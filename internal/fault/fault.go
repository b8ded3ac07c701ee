// Package fault defines the closed error taxonomy for the migration core.
//
// Every failure crossing a manager boundary is tagged with a Kind so the
// orchestrator can decide continue/abort/rollback without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindEnvironment covers a missing/non-executable checkpoint tool or a
	// failing tool self-check. Raised before any state mutation.
	KindEnvironment Kind = "environment"

	// KindValidation covers missing/not-running containers and
	// hard-incompatible configurations. No rollback is needed.
	KindValidation Kind = "validation"

	// KindCheckpoint covers dump/restore failures of the checkpoint tool.
	KindCheckpoint Kind = "checkpoint"

	// KindTransfer covers transport copy/exec failures and remote checksum
	// mismatches.
	KindTransfer Kind = "transfer"

	// KindIntegrity covers local checksum mismatches and missing integrity
	// metadata. Always fails closed.
	KindIntegrity Kind = "integrity"
)

// Fault is an error carrying a Kind and the operation that produced it.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

// New creates a Fault from a message.
func New(kind Kind, op, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap creates a Fault wrapping an underlying error.
func Wrap(kind Kind, op string, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Op: op, Err: err}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Is supports errors.Is against a bare *Fault carrying only a Kind.
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == f.Kind && (t.Op == "" || t.Op == f.Op)
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

// KindOf returns the Kind carried by err, or "" when err is not a Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
