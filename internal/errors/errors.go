// Package errors defines the failure taxonomy shared by the CLI and the
// pipeline packages, and how classified failures render as gofulmen error
// envelopes on the status server.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
)

// Kind classifies a failure. Every kind is fatal for the current invocation;
// the pipeline never retries on its own.
type Kind string

const (
	// KindUsage covers bad or conflicting CLI input and unknown stage names.
	KindUsage Kind = "usage"
	// KindPrecondition covers missing binaries and missing or empty inputs.
	KindPrecondition Kind = "precondition"
	// KindRecovery is raised when crash recovery cannot determine remaining work.
	KindRecovery Kind = "recovery"
	// KindValidation is raised when a stage finished without valid artifacts.
	KindValidation Kind = "validation"
	// KindLaunch is raised when an external process could not be started.
	KindLaunch Kind = "launch"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Msg  string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode maps the kind onto a process exit code.
func (e *Error) ExitCode() int {
	return ExitCodeFor(e.Kind)
}

// ExitCodeFor returns the foundry exit code for a failure kind.
func ExitCodeFor(kind Kind) int {
	switch kind {
	case KindUsage:
		return foundry.ExitInvalidArgument
	case KindPrecondition:
		return foundry.ExitFileNotFound
	case KindRecovery:
		return foundry.ExitFileReadError
	case KindValidation, KindLaunch:
		return foundry.ExitExternalServiceUnavailable
	default:
		return foundry.ExitExternalServiceUnavailable
	}
}

// Usage returns a usage error.
func Usage(format string, args ...any) error {
	return &Error{Kind: KindUsage, Msg: fmt.Sprintf(format, args...)}
}

// Precondition returns an error naming the missing path.
func Precondition(op, path, msg string) error {
	return &Error{Kind: KindPrecondition, Op: op, Path: path, Msg: msg}
}

// Recovery wraps a crash recovery failure for a stage.
func Recovery(stage, msg string, err error) error {
	return &Error{Kind: KindRecovery, Op: "recover " + stage, Msg: msg, Err: err}
}

// Validation returns a post-execution failure carrying diagnostic guidance.
func Validation(stage, path, msg, hint string) error {
	return &Error{Kind: KindValidation, Op: "validate " + stage, Path: path, Msg: msg, Hint: hint}
}

// Launch wraps a process start failure.
func Launch(stage string, err error) error {
	return &Error{Kind: KindLaunch, Op: "launch " + stage, Msg: "failed to start external process", Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// HintOf returns the diagnostic hint attached to err, if any.
func HintOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
