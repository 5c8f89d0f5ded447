// Package relerr defines the error kinds a release track can fail with.
//
// Every failure raised by a pipeline step is an *Error carrying one of the
// sentinel kinds below. errors.Is matches both the kind and the underlying
// cause, so callers can branch on the kind without losing the tool output.
package relerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrVersionUnavailable   = errors.New("VersionUnavailable")
	ErrToolchainUnavailable = errors.New("ToolchainUnavailable")
	ErrBuildFailed          = errors.New("BuildFailed")
	ErrNetwork              = errors.New("NetworkError")
	ErrNotFound             = errors.New("NotFound")
	ErrExtraction           = errors.New("ExtractionError")
	ErrAssemblyConflict     = errors.New("AssemblyConflict")
	ErrCompression          = errors.New("CompressionError")
	ErrUploadFailed         = errors.New("UploadFailed")
	ErrTestsFailed          = errors.New("TestsFailed")
)

var kinds = []error{
	ErrVersionUnavailable,
	ErrToolchainUnavailable,
	ErrBuildFailed,
	ErrNetwork,
	ErrNotFound,
	ErrExtraction,
	ErrAssemblyConflict,
	ErrCompression,
	ErrUploadFailed,
	ErrTestsFailed,
}

// Error is a track-local failure of one pipeline step.
type Error struct {
	Kind   error
	Op     string // step name, e.g. "fetch"
	Target string // platform target or "tests"; may be empty
	Diag   string // raw diagnostic output of the underlying tool
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Target != "" {
		fmt.Fprintf(&b, " [%s]", e.Target)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " %s", e.Op)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an *Error of the given kind for step op.
func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithDiag attaches raw tool output.
func (e *Error) WithDiag(diag string) *Error {
	e.Diag = diag
	return e
}

// WithTarget returns a copy of err tagged with the target it was raised
// for. An error that already names a target, or is not an *Error, is
// returned unchanged. The original is never modified, so one error can be
// tagged for several targets.
func WithTarget(err error, target string) error {
	re, ok := err.(*Error)
	if !ok || re == nil || re.Target != "" {
		return err
	}
	cp := *re
	cp.Target = target
	return &cp
}

// KindOf returns the kind name of err, or "Unknown" if err carries no kind.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "Unknown"
}

// Diagnostic returns the raw tool output attached to err, if any.
func Diagnostic(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Diag
	}
	return ""
}
