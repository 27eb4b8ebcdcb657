// Package apperr classifies the repository engine's failures into the
// small set of categories an operator needs to distinguish, and maps each
// category to a process exit code. It mirrors the teacher's plain
// fmt.Errorf/errors.Is style rather than a stack-trace library: each
// Error wraps its cause and a causal chain is only printed in verbose mode.
package apperr

import (
	"errors"
	"fmt"
)

// Kind discriminates the categories of failure an operator-facing message
// needs to distinguish.
type Kind int

const (
	// EditFailed is a user-level mistake in `edit` (unknown package, invalid version).
	EditFailed Kind = iota
	// MoreRecentVersionInRepo is a monotonicity violation; the batch aborts for this package.
	MoreRecentVersionInRepo
	// InsertFailed covers any I/O, parse, subprocess, or delta failure during `add`.
	InsertFailed
	// ApkSigningCertMismatch means signing continuity was violated.
	ApkSigningCertMismatch
	// RepoSigningKeyMismatch means the private key does not match the stored public key.
	RepoSigningKeyMismatch
	// GroupDoesntExist is `group add`/`group remove` naming an unknown group.
	GroupDoesntExist
	// InvalidRepoState means the validator found a discrepancy, or a required artifact is missing.
	InvalidRepoState
	// AppDetailParseFailed means APK metadata could not be extracted.
	AppDetailParseFailed
)

func (k Kind) String() string {
	switch k {
	case EditFailed:
		return "EditFailed"
	case MoreRecentVersionInRepo:
		return "MoreRecentVersionInRepo"
	case InsertFailed:
		return "InsertFailed"
	case ApkSigningCertMismatch:
		return "ApkSigningCertMismatch"
	case RepoSigningKeyMismatch:
		return "RepoSigningKeyMismatch"
	case GroupDoesntExist:
		return "GroupDoesntExist"
	case InvalidRepoState:
		return "InvalidRepoState"
	case AppDetailParseFailed:
		return "AppDetailParseFailed"
	default:
		return "Unknown"
	}
}

// ExitCode returns the process exit code for this kind. Every category in
// this taxonomy is a failure the CLI surfaces as exit 1; the CLI entrypoint
// reserves 0 for success and other small integers for signal interruption,
// so this is kept as a method in case a category ever needs to diverge.
func (k Kind) ExitCode() int { return 1 }

// Error is a classified, wrapped error.
type Error struct {
	Kind    Kind
	Package string // optional: the package the failure concerns, "" if none
	Err     error
}

func (e *Error) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Package, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under kind with no package context.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error under kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ForPackage wraps err under kind, tagging it with the package it concerns.
func ForPackage(kind Kind, pkg string, err error) *Error {
	return &Error{Kind: kind, Package: pkg, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Render formats err for operator output. Normal mode prints only the
// top-level "Kind: message" line. Verbose mode additionally walks the
// %w-chain, printing each wrapped layer on its own "caused by" line.
func Render(err error, verbose bool) string {
	if err == nil {
		return ""
	}
	var e *Error
	top := err.Error()
	if errors.As(err, &e) {
		top = e.Error()
	}
	if !verbose {
		return top
	}
	out := top
	for cur := errors.Unwrap(err); cur != nil; cur = errors.Unwrap(cur) {
		out += "\n  caused by: " + cur.Error()
	}
	return out
}
