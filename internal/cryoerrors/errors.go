// Package cryoerrors defines the typed error kinds that cross component
// boundaries in cryophile, and the exit codes the CLI maps them to.
package cryoerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for exit-code mapping and retry policy.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally returned.
	KindUnknown Kind = iota
	KindConfig
	KindSpoolIO
	KindCellConflict
	KindFragmentOversize
	KindFragmentMissing
	KindFragmentCorrupt
	KindCrypto
	KindCompression
	KindRemoteTransient
	KindRemotePermanent
	KindArchiveIncomplete
	KindThawTimeout
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindSpoolIO:
		return "SpoolIoError"
	case KindCellConflict:
		return "CellConflict"
	case KindFragmentOversize:
		return "FragmentOversize"
	case KindFragmentMissing:
		return "FragmentMissing"
	case KindFragmentCorrupt:
		return "FragmentCorrupt"
	case KindCrypto:
		return "CryptoError"
	case KindCompression:
		return "CompressionError"
	case KindRemoteTransient:
		return "RemoteTransient"
	case KindRemotePermanent:
		return "RemotePermanent"
	case KindArchiveIncomplete:
		return "ArchiveIncomplete"
	case KindThawTimeout:
		return "ThawTimeout"
	case KindCancelled:
		return "Cancelled"
	default:
		return "UnknownError"
	}
}

// ExitCode maps a Kind to the process exit code the CLI returns.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfig:
		return 2
	case KindArchiveIncomplete:
		return 3
	case KindThawTimeout:
		return 4
	case KindRemotePermanent:
		return 5
	case KindCellConflict:
		return 6
	case KindUnknown:
		return 1
	default:
		return 1
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it, so callers can branch with errors.As while still getting
// a useful chain with %w.
type Error struct {
	Kind Kind
	Op string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, otherwise returns KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetriable reports whether err represents a transient condition worth
// retrying locally.
func IsRetriable(err error) bool {
	return KindOf(err) == KindRemoteTransient
}
