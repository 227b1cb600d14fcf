// Package faults defines the engine's error taxonomy on top of coded
// platform errors.
package faults

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

type Kind int

const (
	// CacheUnavailable: a store is missing or its backend failed. Requests
	// degrade to network-only.
	CacheUnavailable Kind = iota + 1
	// NetworkFailure: recoverable through a cached copy or a placeholder.
	NetworkFailure
	// QuotaExceeded triggers eviction and is never shown to users.
	QuotaExceeded
	// UploadRejected is a terminal size/type policy violation.
	UploadRejected
	// UploadFailed is a transport failure after the fallback chain ran.
	UploadFailed
	// PersistenceCorrupt: unreadable durable state, treated as empty.
	PersistenceCorrupt
)

var kindNames = map[Kind]string{
	CacheUnavailable:   "cache-unavailable",
	NetworkFailure:     "network-failure",
	QuotaExceeded:      "quota-exceeded",
	UploadRejected:     "upload-rejected",
	UploadFailed:       "upload-failed",
	PersistenceCorrupt: "persistence-corrupt",
}

var kindCodes = map[Kind]platformerrors.ErrorCode{
	CacheUnavailable:   platformerrors.CodeUnavailable,
	NetworkFailure:     platformerrors.CodeNetwork,
	QuotaExceeded:      platformerrors.CodeRateLimit,
	UploadRejected:     platformerrors.CodeInvalidInput,
	UploadFailed:       platformerrors.CodeNetwork,
	PersistenceCorrupt: platformerrors.CodeInternal,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code returns the platform error code the kind maps to.
func (k Kind) Code() platformerrors.ErrorCode {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return platformerrors.CodeUnknown
}

// Error is a taxonomy error. Its message is the reason, unadorned, so UI
// layers can display it verbatim.
type Error struct {
	kind     Kind
	reason   string
	platform platformerrors.PlatformError
}

func (e *Error) Error() string {
	if cause := e.platform.Unwrap(); cause != nil {
		return e.reason + ": " + cause.Error()
	}
	return e.reason
}

func (e *Error) Unwrap() error { return e.platform }

func (e *Error) Kind() Kind { return e.kind }

// Reason is the human-readable reason without the wrapped cause.
func (e *Error) Reason() string { return e.reason }

func New(kind Kind, reason string) error {
	return &Error{
		kind:     kind,
		reason:   reason,
		platform: platformerrors.New(kind.Code(), reason),
	}
}

func Newf(kind Kind, format string, args ...any) error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap returns nil when err is nil.
func Wrap(err error, kind Kind, reason string) error {
	if err == nil {
		return nil
	}
	return &Error{
		kind:     kind,
		reason:   reason,
		platform: platformerrors.Wrap(err, kind.Code(), reason),
	}
}

// KindOf returns the outermost taxonomy kind in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind, true
	}
	return 0, false
}

// Is reports whether err carries kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.kind == kind {
			return true
		}
		err = fe.platform.Unwrap()
	}
	return false
}
