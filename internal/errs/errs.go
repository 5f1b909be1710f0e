// Package errs defines the error taxonomy shared by the download, supervisor
// and lifecycle layers. Every failure that crosses a package boundary is an
// *Error carrying a Kind, so the lifecycle manager can pass errors through
// unchanged and the HTTP layer can map them to status codes.
package errs

import (
	"errors"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindAlreadyInProgress Kind = "already_in_progress"
	KindAlreadyRunning    Kind = "already_running"
	KindServerActive      Kind = "server_active"
	KindNotDownloaded     Kind = "not_downloaded"
	KindNetwork           Kind = "network"
	KindIO                Kind = "io"
	KindChecksum          Kind = "checksum_mismatch"
	KindBind              Kind = "bind"
	KindSpawn             Kind = "spawn"
	KindStartupTimeout    Kind = "startup_timeout"
	KindCancelled         Kind = "cancelled"
	KindInvalid           Kind = "invalid"
)

// Error is the concrete error type. Op names the operation that failed
// (e.g. "download.start"), Err is the optional underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// StatusCode maps the kind to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindAlreadyInProgress, KindAlreadyRunning, KindServerActive, KindCancelled:
		return http.StatusConflict
	case KindNotDownloaded:
		return http.StatusPreconditionFailed
	case KindNetwork, KindChecksum:
		return http.StatusBadGateway
	case KindStartupTimeout:
		return http.StatusGatewayTimeout
	case KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// E constructs an *Error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is comparisons.
var (
	ErrAlreadyInProgress = &Error{Kind: KindAlreadyInProgress}
	ErrAlreadyRunning    = &Error{Kind: KindAlreadyRunning}
	ErrServerActive      = &Error{Kind: KindServerActive}
	ErrNotDownloaded     = &Error{Kind: KindNotDownloaded}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrIO                = &Error{Kind: KindIO}
	ErrChecksum          = &Error{Kind: KindChecksum}
	ErrBind              = &Error{Kind: KindBind}
	ErrSpawn             = &Error{Kind: KindSpawn}
	ErrStartupTimeout    = &Error{Kind: KindStartupTimeout}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrInvalid           = &Error{Kind: KindInvalid}
)

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsCancelled reports whether err is a cancellation outcome.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// IsConflict reports whether err is a busy/conflicting-request error that the
// caller may retry after checking state.
func IsConflict(err error) bool {
	switch KindOf(err) {
	case KindAlreadyInProgress, KindAlreadyRunning, KindServerActive:
		return true
	}
	return false
}
