// Package filtererr holds the error taxonomy surfaced by filter tasks.
package filtererr

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

var ErrCancelled = errors.New("filter task cancelled")

type ConnectReason int

const (
	ConnectionUnavailable ConnectReason = iota + 1
	ConnectionRefused
	ExtensionLoadFailed
)

func (r ConnectReason) String() string {
	switch r {
	case ConnectionUnavailable:
		return "connection_unavailable"
	case ConnectionRefused:
		return "connection_refused"
	case ExtensionLoadFailed:
		return "extension_load_failed"
	default:
		return "unknown"
	}
}

type ConnectError struct {
	Kind   model.BackendKind
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func NewConnectError(kind model.BackendKind, reason ConnectReason, err error) *ConnectError {
	return &ConnectError{Kind: kind, Reason: reason, Err: err}
}

type TranslationKind int

const (
	UnsupportedFunction TranslationKind = iota + 1
	AmbiguousField
	SyntaxError
)

func (k TranslationKind) String() string {
	switch k {
	case UnsupportedFunction:
		return "unsupported_function"
	case AmbiguousField:
		return "ambiguous_field"
	case SyntaxError:
		return "syntax_error"
	default:
		return "unknown"
	}
}

type TranslationError struct {
	Kind     TranslationKind
	Dialect  model.Dialect
	Fragment string
	Detail   string
}

func (e *TranslationError) Error() string {
	msg := fmt.Sprintf("translate to %s: %s near %q", e.Dialect, e.Kind, e.Fragment)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

type UnsafeExpressionError struct {
	Fragment string
	Reason   string
}

func (e *UnsafeExpressionError) Error() string {
	return fmt.Sprintf("unsafe expression: %s near %q", e.Reason, e.Fragment)
}

type RepairFailure struct {
	LayerID   string
	FeatureID string
	Err       error
}

func (e *RepairFailure) Error() string {
	return fmt.Sprintf("repair feature %s of layer %s: %v", e.FeatureID, e.LayerID, e.Err)
}

func (e *RepairFailure) Unwrap() error { return e.Err }

type BackendTimeoutError struct {
	Kind model.BackendKind
	Op   string
	Err  error
}

func (e *BackendTimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out: %v", e.Kind, e.Op, e.Err)
}

func (e *BackendTimeoutError) Unwrap() error { return e.Err }

// Retryable reports whether the same task could succeed against a different
// backend or after a transient outage.
func Retryable(err error) bool {
	var ce *ConnectError
	var te *BackendTimeoutError
	return errors.As(err, &ce) || errors.As(err, &te)
}

// Backend extracts the backend kind from a connect or timeout error.
func Backend(err error) (model.BackendKind, bool) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	var te *BackendTimeoutError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return model.BackendUnknown, false
}
