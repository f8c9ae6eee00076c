package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/songzhibin97/wizard-engine/types"
)

// Reason classifies why an external action failed.
type Reason string

const (
	ReasonNetwork     Reason = "network"
	ReasonAuth        Reason = "auth"
	ReasonRejected    Reason = "rejected"
	ReasonUnsupported Reason = "unsupported"
	ReasonCancelled   Reason = "cancelled"
	ReasonInternal    Reason = "internal"
)

// ErrUnsupportedKind is wrapped when no handler is registered for a kind.
var ErrUnsupportedKind = errors.New("unsupported action kind")

// ActionFailure is the typed error every gateway call returns on failure.
type ActionFailure struct {
	Kind    types.ActionKind
	Reason  Reason
	Message string
	err     error
}

// NewFailure wraps err as a failure of the given kind and reason.
func NewFailure(kind types.ActionKind, reason Reason, err error) *ActionFailure {
	f := &ActionFailure{Kind: kind, Reason: reason, err: err}
	f.Message = humanMessage(reason, err)
	return f
}

func (f *ActionFailure) Error() string {
	return fmt.Sprintf("%s failed: %s", f.Kind, f.Message)
}

func (f *ActionFailure) Unwrap() error {
	return f.err
}

// Retryable reports whether the caller may reasonably try the same action again.
func (f *ActionFailure) Retryable() bool {
	switch f.Reason {
	case ReasonNetwork, ReasonCancelled, ReasonInternal:
		return true
	}
	return false
}

// IsFailure reports whether err is an ActionFailure.
func IsFailure(err error) bool {
	var f *ActionFailure
	return errors.As(err, &f)
}

// AsFailure extracts the ActionFailure from err.
func AsFailure(err error) (*ActionFailure, bool) {
	var f *ActionFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// StatusError is returned by HTTP-backed handlers for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Classify maps an arbitrary handler error to an ActionFailure.
func Classify(kind types.ActionKind, err error) *ActionFailure {
	if err == nil {
		return nil
	}
	if f, ok := AsFailure(err); ok {
		return f
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(kind, ReasonCancelled, err)
	}
	if errors.Is(err, ErrUnsupportedKind) {
		return NewFailure(kind, ReasonUnsupported, err)
	}
	if errors.Is(err, ErrInvalidPayload) {
		return NewFailure(kind, ReasonRejected, err)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return NewFailure(kind, ReasonAuth, err)
		case statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500:
			return NewFailure(kind, ReasonNetwork, err)
		default:
			return NewFailure(kind, ReasonRejected, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewFailure(kind, ReasonNetwork, err)
	}
	return NewFailure(kind, ReasonInternal, err)
}

func humanMessage(reason Reason, err error) string {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	switch reason {
	case ReasonNetwork:
		return "the service could not be reached, please try again (" + detail + ")"
	case ReasonAuth:
		return "the service rejected our credentials, check the API key settings (" + detail + ")"
	case ReasonRejected:
		return "the request was rejected (" + detail + ")"
	case ReasonUnsupported:
		return "this action is not available (" + detail + ")"
	case ReasonCancelled:
		return "the request was cancelled before it finished"
	}
	if detail == "" {
		return "an unexpected error occurred"
	}
	return detail
}
