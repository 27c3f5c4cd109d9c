package mcp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrSessionExpired is returned when the server answers 404 to a request
// that carried a session id. Client.Request recovers from it once.
var ErrSessionExpired = errors.New("mcp: session expired")

// InitializationError means the handshake failed. It is never retried.
type InitializationError struct{ Err error }

func (e *InitializationError) Error() string { return "mcp: initialize failed: " + e.Err.Error() }
func (e *InitializationError) Unwrap() error { return e.Err }

type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp: request timed out after %s", e.Timeout)
}
func (e *TimeoutError) Unwrap() error { return e.Err }

type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return "mcp: network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx HTTP answer other than an expired session.
type UpstreamError struct {
	Status    int
	Body      string
	Retryable bool
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mcp: request failed (%d)", e.Status)
	}
	return fmt.Sprintf("mcp: request failed (%d): %s", e.Status, e.Body)
}

// ActionError is a JSON-RPC error object: the server understood the call
// and refused it. Never retried.
type ActionError struct {
	Code    int
	Message string
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mcp error %d", e.Code)
	}
	return e.Message
}

type MalformedResponseError struct {
	Reason string
	Body   string
}

func (e *MalformedResponseError) Error() string { return "mcp: malformed response: " + e.Reason }

// IsRetryable reports whether err belongs to a class the generic retry
// loop handles: timeouts, network failures and retryable upstream statuses.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ie *InitializationError
	if errors.As(err, &ie) {
		return false
	}
	var te *TimeoutError
	var ne *NetworkError
	var ue *UpstreamError
	switch {
	case errors.As(err, &te), errors.As(err, &ne):
		return true
	case errors.As(err, &ue):
		return ue.Retryable
	}
	return false
}

var authPhrase = regexp.MustCompile(`(?i)\b(unauthori[sz]ed|forbidden|invalid[ _-]?token|token (is )?(invalid|expired)|expired[ _-]?token|authentication (failed|required)|not authenticated|access denied)\b`)

// IsAuthFailure reports whether err looks like a rejected credential:
// HTTP 401/403, or credential-invalid phrasing anywhere in the chain.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) && (ue.Status == 401 || ue.Status == 403) {
		return true
	}
	return authPhrase.MatchString(err.Error())
}
