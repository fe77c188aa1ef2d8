package cemapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrorClass indicates how a failed CEM API call should be handled.
type ErrorClass int

const (
	// ClassRetryableNetwork covers connection failures and timeouts.
	ClassRetryableNetwork ErrorClass = iota

	// ClassRetryableServer covers HTTP 5xx responses.
	ClassRetryableServer

	// ClassAuthExpired covers HTTP 401. The retrier never consumes these;
	// the coordinator escalates them into a single token refresh instead.
	ClassAuthExpired

	// ClassNonRetryable covers other 4xx responses, malformed payloads and
	// everything that is not a transport problem.
	ClassNonRetryable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryableNetwork:
		return "retryable-network"
	case ClassRetryableServer:
		return "retryable-server"
	case ClassAuthExpired:
		return "auth-expired"
	default:
		return "non-retryable"
	}
}

// StatusError is returned when the CEM API answers with a non-2xx status.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.StatusCode)
}

// ShapeError is returned when a payload does not parse into the expected
// structure. It is a data-contract violation, never retried.
type ShapeError struct {
	Endpoint string
	Reason   string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: unexpected response shape: %s", e.Endpoint, e.Reason)
}

// AuthRejectedError is returned when the backend rejects the configured
// username/password on the authenticate call itself.
type AuthRejectedError struct {
	Err error
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("authentication rejected: %v", e.Err)
}

func (e *AuthRejectedError) Unwrap() error { return e.Err }

// TransientError wraps the last error after the retrier exhausted its
// attempt budget on a retryable classification.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Classify categorizes an error from a CEM API call.
//
// Priority order: an HTTP status wins over everything (5xx retryable,
// 401 auth-expired, other 4xx non-retryable); then connection failures and
// timeouts; then any other transport error without a status; parsing and
// programmer errors are never retried.
func Classify(err error) ErrorClass {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode >= 500 && se.StatusCode <= 599:
			return ClassRetryableServer
		case se.StatusCode == 401:
			return ClassAuthExpired
		default:
			return ClassNonRetryable
		}
	}

	var shape *ShapeError
	if errors.As(err, &shape) {
		return ClassNonRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryableNetwork
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ClassRetryableNetwork
	}

	// http.Client.Do wraps every transport failure in *url.Error. Status
	// errors are raised by us after Do succeeds, so anything still wrapped
	// here carries no status code.
	var ue *url.Error
	if errors.As(err, &ue) {
		return ClassRetryableNetwork
	}

	return ClassNonRetryable
}

// IsAuthExpired reports whether err means the bearer token is no longer
// accepted. The textual "401" check is deliberate: some transports flatten
// the response into a plain error string and lose the structured status.
func IsAuthExpired(err error) bool {
	if err == nil {
		return false
	}
	if Classify(err) == ClassAuthExpired {
		return true
	}
	return strings.Contains(err.Error(), "401")
}
