package cemapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
)

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "connection refused" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

var _ net.Error = (*fakeNetError)(nil)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"server 500", &StatusError{Endpoint: "x", StatusCode: 500}, ClassRetryableServer},
		{"server 503", &StatusError{Endpoint: "x", StatusCode: 503}, ClassRetryableServer},
		{"unauthorized", &StatusError{Endpoint: "x", StatusCode: 401}, ClassAuthExpired},
		{"forbidden", &StatusError{Endpoint: "x", StatusCode: 403}, ClassNonRetryable},
		{"not found", &StatusError{Endpoint: "x", StatusCode: 404}, ClassNonRetryable},
		{"wrapped status", fmt.Errorf("call failed: %w", &StatusError{Endpoint: "x", StatusCode: 502}), ClassRetryableServer},
		{"shape", &ShapeError{Endpoint: "x", Reason: "expected a list"}, ClassNonRetryable},
		{"deadline", context.DeadlineExceeded, ClassRetryableNetwork},
		{"net error", &fakeNetError{}, ClassRetryableNetwork},
		{"net timeout", &fakeNetError{timeout: true}, ClassRetryableNetwork},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("refused")}, ClassRetryableNetwork},
		{"plain error", errors.New("something odd"), ClassNonRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsAuthExpired(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 401", &StatusError{Endpoint: "x", StatusCode: 401}, true},
		{"wrapped 401", fmt.Errorf("poll failed: %w", &StatusError{Endpoint: "x", StatusCode: 401}), true},
		// Some layers flatten errors to strings; the textual check keeps
		// those recognizable.
		{"stringly 401", errors.New("server said: 401 Unauthorized"), true},
		{"status 500", &StatusError{Endpoint: "x", StatusCode: 500}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthExpired(tt.err); got != tt.want {
				t.Errorf("IsAuthExpired(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := &StatusError{Endpoint: "x", StatusCode: 502}
	err := &TransientError{Attempts: 4, Err: inner}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatal("expected TransientError to unwrap to StatusError")
	}
	if se.StatusCode != 502 {
		t.Errorf("unwrapped status = %d; want 502", se.StatusCode)
	}
}

func TestAuthRejectedErrorUnwrap(t *testing.T) {
	inner := &StatusError{Endpoint: "cem auth(id=4)", StatusCode: 401}
	err := &AuthRejectedError{Err: inner}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatal("expected AuthRejectedError to unwrap to StatusError")
	}
}

func TestErrorClassString(t *testing.T) {
	if ClassRetryableNetwork.String() != "retryable-network" {
		t.Errorf("unexpected: %s", ClassRetryableNetwork)
	}
	if ClassAuthExpired.String() != "auth-expired" {
		t.Errorf("unexpected: %s", ClassAuthExpired)
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Endpoint: "cem counter(var_id=7)", StatusCode: 404}
	want := "cem counter(var_id=7): HTTP 404"
	if err.Error() != want {
		t.Errorf("Error() = %q; want %q", err.Error(), want)
	}
}
