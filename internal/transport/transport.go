// Package transport opens and closes the raw socket a session is
// built on top of: UNIX or TCP, with an optional bounded-retry dial
// policy, and an idempotent non-blocking-mode toggle used during
// termination.
package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/poolcore/poolcore/internal/model"
)

// ConnectError reports a transport-level failure to establish a
// socket to a backend endpoint.
type ConnectError struct {
	Endpoint model.BackendEndpoint
	Reason   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", addr(e.Endpoint), e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Reason }

// RetryPolicy controls how many times and with what backoff Connect
// retries a failed dial. The schedule itself is an external-
// collaborator concern; the core only respects the caller's retry
// flag and this policy's shape.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is a conservative exponential-ish backoff: five
// attempts, doubling from 50ms.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}

// NoRetry dials exactly once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// DialTimeout bounds a single connection attempt.
var DialTimeout = 5 * time.Second

// unixSocketName builds the conventional UNIX domain socket path for
// a PostgreSQL-style backend: "<dir>/.s.PGSQL.<port>".
func unixSocketName(dir string, port uint16) string {
	return fmt.Sprintf("%s/.s.PGSQL.%d", dir, port)
}

func addr(ep model.BackendEndpoint) string {
	if ep.IsUnixSocket {
		return unixSocketName(ep.Host, ep.Port)
	}
	return net.JoinHostPort(ep.Host, fmt.Sprintf("%d", ep.Port))
}

// Connect opens a socket to endpoint. When retry is true, it applies
// policy's bounded retry schedule; when false, it fails fast on the
// first error.
func Connect(endpoint model.BackendEndpoint, retry bool, policy RetryPolicy) (net.Conn, error) {
	attempts := 1
	if retry {
		attempts = policy.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(policy.BaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		conn, err := dialOnce(endpoint)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	return nil, &ConnectError{Endpoint: endpoint, Reason: lastErr}
}

func dialOnce(endpoint model.BackendEndpoint) (net.Conn, error) {
	if endpoint.IsUnixSocket {
		d := net.Dialer{Timeout: DialTimeout}
		return d.Dial("unix", unixSocketName(endpoint.Host, endpoint.Port))
	}

	d := net.Dialer{Timeout: DialTimeout, KeepAlive: 30 * time.Second}
	return d.Dial("tcp", net.JoinHostPort(endpoint.Host, fmt.Sprintf("%d", endpoint.Port)))
}
