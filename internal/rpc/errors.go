// ABOUTME: Classification of transport errors into the retry policy's classes.
// ABOUTME: Timeouts retry, connection failures fail over, the rest fail fast.

package rpc

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// errClass drives the retry loop's reaction to a failed attempt.
type errClass int

const (
	errClassUnknown errClass = iota
	errClassTimeout
	errClassConnection
)

// String returns a log-friendly name for the class.
func (c errClass) String() string {
	switch c {
	case errClassTimeout:
		return "timeout"
	case errClassConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// classify maps a transport error to its retry class. Anything it cannot
// recognize is unknown and fails the call immediately.
func classify(err error) errClass {
	if err == nil {
		return errClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errClassTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return errClassConnection
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return errClassConnection
	}

	return errClassUnknown
}
