package server

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsConnectionError checks if an error is a common, non-fatal network connection error.
// These errors end the session quietly; they are not server faults.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	var opErr *net.OpError
	var syscallErr *os.SyscallError

	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
		if strings.Contains(opErr.Err.Error(), "use of closed network connection") {
			return true
		}
	}

	if errors.As(err, &syscallErr) {
		if errors.Is(syscallErr.Err, syscall.ECONNRESET) || errors.Is(syscallErr.Err, syscall.EPIPE) {
			return true
		}
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}

	// The client went away without saying goodbye
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
