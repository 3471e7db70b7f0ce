package execution

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// TransportError is a connectivity or protocol failure talking to the guest.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthenticationError means the guest rejected the credentials.
type AuthenticationError struct {
	Host string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication to %s rejected: %v", e.Host, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RemoteCommandError reports a command that completed with a non-zero exit code.
type RemoteCommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *RemoteCommandError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// classify keeps already typed errors and wraps the rest as transport failures.
func classify(op string, err error) error {
	var authErr *AuthenticationError
	var transportErr *TransportError
	if errors.As(err, &authErr) || errors.As(err, &transportErr) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// IsConnectivityError reports whether err belongs to the set of failures expected
// while a guest reboots: transport, authentication, reset and timeout errors.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthenticationError
	var transportErr *TransportError
	var netErr net.Error
	switch {
	case errors.As(err, &authErr), errors.As(err, &transportErr), errors.As(err, &netErr):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	return false
}
