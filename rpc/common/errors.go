package common

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrChecksumMismatch is returned when the checksum of a received body does not match its header
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidHeader is returned for headers of wrong size or with wrong magic bytes
	ErrInvalidHeader = errors.New("invalid frame header")

	// ErrUnauthorized is returned when the remote peer answered a call with StatusUnauthorized
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAuthenticationFailed is returned by the client if the server rejected its credentials
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDuplicateMethod is returned when a network method name is registered twice
	ErrDuplicateMethod = errors.New("method already registered")

	// ErrReservedMethod is returned when registering the reserved authentication method name
	ErrReservedMethod = errors.New("method name is reserved")

	// ErrNotConnected is returned when a call is made on a connection without open transport
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned after the client or server has been closed
	ErrClosed = errors.New("closed")
)

// ServerUnavailableError is returned when the client could not reach
// the server within its connection attempt budget.
type ServerUnavailableError struct {
	Host     string
	Port     int
	Attempts int
	Err      error // last dial error
}

func (e *ServerUnavailableError) Error() string {
	return fmt.Sprintf("server %s:%d unavailable after %d connection attempts: %v", e.Host, e.Port, e.Attempts, e.Err)
}

func (e *ServerUnavailableError) Unwrap() error {
	return e.Err
}

// MethodDoesNotExistError is returned when the remote peer has no method with the called name
type MethodDoesNotExistError struct {
	Method string
}

func (e *MethodDoesNotExistError) Error() string {
	return fmt.Sprintf("method %q does not exist on remote peer", e.Method)
}

// RequestTimeoutError is returned when no response arrived within the receive timeout
type RequestTimeoutError struct {
	Method    string
	RequestID uuid.UUID
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s (%s) timed out", e.RequestID, e.Method)
}
