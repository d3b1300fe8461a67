// Package errs defines the error kinds surfaced by sshdeck sessions and
// file operations.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind string

const (
	Authentication     Kind = "AuthenticationError"
	Transport          Kind = "TransportError"
	ChannelOpen        Kind = "ChannelOpenError"
	FileTooLarge       Kind = "FileTooLargeError"
	NotConnected       Kind = "NotConnectedError"
	RemoteOperation    Kind = "RemoteOperationError"
	ReconnectExhausted Kind = "ReconnectExhaustedError"
)

var (
	// ErrQueueFull is returned when a session's command queue is at capacity.
	ErrQueueFull = errors.New("command queue is full")

	// ErrNotConnected is wrapped by every NotConnected error.
	ErrNotConnected = errors.New("Not connected")
)

// Error is a classified failure. Op names the operation that failed
// (dial, shell, sftp, read, rename, ...). Message is what callers show to
// users; Err is the underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
		}
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries an *Error of the given kind anywhere in
// its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func AuthenticationError(msg string, err error) error {
	return &Error{Kind: Authentication, Op: "auth", Message: msg, Err: err}
}

func TransportError(op string, err error) error {
	return &Error{Kind: Transport, Op: op, Err: err}
}

func ChannelOpenError(channel string, err error) error {
	return &Error{Kind: ChannelOpen, Op: channel, Message: fmt.Sprintf("failed to open %s channel: %v", channel, err), Err: err}
}

// FileTooLargeError reports a remote file exceeding limit bytes.
func FileTooLargeError(path string, size, limit int64) error {
	return &Error{
		Kind:    FileTooLarge,
		Op:      "read",
		Message: fmt.Sprintf("File too large to edit (max %dMB)", limit/(1024*1024)),
		Err:     fmt.Errorf("%s is %d bytes", path, size),
	}
}

func NotConnectedError(serverID string) error {
	return &Error{Kind: NotConnected, Op: serverID, Message: ErrNotConnected.Error(), Err: ErrNotConnected}
}

func RemoteOperationError(op, path string, err error) error {
	return &Error{Kind: RemoteOperation, Op: op, Message: fmt.Sprintf("%s %s: %v", op, path, err), Err: err}
}

func ReconnectExhaustedError(attempts int) error {
	return &Error{Kind: ReconnectExhausted, Op: "reconnect", Message: fmt.Sprintf("reconnect failed after %d attempts", attempts)}
}
