// Package errors defines the structured error taxonomy surfaced to embedders
// of the transport: Verbs, Device, BadAddress, BadOp, Serialization,
// PeerClosed and UnknownBuffer.
package errors

import (
	"fmt"
	"syscall"
)

// Code classifies a TransportError.
type Code string

const (
	CodeVerbs         Code = "verbs"
	CodeDevice        Code = "device"
	CodeBadAddress    Code = "bad_address"
	CodeBadOp         Code = "bad_op"
	CodeSerialization Code = "serialization"
	CodePeerClosed    Code = "peer_closed"
	CodeUnknownBuffer Code = "unknown_buffer"
)

// TransportError is the single structured error type returned across the
// public façade and internal packages.
type TransportError struct {
	Op    string
	Code  Code
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *TransportError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("rdmaxfer: %s: %s (errno=%d: %s)", e.Op, e.Msg, int(e.Errno), e.Errno.Error())
	}
	if e.Inner != nil {
		return fmt.Sprintf("rdmaxfer: %s: %s: %v", e.Op, e.Msg, e.Inner)
	}
	return fmt.Sprintf("rdmaxfer: %s: %s", e.Op, e.Msg)
}

func (e *TransportError) Unwrap() error {
	return e.Inner
}

// Is reports whether target is a *TransportError with the same Code.
func (e *TransportError) Is(target error) bool {
	other, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// NewVerbsError wraps a failed verbs call, capturing its name and errno.
// The errno is also retained as Inner so errors.Is(err, syscall.EXXX) works.
func NewVerbsError(op, name string, errno syscall.Errno) *TransportError {
	var inner error
	if errno != 0 {
		inner = errno
	}
	return &TransportError{Op: op, Code: CodeVerbs, Errno: errno, Msg: fmt.Sprintf("%s failed", name), Inner: inner}
}

// NewDeviceError wraps a failed GPU allocator/driver call.
func NewDeviceError(op, name string, code int) *TransportError {
	return &TransportError{Op: op, Code: CodeDevice, Msg: fmt.Sprintf("%s failed with code %d", name, code)}
}

// NewBadAddressError reports an unparsable or unresolvable address.
func NewBadAddressError(op, msg string) *TransportError {
	return &TransportError{Op: op, Code: CodeBadAddress, Msg: msg}
}

// NewBadOpError reports a structurally invalid command.
func NewBadOpError(op, msg string) *TransportError {
	return &TransportError{Op: op, Code: CodeBadOp, Msg: msg}
}

// NewSerializationError reports a malformed or oversized wire payload.
func NewSerializationError(op, msg string) *TransportError {
	return &TransportError{Op: op, Code: CodeSerialization, Msg: msg}
}

// NewPeerClosedError reports an unexpected peer teardown.
func NewPeerClosedError(op string) *TransportError {
	return &TransportError{Op: op, Code: CodePeerClosed, Msg: "peer closed the connection"}
}

// NewUnknownBufferError reports a command referencing an unregistered buffer.
func NewUnknownBufferError(op string, basePtr uint64) *TransportError {
	return &TransportError{Op: op, Code: CodeUnknownBuffer, Msg: fmt.Sprintf("no registered region for base_ptr=0x%x", basePtr)}
}

// WrapErrno classifies a bare syscall.Errno returned from a verbs call.
func WrapErrno(op, name string, err error) *TransportError {
	if errno, ok := err.(syscall.Errno); ok {
		return NewVerbsError(op, name, errno)
	}
	return &TransportError{Op: op, Code: CodeVerbs, Msg: fmt.Sprintf("%s failed", name), Inner: err}
}

// IsCode reports whether err is a *TransportError carrying code.
func IsCode(err error, code Code) bool {
	te, ok := err.(*TransportError)
	return ok && te.Code == code
}

// IsErrno reports whether err is a *TransportError carrying errno.
func IsErrno(err error, errno syscall.Errno) bool {
	te, ok := err.(*TransportError)
	return ok && te.Errno == errno
}
