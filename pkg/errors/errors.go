// Unified error handling for the picomotor host.
//
// Every failure crossing a package boundary is a *DeviceError carrying a
// category code, so callers can branch on the kind of failure without
// string matching, and hardware-reported faults keep their numeric code.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code represents the category of error.
type Code string

const (
	// ErrConnection: the device could not be opened or reached.
	ErrConnection Code = "CONNECTION"

	// ErrProtoTimeout: no response terminator within the wait budget.
	ErrProtoTimeout Code = "PROTO_TIMEOUT"

	// ErrMalformed: a response that could not be decoded.
	ErrMalformed Code = "MALFORMED"

	// ErrChecksum: a frame failed its integrity check.
	ErrChecksum Code = "CHECKSUM"

	// ErrHardware: the controller reported a nonzero error code.
	ErrHardware Code = "HARDWARE"

	// ErrConfig: invalid axis or connection configuration.
	ErrConfig Code = "CONFIG"

	// ErrUnsupported: an operation the device variant does not provide.
	ErrUnsupported Code = "UNSUPPORTED"

	// ErrCancelled: a task ended through its cancellation path. Not a fault.
	ErrCancelled Code = "CANCELLED"
)

// DeviceError is the unified error type for the host system.
type DeviceError struct {
	// Code is the error category
	Code Code

	// Message is a human-readable error description
	Message string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// SetContext adds additional context.
func (e *DeviceError) SetContext(key string, value interface{}) *DeviceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new DeviceError.
func New(code Code, message string) *DeviceError {
	return &DeviceError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new DeviceError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *DeviceError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a category and message.
func Wrap(err error, code Code, message string) *DeviceError {
	return &DeviceError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Connection creates a connection error.
func Connection(format string, args ...interface{}) *DeviceError {
	return Newf(ErrConnection, format, args...)
}

// ProtoTimeout creates a protocol timeout error.
func ProtoTimeout(format string, args ...interface{}) *DeviceError {
	return Newf(ErrProtoTimeout, format, args...)
}

// Malformed creates a malformed response error.
func Malformed(format string, args ...interface{}) *DeviceError {
	return Newf(ErrMalformed, format, args...)
}

// Checksum creates a frame integrity error.
func Checksum(format string, args ...interface{}) *DeviceError {
	return Newf(ErrChecksum, format, args...)
}

// Config creates a configuration error.
func Config(format string, args ...interface{}) *DeviceError {
	return Newf(ErrConfig, format, args...)
}

// Unsupported creates an unsupported operation error.
func Unsupported(format string, args ...interface{}) *DeviceError {
	return Newf(ErrUnsupported, format, args...)
}

// Cancelled creates the cancellation outcome of a task.
func Cancelled(format string, args ...interface{}) *DeviceError {
	return Newf(ErrCancelled, format, args...)
}

// Hardware creates an error for a fault reported by the controller.
// The numeric code and message come from the device's error queue.
func Hardware(no int, msg string) *DeviceError {
	return Newf(ErrHardware, "%d: %s", no, msg).SetContext("code", no)
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	for err != nil {
		if de, ok := err.(*DeviceError); ok && de.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsCancellation reports whether err is the normal cancellation outcome.
func IsCancellation(err error) bool {
	return Is(err, ErrCancelled)
}

// IsTimeout reports whether err is a protocol timeout.
func IsTimeout(err error) bool {
	return Is(err, ErrProtoTimeout)
}
