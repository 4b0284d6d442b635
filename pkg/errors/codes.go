package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in proton.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001
	ErrCodeDaemonize     ErrorCode = 1002

	// Process supervision
	ErrCodeSpawnFailed    ErrorCode = 2001
	ErrCodeChannelClosed  ErrorCode = 2002
	ErrCodeWorkerNotReady ErrorCode = 2003

	// Serving
	ErrCodeListenFailed ErrorCode = 3001

	// Application
	ErrCodeHandlerFailed ErrorCode = 4001
)

// Sentinels usable with errors.Is; matching is done on the code only.
var (
	ErrConfiguration  = &ProtonError{Code: ErrCodeConfigInvalid, Operation: "Config", Msg: "invalid configuration"}
	ErrDaemonize      = &ProtonError{Code: ErrCodeDaemonize, Operation: "Daemonize", Msg: "daemonization failed"}
	ErrSpawn          = &ProtonError{Code: ErrCodeSpawnFailed, Operation: "Spawn", Msg: "could not spawn process"}
	ErrChannelClosed  = &ProtonError{Code: ErrCodeChannelClosed, Operation: "Channel", Msg: "peer process has exited"}
	ErrWorkerNotReady = &ProtonError{Code: ErrCodeWorkerNotReady, Operation: "Ready", Msg: "worker failed to become ready"}
	ErrListen         = &ProtonError{Code: ErrCodeListenFailed, Operation: "Listen", Msg: "could not bind listener"}
	ErrHandler        = &ProtonError{Code: ErrCodeHandlerFailed, Operation: "Handler", Msg: "application error"}
)

// ProtonError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type ProtonError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *ProtonError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *ProtonError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ProtonError carrying the same code.
func (e *ProtonError) Is(target error) bool {
	t, ok := target.(*ProtonError)
	return ok && t.Code == e.Code
}

// New creates a new ProtonError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &ProtonError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// Config builds a ConfigurationError.
func Config(msg string) error {
	return New(ErrCodeConfigInvalid, "Config", msg, nil)
}

// CodeOf returns the code of the first ProtonError in err's chain, or
// ErrCodeUnknown.
func CodeOf(err error) ErrorCode {
	var pe *ProtonError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}

// Personal.AI order the ending
