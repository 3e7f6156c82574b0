// Package errs classifies the errors returned across the HID client API.
//
// Every error returned by a public operation is a *ClassifiedError carrying
// one of four classes and a negative result code, so callers can either
// match on sentinels with errors.Is or switch on Code(err).
package errs

import (
	"errors"
	"fmt"
)

// ErrorClass says which layer produced an error.
type ErrorClass int

const (
	// ClassInvalid is a local validation failure; no I/O was performed.
	ClassInvalid ErrorClass = iota
	// ClassTransport is a send failure or a missing response.
	ClassTransport
	// ClassProtocol is a response the server sent in violation of the catalog.
	ClassProtocol
	// ClassServer is a well-formed response carrying a non-success status.
	ClassServer
)

func (ec ErrorClass) String() string {
	switch ec {
	case ClassInvalid:
		return "invalid"
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassServer:
		return "server"
	default:
		return "unknown"
	}
}

// Result codes. Non-negative values are success or counts.
const (
	CodeInvalidParameter   = -1
	CodeNotInitialized     = -2
	CodeInvalidHandle      = -3
	CodeAlreadyRegistered  = -4
	CodeSendFailed         = -5
	CodeTimeout            = -6
	CodeMalformedResponse  = -7
	CodeCanceled           = -8
	CodeAlreadyInitialized = -9
	CodeServerFailure      = -10
)

// Sentinels matched with errors.Is.
var (
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrNotInitialized     = errors.New("module not initialized")
	ErrAlreadyInitialized = errors.New("module already initialized")
	ErrInvalidHandle      = errors.New("invalid callback handle")
	ErrAlreadyRegistered  = errors.New("callback already registered")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrServerFailure      = errors.New("server reported failure")
)

// ClassifiedError is the error type returned by public operations. Status
// is the raw server status and is only set for ClassServer.
type ClassifiedError struct {
	Class  ErrorClass
	Code   int
	Status int32
	Op     string
	Err    error
}

func (ce *ClassifiedError) Error() string {
	if ce.Op == "" {
		return ce.Err.Error()
	}
	return ce.Op + ": " + ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

func classify(class ErrorClass, code int, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Code: code, Op: op, Err: err}
}

// Invalid reports a local validation failure.
func Invalid(op string, code int, err error) error {
	return classify(ClassInvalid, code, op, err)
}

// Transport reports a send or receive failure.
func Transport(op string, code int, err error) error {
	return classify(ClassTransport, code, op, err)
}

// Protocol reports a response that could not be safely interpreted.
func Protocol(op string, err error) error {
	return classify(ClassProtocol, CodeMalformedResponse, op, fmt.Errorf("%w: %w", ErrMalformedResponse, err))
}

// Server reports a non-success status returned by the server. Statuses
// below CodeServerFailure are passed through as the code; any other status
// would collide with a local code or read as success, so it becomes
// CodeServerFailure. ServerStatus recovers the raw value either way.
func Server(op string, status int32) error {
	code := int(status)
	if code >= CodeServerFailure {
		code = CodeServerFailure
	}
	return &ClassifiedError{
		Class:  ClassServer,
		Code:   code,
		Status: status,
		Op:     op,
		Err:    fmt.Errorf("%w: status %d", ErrServerFailure, status),
	}
}

// ServerStatus returns the raw status of a ClassServer error.
func ServerStatus(err error) (int32, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Class == ClassServer {
		return ce.Status, true
	}
	return 0, false
}

// Wrap prefixes err with "component.method: action failed". The class and
// code of a wrapped ClassifiedError are preserved.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// Code returns the result code carried by err: 0 for nil, the classified
// code when present, CodeSendFailed otherwise.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeSendFailed
}

// ClassOf returns the class of err and whether err was classified.
func ClassOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsInvalid reports a local validation failure.
func IsInvalid(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ClassInvalid
}

// IsTransport reports a send failure or a missing response.
func IsTransport(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ClassTransport
}

// IsProtocol reports a malformed server response.
func IsProtocol(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ClassProtocol
}
