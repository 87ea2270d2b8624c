package ble

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure reported by the central.
type ErrorKind int

const (
	KindTransportUnavailable ErrorKind = iota + 1
	KindAlreadyScanning
	KindAlreadyConnecting
	KindConnectFailed
	KindServiceNotFound
	KindCharacteristicNotFound
	KindNotReady
	KindReadFailed
	KindUnparseableData
	KindTimeout
	KindDisconnected
	KindClosed
)

var kindNames = map[ErrorKind]string{
	KindTransportUnavailable:   "transport unavailable",
	KindAlreadyScanning:        "already scanning",
	KindAlreadyConnecting:      "already connecting",
	KindConnectFailed:          "connect failed",
	KindServiceNotFound:        "service not found",
	KindCharacteristicNotFound: "characteristic not found",
	KindNotReady:               "not ready",
	KindReadFailed:             "read failed",
	KindUnparseableData:        "unparseable data",
	KindTimeout:                "timeout",
	KindDisconnected:           "disconnected",
	KindClosed:                 "central closed",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the error type returned by commands and carried by events.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return "ble: " + e.Kind.String()
	}
	return fmt.Sprintf("ble: %s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotReady)
// holds regardless of cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTransportUnavailable   = &Error{Kind: KindTransportUnavailable}
	ErrAlreadyScanning        = &Error{Kind: KindAlreadyScanning}
	ErrAlreadyConnecting      = &Error{Kind: KindAlreadyConnecting}
	ErrConnectFailed          = &Error{Kind: KindConnectFailed}
	ErrServiceNotFound        = &Error{Kind: KindServiceNotFound}
	ErrCharacteristicNotFound = &Error{Kind: KindCharacteristicNotFound}
	ErrNotReady               = &Error{Kind: KindNotReady}
	ErrReadFailed             = &Error{Kind: KindReadFailed}
	ErrUnparseableData        = &Error{Kind: KindUnparseableData}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrDisconnected           = &Error{Kind: KindDisconnected}
	ErrClosed                 = &Error{Kind: KindClosed}
)

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf returns the ErrorKind of err, or 0 if err is not a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
