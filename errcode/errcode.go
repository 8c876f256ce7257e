package errcode

import "errors"

// Code is a stable, wire-facing error identifier carried in command
// responses. It is a string newtype, comparable, allocation-free, and
// implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK Code = "ok"

	UnknownDevice   Code = "unknown_device"
	UnknownRegister Code = "unknown_register"
	ReadOnly        Code = "register_not_writable"
	NotConnected    Code = "device_not_connected"
	Timeout         Code = "timeout"

	InvalidPayload Code = "invalid_payload"
	InvalidParams  Code = "invalid_params"
	InvalidTopic   Code = "invalid_topic"
	UnknownAction  Code = "unknown_action"
	UnknownCommand Code = "unknown_command"

	WrongMode         Code = "wrong_mode"
	AlreadyRunning    Code = "already_running"
	NotRunning        Code = "not_running"
	InvalidTransition Code = "invalid_transition"
	InvalidThresholds Code = "invalid_thresholds"
	Disabled          Code = "disabled"

	QueueFull    Code = "queue_full"
	Disconnected Code = "disconnected"

	Error Code = "error" // generic fallback
)

// E keeps a code together with operational context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from anywhere in an error chain, defaulting to
// Error for foreign errors and OK for nil.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	return Error
}

// Is reports whether err carries the given code.
func Is(err error, c Code) bool { return Of(err) == c }
