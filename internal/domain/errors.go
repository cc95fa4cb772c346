package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindCapacity    ErrorKind = "capacity"
	KindCapability  ErrorKind = "capability"
	KindEngine      ErrorKind = "engine"
	// KindRateLimited is a client refused by signaling-level throttling; it is
	// kept apart from KindCapacity, which means a worker is out of routers.
	KindRateLimited ErrorKind = "rate_limited"
)

// Sentinels for errors.Is; every *Error matches the sentinel of its Kind.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrCapacity    = errors.New("capacity reached")
	ErrCapability  = errors.New("capability mismatch")
	ErrEngine      = errors.New("media engine error")
	ErrRateLimited = errors.New("rate limited")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:  ErrValidation,
	KindNotFound:    ErrNotFound,
	KindCapacity:    ErrCapacity,
	KindCapability:  ErrCapability,
	KindEngine:      ErrEngine,
	KindRateLimited: ErrRateLimited,
}

// Component names the subsystem a failure belongs to.
type Component string

const (
	ComponentTransport Component = "transport"
	ComponentProducer  Component = "producer"
	ComponentConsumer  Component = "consumer"
	ComponentRoom      Component = "room"
	ComponentSocket    Component = "socket"
	ComponentMedia     Component = "media"
	ComponentOther     Component = "ETC"
)

type Error struct {
	Kind      ErrorKind
	Component Component
	Op        string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func Validation(c Component, msg string) *Error {
	return &Error{Kind: KindValidation, Component: c, Msg: msg}
}

func NotFound(c Component, msg string) *Error {
	return &Error{Kind: KindNotFound, Component: c, Msg: msg}
}

func Capacity(c Component, msg string) *Error {
	return &Error{Kind: KindCapacity, Component: c, Msg: msg}
}

func RateLimited(c Component, msg string) *Error {
	return &Error{Kind: KindRateLimited, Component: c, Msg: msg}
}

func Capability(c Component, msg string) *Error {
	return &Error{Kind: KindCapability, Component: c, Msg: msg}
}

func Engine(c Component, msg string, err error) *Error {
	return &Error{Kind: KindEngine, Component: c, Msg: msg, Err: err}
}

// AsError extracts the taxonomy view of err. Untyped errors are reported as
// engine failures of ComponentOther.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindEngine, Component: ComponentOther, Msg: "internal error", Err: err}
}
