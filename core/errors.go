package core

import (
	"errors"
	"fmt"
)

// Address space errors
var (
	ErrResourceExhausted = errors.New("address space exhausted")
	ErrInvalidAddress    = errors.New("invalid address")
)

// Mailbox errors
var (
	ErrMailboxFull   = errors.New("mailbox is full")
	ErrMailboxClosed = errors.New("mailbox is closed")
	ErrTimeout       = errors.New("operation timed out")
)

// Routing and request errors
var (
	ErrNoRecipient       = errors.New("no recipient")
	ErrRequestIgnored    = errors.New("request ignored")
	ErrRemoteUnavailable = errors.New("remote transport unavailable")
)

// Supervision errors
var (
	ErrRestartBudgetExceeded = errors.New("restart budget exceeded")
	ErrGroupFailed           = errors.New("group failed")
	ErrGroupTerminated       = errors.New("group terminated")
	ErrGroupExists           = errors.New("group already exists")
	ErrConfigRejected        = errors.New("config rejected")
	ErrSystemStopped         = errors.New("actor system is stopped")
	ErrActorStuck            = errors.New("actor is not yielding")
	ErrNotRequest            = errors.New("envelope is not a request")
)

// RouteError reports a failed delivery together with its destination.
type RouteError struct {
	Dest Destination
	Err  error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route to %s: %v", e.Dest, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// AskError reports a failed request/response exchange.
type AskError struct {
	Addr Addr
	Err  error
}

func (e *AskError) Error() string {
	return fmt.Sprintf("ask %s: %v", e.Addr, e.Err)
}

func (e *AskError) Unwrap() error {
	return e.Err
}

// ActorFailure describes a crashed actor instance. Panic is set when the
// failure was a recovered panic rather than a returned error.
type ActorFailure struct {
	Group  string
	Key    string
	Addr   Addr
	Reason error
	Panic  bool
}

func (e *ActorFailure) Error() string {
	kind := "failed"
	if e.Panic {
		kind = "panicked"
	}
	return fmt.Sprintf("actor %s.%s (%s) %s: %v", e.Group, e.Key, e.Addr, kind, e.Reason)
}

func (e *ActorFailure) Unwrap() error {
	return e.Reason
}

// panicError converts a recovered panic value into an error.
func panicError(r any) error {
	switch v := r.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	default:
		return fmt.Errorf("%v", v)
	}
}
