package chat

import (
	"errors"
	"fmt"

	"github.com/onnwee/tvyt/backend/crypto"
	"github.com/onnwee/tvyt/backend/oauth"
)

var (
	// ErrNoToken means the owner never linked the platform.
	ErrNoToken = errors.New("no stored token")
	// ErrUnauthorized means the platform rejected the access token.
	ErrUnauthorized = errors.New("access token rejected")
	// ErrStore is the errors.Is target for every *StoreError.
	ErrStore = errors.New("token store error")
	// ErrStoreUnavailable marks a store failure that repeated on the retry.
	ErrStoreUnavailable = errors.New("token store unavailable")
	ErrUpstreamConnect  = errors.New("upstream connect failed")
	ErrUpstreamProtocol = errors.New("upstream protocol error")
	// ErrScheduleExhausted is returned by Scheduler.Run when every delay was used.
	ErrScheduleExhausted = errors.New("retry schedule exhausted")
	// ErrStopped is returned when the session was stopped mid-flight.
	ErrStopped = errors.New("session stopped")
)

// StoreError wraps a failure of the token store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// UpstreamError is a connectivity-class failure talking to a platform.
type UpstreamError struct {
	Platform Platform
	Kind     error // ErrUpstreamConnect or ErrUpstreamProtocol
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Platform, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == e.Kind }

// ConnectError reports a failure to establish the upstream connection.
func ConnectError(p Platform, err error) error {
	return &UpstreamError{Platform: p, Kind: ErrUpstreamConnect, Err: err}
}

// ProtocolError reports an established connection that broke or misbehaved.
func ProtocolError(p Platform, err error) error {
	return &UpstreamError{Platform: p, Kind: ErrUpstreamProtocol, Err: err}
}

// SessionError carries the code and message surfaced to subscribers.
type SessionError struct {
	Code    int
	Message string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// FailureClass decides whether a failed attempt may be retried.
type FailureClass int

const (
	// Recoverable failures are connectivity problems handed to the Scheduler.
	Recoverable FailureClass = iota
	// Terminal failures end the session: the credential is unusable or the
	// token store stayed down across a retry.
	Terminal
)

func (c FailureClass) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "recoverable"
}

// Classify sorts err into a FailureClass. Upstream errors are checked first so
// a token that expires mid-stream goes through a reconnect, which refreshes it.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return Recoverable
	case errors.Is(err, ErrUpstreamConnect), errors.Is(err, ErrUpstreamProtocol):
		return Recoverable
	case errors.Is(err, crypto.ErrCrypto),
		errors.Is(err, oauth.ErrRefresh),
		errors.Is(err, ErrNoToken),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrStoreUnavailable):
		return Terminal
	default:
		return Recoverable
	}
}
