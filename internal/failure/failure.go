// Package failure defines the externally visible failure kinds a signal or
// order can terminate with.
package failure

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of failure classifications.
type Kind string

const (
	KindNone                  Kind = ""
	KindInvalidSignal         Kind = "InvalidSignal"
	KindMarketGated           Kind = "MarketGated"
	KindCredentialUnavailable Kind = "CredentialUnavailable"
	KindExchangeRejected      Kind = "ExchangeRejected"
	KindExchangeTransient     Kind = "ExchangeTransient"
	KindTimeout               Kind = "Timeout"
	KindDuplicateSuppressed   Kind = "DuplicateSuppressed"
)

// Error carries exactly one Kind plus the exchange code/message when present.
type Error struct {
	Kind Kind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0 && e.Err != nil:
		return fmt.Sprintf("%s(%d, %s): %v", e.Kind, e.Code, e.Msg, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("%s(%d, %s)", e.Kind, e.Code, e.Msg)
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Exchange returns an exchange-originated Error.
func Exchange(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// KindOf extracts the Kind from err, or KindNone.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNone
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
