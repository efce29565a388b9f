// Package retry classifies exchange failures and runs bounded backoff for
// the transient ones.
package retry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/trogers1052/signal-executor/internal/exchange"
	"github.com/trogers1052/signal-executor/internal/failure"
)

// Class is the retry decision for an error.
type Class int

const (
	// ClassNone is a nil error.
	ClassNone Class = iota
	// ClassFatal is surfaced immediately and never retried.
	ClassFatal
	// ClassTransient is retried with bounded backoff.
	ClassTransient
	// ClassPolicy is an environment/configuration block: not retried and
	// not held against the credential.
	ClassPolicy
)

func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassTransient:
		return "transient"
	case ClassPolicy:
		return "policy"
	default:
		return "none"
	}
}

// Classification is the outcome of Classify.
type Classification struct {
	Class Class
	// InvalidatesCredential is set for fatal errors caused by the key itself.
	InvalidatesCredential bool
	ClockSkew             bool
	// UnknownOutcome means a mutating call may or may not have landed.
	UnknownOutcome bool
	Code           int
	Msg            string
}

// Classify inspects both the return code and the message, since the same
// numeric code is reused for unrelated conditions.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: ClassNone}
	}

	if apiErr, ok := exchange.AsAPIError(err); ok {
		return classifyAPIError(apiErr)
	}

	var fe *failure.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case failure.KindExchangeTransient, failure.KindTimeout:
			return Classification{Class: ClassTransient, Code: fe.Code, Msg: fe.Msg}
		default:
			return Classification{Class: ClassFatal, Code: fe.Code, Msg: fe.Msg}
		}
	}

	switch {
	case errors.Is(err, exchange.ErrMalformedMaterial):
		return Classification{Class: ClassFatal, Msg: err.Error()}
	case errors.Is(err, exchange.ErrUnknownOutcome):
		return Classification{Class: ClassTransient, UnknownOutcome: true, Msg: err.Error()}
	case errors.Is(err, exchange.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return Classification{Class: ClassTransient, Msg: err.Error()}
	case errors.Is(err, context.Canceled):
		return Classification{Class: ClassFatal, Msg: err.Error()}
	}
	return Classification{Class: ClassFatal, Msg: err.Error()}
}

func classifyAPIError(e *exchange.APIError) Classification {
	c := Classification{Code: e.RetCode, Msg: e.RetMsg}
	msg := strings.ToLower(e.RetMsg)

	if mentionsIPRestriction(msg) || e.RetCode == exchange.CodeIPNotWhitelisted {
		c.Class = ClassPolicy
		return c
	}

	switch e.RetCode {
	case exchange.CodeTimestampSkew:
		c.Class = ClassTransient
		c.ClockSkew = true
		return c
	case exchange.CodeRateLimited, exchange.CodeServerBusy, 10000, 10429, 10018:
		c.Class = ClassTransient
		return c
	case exchange.CodeInvalidAPIKey, exchange.CodeSignatureError, exchange.CodePermissionDenied, exchange.CodeAuthFailed:
		c.Class = ClassFatal
		c.InvalidatesCredential = true
		return c
	case exchange.CodeParamError:
		// 10001 also carries recv_window/timestamp complaints.
		if strings.Contains(msg, "recv_window") || strings.Contains(msg, "timestamp") {
			c.Class = ClassTransient
			c.ClockSkew = true
			return c
		}
		c.Class = ClassFatal
		return c
	}

	switch {
	case e.HTTPStatus == http.StatusTooManyRequests,
		e.HTTPStatus == http.StatusForbidden && strings.Contains(msg, "too frequent"),
		e.HTTPStatus >= 500:
		c.Class = ClassTransient
	case e.HTTPStatus == http.StatusUnauthorized:
		c.Class = ClassFatal
		c.InvalidatesCredential = true
	case strings.Contains(msg, "too many visits"), strings.Contains(msg, "server is busy"), strings.Contains(msg, "timeout"):
		c.Class = ClassTransient
	default:
		c.Class = ClassFatal
	}
	return c
}

func mentionsIPRestriction(msg string) bool {
	return strings.Contains(msg, "unmatched ip") ||
		strings.Contains(msg, "ip whitelist") ||
		strings.Contains(msg, "bound ip") ||
		strings.Contains(msg, "ip not") ||
		strings.Contains(msg, "ip address")
}

// ToFailure converts err into the externally visible failure kind.
func ToFailure(err error) *failure.Error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}

	c := Classify(err)
	switch {
	case c.UnknownOutcome || errors.Is(err, context.DeadlineExceeded):
		return failure.Wrap(failure.KindTimeout, "exchange call timed out", err)
	case c.Class == ClassTransient && c.Code != 0:
		return failure.Exchange(failure.KindExchangeTransient, c.Code, c.Msg)
	case c.Class == ClassTransient:
		return failure.Wrap(failure.KindExchangeTransient, "transport", err)
	case c.Code != 0:
		return failure.Exchange(failure.KindExchangeRejected, c.Code, c.Msg)
	default:
		return failure.Wrap(failure.KindExchangeRejected, "request rejected", err)
	}
}
