package exchange

import (
	"errors"
	"fmt"
)

// Return codes the classifier cares about.
const (
	CodeOK                 = 0
	CodeParamError         = 10001
	CodeTimestampSkew      = 10002
	CodeInvalidAPIKey      = 10003
	CodeSignatureError     = 10004
	CodePermissionDenied   = 10005
	CodeRateLimited        = 10006
	CodeAuthFailed         = 10007
	CodeIPNotWhitelisted   = 10010
	CodeServerBusy         = 10016
	CodeOrderNotExists     = 110001
	CodeInsufficientMargin = 110007
	CodeReduceOnlyNoPos    = 110017
	CodeDuplicateLinkID    = 110072
)

var (
	// ErrUnknownOutcome marks a mutating call whose result was not observed.
	// The caller must query order state before deciding to resubmit.
	ErrUnknownOutcome = errors.New("exchange call outcome unknown")
	// ErrTransport marks a read-only call that failed before a response arrived.
	ErrTransport = errors.New("exchange transport failure")
)

// APIError is a non-zero retCode or non-2xx HTTP response from the exchange.
type APIError struct {
	HTTPStatus int
	RetCode    int
	RetMsg     string
	Path       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange %s: http=%d retCode=%d retMsg=%q", e.Path, e.HTTPStatus, e.RetCode, e.RetMsg)
}

// IsClockSkew reports whether the exchange rejected the request timestamp.
func (e *APIError) IsClockSkew() bool {
	return e.RetCode == CodeTimestampSkew
}

// AsAPIError unwraps err into an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
