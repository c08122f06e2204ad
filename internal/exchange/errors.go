package exchange

import (
	"errors"
	"fmt"
)

// Error codes the control plane handles specifically. Anything else is
// treated by its HTTP class.
const (
	CodeInsufficientBalance = 306   // available balance too low for a margin entry
	CodeInsufficientMargin  = 609   // margin requirement not met, symbol lockout
	CodeAuthFailed          = 40101 // bad key or signature
	CodeIPNotWhitelisted    = 40103 // key valid, source address rejected
	CodeRateLimited         = 42901
	CodeInternal            = 500
)

var (
	// ErrOutcomeUnknown wraps a write call that timed out before the
	// exchange answered. The order may or may not exist; the reconciler
	// settles it. Callers must not retry blindly.
	ErrOutcomeUnknown = errors.New("exchange outcome unknown")

	// ErrMetadataUnavailable means the exchange supplied no trading rules
	// for a symbol. Terminal for protective order placement.
	ErrMetadataUnavailable = errors.New("instrument metadata unavailable")
)

// APIError is a definitive error response from the exchange: the request
// was received and rejected with a code.
type APIError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d: %s (http %d)", e.Code, e.Message, e.HTTPStatus)
}

// AsAPIError unwraps err to an *APIError when there is one.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsAuthError reports codes 40101 and 40103. Placements halt on these;
// they are never retried in a loop.
func IsAuthError(err error) bool {
	if e, ok := AsAPIError(err); ok {
		return e.Code == CodeAuthFailed || e.Code == CodeIPNotWhitelisted
	}
	return false
}

// IsInsufficientBalance reports code 306, the trigger for the leverage
// reduction ladder.
func IsInsufficientBalance(err error) bool {
	e, ok := AsAPIError(err)
	return ok && e.Code == CodeInsufficientBalance
}

// IsInsufficientMargin reports code 609, the trigger for the 30-minute
// symbol margin lockout.
func IsInsufficientMargin(err error) bool {
	e, ok := AsAPIError(err)
	return ok && e.Code == CodeInsufficientMargin
}

// IsRateLimited reports a throttled request, by code or HTTP status.
func IsRateLimited(err error) bool {
	if e, ok := AsAPIError(err); ok {
		return e.Code == CodeRateLimited || e.HTTPStatus == 429
	}
	return false
}

// IsTransient reports server-side failures worth a bounded retry: a clean
// code-500 response or any 5xx HTTP status. Timeouts are not transient,
// they are unknown outcomes.
func IsTransient(err error) bool {
	if errors.Is(err, ErrOutcomeUnknown) {
		return false
	}
	if e, ok := AsAPIError(err); ok {
		return e.Code == CodeInternal || e.HTTPStatus >= 500
	}
	return false
}
