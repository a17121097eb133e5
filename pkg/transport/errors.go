package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Predefined errors for the transport package.
var (
	// ErrEmptySDKKey indicates the client was constructed without an SDK key.
	ErrEmptySDKKey = errors.New("transport: sdk key cannot be empty")

	// ErrEmptyResponse indicates a 2xx response arrived with no usable body.
	ErrEmptyResponse = errors.New("transport: unexpected empty response from API")
)

// RequestError is a failed HTTP exchange with the API. The status code
// determines whether the failure is worth retrying.
type RequestError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *RequestError) Error() string {
	if len(e.Response.Message) > 0 {
		return fmt.Sprintf("transport: request failed with status %d: %s",
			e.StatusCode, strings.Join(e.Response.Message, "; "))
	}
	return fmt.Sprintf("transport: request failed with status %d", e.StatusCode)
}

// Retryable reports whether the exchange hit a server fault (5xx). Client
// faults (4xx) are terminal and must not be retried.
func (e *RequestError) Retryable() bool {
	return e.StatusCode >= 500
}

// IsRetryable classifies any error from this package: a RequestError follows
// its status code, everything else (network faults, timeouts) is a transport
// fault and retryable.
func IsRetryable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return err != nil
}
