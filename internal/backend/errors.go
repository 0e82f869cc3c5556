package backend

import (
	"errors"
	"fmt"
)

// ErrExchangeIncomplete marks a token exchange whose response carried
// no access token. Callers treat it the same as a rejected exchange.
var ErrExchangeIncomplete = errors.New("token exchange response missing access token")

// APIError is a structured error for non-2xx backend responses.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: http %d", e.Endpoint, e.Status)
}

// IsAPIError checks if err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
