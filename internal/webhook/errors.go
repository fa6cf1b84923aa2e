package webhook

import (
	"errors"
	"fmt"
)

var ErrUnknownProvider = errors.New("unknown provider")

// AuthenticationError means the request could not be proven to come from
// the provider. Reason is for logs only and never reaches the caller.
type AuthenticationError struct {
	Provider string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("webhook %s: authentication failed: %s", e.Provider, e.Reason)
}

// ValidationError means the body is not a well-formed event for the
// provider.
type ValidationError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook %s: invalid payload: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("webhook %s: invalid payload: %s", e.Provider, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
