package llm

import (
	"errors"
	"fmt"
)

// ErrProviderNotFound is returned when a named provider has no
// registration.
var ErrProviderNotFound = errors.New("provider not found")

// InvalidRequestError indicates a malformed completion request.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// UnavailableError indicates the provider cannot currently serve
// requests. The manager treats it as a signal to advance through the
// fallback order.
type UnavailableError struct {
	Provider string
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s unavailable", e.Provider)
	}
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// RejectedError indicates the provider actively rejected the request
// (bad input, auth failure). It is terminal; no fallback is attempted.
type RejectedError struct {
	Provider string
	Model    string
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider %s rejected request (model %s): %v", e.Provider, e.Model, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// IsUnavailable returns true if the error indicates provider
// unavailability and fallback should be attempted.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// IsRejected returns true if the error is a terminal provider
// rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
