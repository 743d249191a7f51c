package schalter

import (
	"errors"
	"fmt"
)

// ErrNoLesson is returned by NextWeek when the event search finds nothing.
var ErrNoLesson = errors.New("no matching lesson found")

// ErrUnexpectedFormat is returned when an upstream page or payload does not
// contain what the scraper expects. Usually means the site changed.
var ErrUnexpectedFormat = errors.New("unexpected response format")

// APIError is a non-2xx response from the booking API with a decoded message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %d", e.Status)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// AuthError is a failed credential exchange. It never carries the password.
type AuthError struct {
	Step string
	Err  error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth %s: %v", e.Step, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }
