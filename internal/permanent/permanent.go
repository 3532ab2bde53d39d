// Package permanent tags delivery failures that retrying cannot fix.
package permanent

import (
	"errors"
	"net/http"
)

// Error wraps a cause that must not be retried.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Mark wraps err so Is reports true for it. Nil stays nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	return &Error{Err: err}
}

// Is reports whether any error in the chain was marked.
func Is(err error) bool {
	var marked *Error
	return errors.As(err, &marked)
}

// ForStatus classifies a failed HTTP response.
// Params: response status code and the error describing it.
// Returns: err marked permanent for client errors, err unchanged for
// throttling, timeouts, and server errors.
func ForStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return err
	}
	if status >= 400 && status < 500 {
		return Mark(err)
	}
	return err
}
