package handler

import (
	"errors"
	"net/http"
)

// ErrNilResponse is passed to the ErrorHandler when a handler returns nil.
var ErrNilResponse = errors.New("handler returned nil response")

// Response renders itself to an http.ResponseWriter. A Render error is
// handed to the ErrorHandler configured on Wrap.
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// ResponseFunc adapts a plain function to Response.
type ResponseFunc func(w http.ResponseWriter, r *http.Request) error

func (f ResponseFunc) Render(w http.ResponseWriter, r *http.Request) error { return f(w, r) }

// Empty writes 204 No Content.
func Empty() Response {
	return Status(http.StatusNoContent)
}

// Status writes status with no body, e.g. 202 for an acknowledged webhook.
func Status(status int) Response {
	return ResponseFunc(func(w http.ResponseWriter, _ *http.Request) error {
		w.WriteHeader(status)
		return nil
	})
}

// Fail returns a Response that routes err through the ErrorHandler instead
// of rendering it directly, so failures are logged in one place.
func Fail(err error) Response {
	return ResponseFunc(func(http.ResponseWriter, *http.Request) error {
		return err
	})
}
