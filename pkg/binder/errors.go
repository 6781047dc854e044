package binder

import "errors"

// Common binding errors
var (
	// ErrBinderNotApplicable tells handler.Wrap to skip a binder that has
	// nothing to read from the request.
	ErrBinderNotApplicable  = errors.New("binder not applicable")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrFailedToParseJSON    = errors.New("failed to parse JSON request body")
	ErrFailedToParseQuery   = errors.New("failed to parse query parameters")
	ErrInvalidPath          = errors.New("failed to parse path parameters")
	ErrMissingContentType   = errors.New("missing content type")
)
