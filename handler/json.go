package handler

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
)

// JSONResponse is the envelope every JSON body uses.
type JSONResponse struct {
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail is the error part of the envelope.
type ErrorDetail struct {
	Code    string              `json:"code,omitempty"`
	Message string              `json:"message,omitempty"`
	Details map[string][]string `json:"details,omitempty"`
}

// JSONOption adjusts a JSON response before it is rendered.
type JSONOption func(status *int, body *JSONResponse)

// WithJSONStatus overrides the response status.
func WithJSONStatus(status int) JSONOption {
	return func(s *int, _ *JSONResponse) { *s = status }
}

// WithJSONMeta sets the envelope meta object.
func WithJSONMeta(meta map[string]any) JSONOption {
	return func(_ *int, b *JSONResponse) { b.Meta = meta }
}

// JSON renders v as the envelope data with status 200. An error value is
// rendered the way JSONError renders it.
func JSON(v any, opts ...JSONOption) Response {
	if err, ok := v.(error); ok {
		return JSONError(err, opts...)
	}
	return envelope(http.StatusOK, JSONResponse{Data: v}, opts)
}

// JSONError renders err as the envelope error. HTTPError and ValidationError
// keep their status and code; anything else renders as an opaque 500.
func JSONError(err error, opts ...JSONOption) Response {
	status, detail := describe(err)
	return envelope(status, JSONResponse{Error: detail}, opts)
}

func envelope(status int, body JSONResponse, opts []JSONOption) Response {
	for _, opt := range opts {
		opt(&status, &body)
	}
	return ResponseFunc(func(w http.ResponseWriter, _ *http.Request) error {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		return json.NewEncoder(w).Encode(body)
	})
}

func describe(err error) (int, *ErrorDetail) {
	var valErr ValidationError
	if errors.As(err, &valErr) {
		detail := &ErrorDetail{Code: "validation_error", Message: "validation failed"}
		if len(valErr) > 0 {
			detail.Details = maps.Clone(map[string][]string(valErr))
		}
		return http.StatusUnprocessableEntity, detail
	}

	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, &ErrorDetail{Code: httpErr.Key, Message: httpErr.ClientMessage()}
	}

	return http.StatusInternalServerError, &ErrorDetail{
		Code:    ErrInternalServerError.Key,
		Message: http.StatusText(http.StatusInternalServerError),
	}
}
