package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/promokit/pkg/binder"
	"github.com/dmitrymomot/promokit/pkg/logger"
	"github.com/dmitrymomot/promokit/pkg/requestid"
)

// bindError maps binder failures to client errors. Other errors pass
// through unchanged.
func bindError(err error) error {
	switch {
	case errors.Is(err, binder.ErrUnsupportedMediaType), errors.Is(err, binder.ErrMissingContentType):
		return ErrUnsupportedMediaType.WithMessage("expected application/json")
	case errors.Is(err, binder.ErrFailedToParseJSON):
		return ErrBadRequest.WithMessage("invalid request body")
	case errors.Is(err, binder.ErrFailedToParseQuery):
		return ErrBadRequest.WithMessage("invalid query parameters")
	case errors.Is(err, binder.ErrInvalidPath):
		return ErrBadRequest.WithMessage("invalid path parameters")
	}
	return err
}

func logLevel(status int) slog.Level {
	if status < http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelError
}

// NewErrorHandler returns an ErrorHandler that logs err with the request id
// and renders it as a JSON error envelope. Client errors log at warn level,
// server errors at error level.
func NewErrorHandler(log *slog.Logger) ErrorHandler[Context] {
	if log == nil {
		log = slog.Default()
	}

	return func(ctx Context, err error) {
		err = bindError(err)
		r := ctx.Request()
		status, _ := describe(err)

		log.LogAttrs(r.Context(), logLevel(status), "request error",
			logger.RequestID(requestid.FromContext(r.Context())),
			logger.Error(err),
			slog.Int("status_code", status),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Component("error_handler"),
		)

		if renderErr := JSONError(err).Render(ctx.ResponseWriter(), r); renderErr != nil {
			log.Error("failed to render error response",
				logger.RequestID(requestid.FromContext(r.Context())),
				logger.Error(renderErr),
				logger.Event("render_error"),
			)
		}
	}
}
