package handler

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/promokit/pkg/binder"
)

// HandlerFunc handles one request of type R in context C.
type HandlerFunc[C Context, R any] func(ctx C, req R) Response

// Bind fills v from r. Returning binder.ErrBinderNotApplicable skips the
// binder for this request.
type Bind func(r *http.Request, v any) error

// ErrorHandler receives bind failures, Render errors and ErrNilResponse.
type ErrorHandler[C Context] func(ctx C, err error)

// Decorator wraps a HandlerFunc, e.g. to validate the bound request before
// the service is called.
type Decorator[C Context, R any] func(HandlerFunc[C, R]) HandlerFunc[C, R]

// WrapOption configures Wrap.
type WrapOption[C Context, R any] func(*wrapper[C, R])

type wrapper[C Context, R any] struct {
	binders    []Bind
	onError    ErrorHandler[C]
	newContext func(http.ResponseWriter, *http.Request) C
	decorators []Decorator[C, R]
}

// WithBinders appends binders. They run in order against the same value,
// so path, query and body binders can each fill their own fields:
//
//	handler.WithBinders[handler.Context, cancelRequest](binder.Path(chi.URLParam), binder.JSON())
func WithBinders[C Context, R any](binders ...Bind) WrapOption[C, R] {
	return func(w *wrapper[C, R]) { w.binders = append(w.binders, binders...) }
}

// WithErrorHandler replaces the default error handler, which renders the
// error envelope without logging.
func WithErrorHandler[C Context, R any](h ErrorHandler[C]) WrapOption[C, R] {
	return func(w *wrapper[C, R]) {
		if h != nil {
			w.onError = h
		}
	}
}

// WithContextFactory is required when C is not handler.Context.
func WithContextFactory[C Context, R any](f func(http.ResponseWriter, *http.Request) C) WrapOption[C, R] {
	return func(w *wrapper[C, R]) {
		if f != nil {
			w.newContext = f
		}
	}
}

// WithDecorators appends decorators. The first one is the outermost.
func WithDecorators[C Context, R any](decorators ...Decorator[C, R]) WrapOption[C, R] {
	return func(w *wrapper[C, R]) { w.decorators = append(w.decorators, decorators...) }
}

// Wrap adapts h to http.HandlerFunc: it builds the context, runs the
// binders, calls the decorated handler and renders its Response.
// It panics when C is a custom context and no factory is configured.
func Wrap[C Context, R any](h HandlerFunc[C, R], opts ...WrapOption[C, R]) http.HandlerFunc {
	w := &wrapper[C, R]{
		onError: func(ctx C, err error) {
			_ = JSONError(bindError(err)).Render(ctx.ResponseWriter(), ctx.Request())
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.newContext == nil {
		if _, ok := any(NewContext(nil, &http.Request{})).(C); !ok {
			panic("handler: custom context type requires WithContextFactory")
		}
		w.newContext = func(rw http.ResponseWriter, r *http.Request) C {
			return any(NewContext(rw, r)).(C)
		}
	}

	for i := len(w.decorators) - 1; i >= 0; i-- {
		h = w.decorators[i](h)
	}

	return func(rw http.ResponseWriter, r *http.Request) {
		ctx := w.newContext(rw, r)

		var req R
		for _, bind := range w.binders {
			err := bind(r, &req)
			if errors.Is(err, binder.ErrBinderNotApplicable) {
				continue
			}
			if err != nil {
				w.onError(ctx, err)
				return
			}
		}

		resp := h(ctx, req)
		if resp == nil {
			w.onError(ctx, ErrNilResponse)
			return
		}
		if err := resp.Render(rw, r); err != nil {
			w.onError(ctx, err)
		}
	}
}
