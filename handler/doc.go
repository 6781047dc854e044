// Package handler provides typed HTTP handlers for the promokit JSON API.
//
// A handler is a generic function that receives a bound request value and
// returns a Response:
//
//	type checkoutRequest struct {
//		Plan     string `json:"plan"`
//		Provider string `json:"provider"`
//	}
//
//	func checkout(ctx handler.Context, req checkoutRequest) handler.Response {
//		res, err := svc.StartCheckout(ctx, profileID, plan, provider)
//		if err != nil {
//			return handler.JSONError(err)
//		}
//		return handler.JSON(res, handler.WithJSONStatus(http.StatusCreated))
//	}
//
//	r.Post("/checkout", handler.Wrap(checkout,
//		handler.WithBinders[handler.Context, checkoutRequest](binder.JSON()),
//		handler.WithErrorHandler[handler.Context, checkoutRequest](errHandler),
//	))
//
// Every JSON body uses the same envelope: {"data": ..., "meta": ..., "error":
// {"code": ..., "message": ...}}. HTTPError carries the status, the machine
// readable code and the message shown to the client; ValidationError renders
// as 422 with per-field details.
//
// Binder failures and Render errors go to the ErrorHandler configured with
// WithErrorHandler. NewErrorHandler logs them with the request id and writes
// the JSON envelope.
package handler
