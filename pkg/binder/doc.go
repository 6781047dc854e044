// Package binder binds HTTP request data to Go structs for handler.Wrap.
//
// Three binders are provided, each reading its own struct tags:
//
//	type CancelRequest struct {
//	    PaymentID string `path:"id"`
//	}
//
//	type ListRequest struct {
//	    Limit int `query:"limit"`
//	}
//
//	type CheckoutRequest struct {
//	    Plan     string `json:"plan"`
//	    Provider string `json:"provider"`
//	}
//
// JSON bodies are decoded strictly: unknown fields, trailing data and
// bodies over DefaultMaxJSONSize are rejected, and string fields are
// trimmed. A request without a body skips the JSON binder.
package binder
