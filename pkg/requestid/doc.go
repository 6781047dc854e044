// Package requestid tags every HTTP request with a correlation id.
//
// Middleware reuses a well-formed X-Request-ID header or generates a
// time-ordered UUID, stores it in the request context and echoes it in the
// response. FromContext reads it back; LoggerExtractor adds it to every
// slog record written with a context-aware logger, so webhook and checkout
// logs can be traced to a single request.
package requestid
