package handler

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// httpContext is wrapper around context.Context that also carries the
// corresponding HTTP request and response writer, a request-scoped logger
// and an optional body reader.
type httpContext struct {
	context.Context

	res  http.ResponseWriter
	req  *http.Request
	body *bodyReader
	log  zerolog.Logger
}

func (handler *UnroutedHandler) newContext(w http.ResponseWriter, r *http.Request) *httpContext {
	return &httpContext{
		Context: r.Context(),
		res:     w,
		req:     r,
		// body can be filled later for PATCH requests
		body: nil,
		log: handler.logger.With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", getRequestId(r)).
			Logger(),
	}
}
