// Package kit holds the transport-agnostic plumbing shared by the HTTP API
// and the MCP QUIC surface: the Endpoint abstraction, middleware chaining,
// and request-scoped context accessors.
package kit

import "context"

// Endpoint is a single transport-agnostic operation. HTTP handlers and MCP
// tools both decode into a typed request, call an Endpoint, and encode the
// response for their wire.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is outermost:
// Chain(a, b, c)(ep) runs a, then b, then c, then ep.
func Chain(mws ...Middleware) Middleware {
	return func(ep Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			ep = mws[i](ep)
		}
		return ep
	}
}
