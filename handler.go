/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package serve

import (
	"fmt"
	"net"
)

// HandlerResult is what a RequestHandler returns: either "continue" (the
// handler did not satisfy the request, here is the request to pass to the
// next handler) or "done" (here is the response). Exactly one of the two
// accessors below reports ok=true.
type HandlerResult struct {
	req  *Request
	resp *Response
}

// Continue signals that a handler did not satisfy the request.
func Continue(req Request) HandlerResult { return HandlerResult{req: &req} }

// Done signals that a handler produced the final response.
func Done(res Response) HandlerResult { return HandlerResult{resp: &res} }

// Request returns the carried request and true if this result is a Continue.
func (r HandlerResult) Request() (Request, bool) {
	if r.req == nil {
		return Request{}, false
	}
	return *r.req, true
}

// Response returns the carried response and true if this result is a Done.
func (r HandlerResult) Response() (Response, bool) {
	if r.resp == nil {
		return Response{}, false
	}
	return *r.resp, true
}

// RequestHandler either satisfies a request with a response, or passes the
// (possibly transformed) request along by returning Continue.
type RequestHandler interface {
	Handle(Request) HandlerResult
}

// RequestHandlerFunc adapts a function to a RequestHandler.
type RequestHandlerFunc func(Request) HandlerResult

// Handle calls f.
func (f RequestHandlerFunc) Handle(req Request) HandlerResult { return f(req) }

// ResponseFilter transforms an outgoing response.
type ResponseFilter interface {
	Filter(Response) Response
}

// ResponseFilterFunc adapts a function to a ResponseFilter.
type ResponseFilterFunc func(Response) Response

// Filter calls f.
func (f ResponseFilterFunc) Filter(res Response) Response { return f(res) }

// ErrorHandler is a partial mapping from (request, error) to a response. The
// second return value reports whether this handler was defined for err.
type ErrorHandler interface {
	Recover(Request, error) (Response, bool)
}

// ErrorHandlerFunc adapts a function to an ErrorHandler.
type ErrorHandlerFunc func(Request, error) (Response, bool)

// Recover calls f.
func (f ErrorHandlerFunc) Recover(req Request, err error) (Response, bool) { return f(req, err) }

// RequestPredicate tests whether a request should be routed to a mounted
// sub-application.
type RequestPredicate interface {
	Test(Request) bool
}

// RequestPredicateFunc adapts a function to a RequestPredicate.
type RequestPredicateFunc func(Request) bool

// Test calls f.
func (f RequestPredicateFunc) Test(req Request) bool { return f(req) }

// LifecycleHook participates in ordered server start/stop.
type LifecycleHook interface {
	Start() error
	Stop() error
}

// CriticalHook is the optional capability a LifecycleHook may implement: if
// Critical() is true and Start fails, server startup aborts.
type CriticalHook interface {
	Critical() bool
}

// hookAware lets a RequestHandler also act as a LifecycleHook; implementing
// it causes Router.Incoming to auto-register the handler as a hook.
type hookAware interface {
	AsLifecycleHook() LifecycleHook
}

// WebSocketApplication is opaque to the core: it receives the raw socket
// after a successful upgrade handoff and owns it from that point on.
type WebSocketApplication interface {
	Serve(net.Conn)
}

// CoalesceHandlers applies handlers left to right, stopping at the first
// that returns Done. A handler that returns Continue may have transformed
// the request; that transformed request is what the next handler sees.
func CoalesceHandlers(handlers ...RequestHandler) RequestHandler {
	return RequestHandlerFunc(func(req Request) HandlerResult {
		for _, h := range handlers {
			result := h.Handle(req)
			if resp, ok := result.Response(); ok {
				return Done(resp)
			}
			next, _ := result.Request()
			req = next
		}
		return Continue(req)
	})
}

// ChainFilters applies filters left to right: chain(f1,f2)(x) == f2(f1(x)).
func ChainFilters(filters ...ResponseFilter) ResponseFilter {
	return ResponseFilterFunc(func(res Response) Response {
		for _, f := range filters {
			res = f.Filter(res)
		}
		return res
	})
}

// CoalesceErrors tries handlers left to right; the first one defined for
// err wins. If none are defined, ok is false and the caller should re-raise.
func CoalesceErrors(handlers ...ErrorHandler) ErrorHandler {
	return ErrorHandlerFunc(func(req Request, err error) (Response, bool) {
		for _, h := range handlers {
			if resp, ok := h.Recover(req, err); ok {
				return resp, true
			}
		}
		return Response{}, false
	})
}

// toError normalizes a recovered panic value into an error.
func toError(rec interface{}) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return fmt.Errorf("%v", rec)
}

// filterPanic marks a panic that originated inside a ResponseFilter. It is
// deliberately never offered to an ErrorHandler chain:
// a filter exception always produces a plain internal-error response with
// Connection: close, bypassing application error handlers. Router.Handler
// recognizes this type and re-panics it unexamined so it survives passing
// back up through any number of enclosing mounted routers to the engine's
// own backstop.
type filterPanic struct{ err error }

func (f filterPanic) Error() string { return f.err.Error() }
