/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package serve

import (
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kestrelhttp/serve/internal/pathmatch"
)

// Router is a mutable builder: an application accumulates request handlers,
// response filters, error handlers, and lifecycle hooks under a mount path,
// then composes them (and any mounted sub-routers) into a single top-level
// RequestHandler. After the server starts, the lists are treated as frozen;
// the builder does not synchronize reads against late writes.
type Router struct {
	mu       sync.Mutex
	mount    string
	handlers []RequestHandler
	filters  []ResponseFilter
	errs     []ErrorHandler
	hooks    []LifecycleHook
}

// New returns a Router mounted at mount ("/" for the top-level application).
func New(mount string) *Router {
	return &Router{mount: pathmatch.Normalize(mount)}
}

// MountPath returns the router's normalized mount path.
func (r *Router) MountPath() string { return r.mount }

// Trigger appends a lifecycle hook.
func (r *Router) Trigger(hook LifecycleHook) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
	return r
}

// Incoming appends a request handler. If handler also implements the
// optional lifecycle-hook capability (AsLifecycleHook), it is auto
// registered as a hook too.
func (r *Router) Incoming(handler RequestHandler) *Router {
	r.mu.Lock()
	r.handlers = append(r.handlers, handler)
	r.mu.Unlock()
	if aware, ok := handler.(hookAware); ok {
		r.Trigger(aware.AsLifecycleHook())
	}
	return r
}

// IncomingPath wraps handler with a target matcher: it only runs for
// requests whose normalized path matches pattern and (if methods is
// nonempty) whose method is one of methods. On a match, bound path
// parameters are attached as the AttrPathParams attribute.
func (r *Router) IncomingPath(pattern string, methods []string, handler RequestHandler) *Router {
	compiled, err := pathmatch.Compile(r.mount, pattern)
	if err != nil {
		panic(err)
	}
	methodSet := make(map[string]bool, len(methods))
	for _, m := range methods {
		methodSet[strings.ToUpper(m)] = true
	}
	return r.Incoming(RequestHandlerFunc(func(req Request) HandlerResult {
		if len(methodSet) > 0 && !methodSet[strings.ToUpper(req.Method)] {
			return Continue(req)
		}
		params, ok := compiled.Match(pathmatch.Normalize(req.Path))
		if !ok {
			return Continue(req)
		}
		if len(params) > 0 {
			req = req.WithAttribute(AttrPathParams, params)
		}
		return handler.Handle(req)
	}))
}

// Get registers handler for GET pattern.
func (r *Router) Get(pattern string, handler RequestHandler) *Router {
	return r.IncomingPath(pattern, []string{"GET"}, handler)
}

// Post registers handler for POST pattern.
func (r *Router) Post(pattern string, handler RequestHandler) *Router {
	return r.IncomingPath(pattern, []string{"POST"}, handler)
}

// Put registers handler for PUT pattern.
func (r *Router) Put(pattern string, handler RequestHandler) *Router {
	return r.IncomingPath(pattern, []string{"PUT"}, handler)
}

// Delete registers handler for DELETE pattern.
func (r *Router) Delete(pattern string, handler RequestHandler) *Router {
	return r.IncomingPath(pattern, []string{"DELETE"}, handler)
}

// webSocketAcceptGUID is the fixed magic string RFC 6455 §1.3 defines for
// deriving Sec-WebSocket-Accept from the client's Sec-WebSocket-Key. This is
// handshake-header arithmetic, not frame parsing; the core still never
// reads or writes a single data frame.
const webSocketAcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WebSocket registers a GET handler that, on a valid upgrade request,
// produces a 101 response whose connection decision hands the raw socket
// off to app. The 101 response carries a correct Sec-WebSocket-Accept so
// standard clients complete their handshake; everything past that point
// (frame bytes) is app's exclusive responsibility.
func (r *Router) WebSocket(pattern string, app WebSocketApplication) *Router {
	return r.Get(pattern, RequestHandlerFunc(func(req Request) HandlerResult {
		if !isWebSocketUpgrade(req) {
			return Continue(req)
		}
		handoff := func(conn net.Conn) { app.Serve(conn) }
		res := NewStatusResponse(StatusSwitchingProtocols).
			WithHeader("Connection", "Upgrade").
			WithHeader("Upgrade", "websocket").
			WithHeader("Sec-WebSocket-Accept", acceptKey(req.Header.Get("Sec-WebSocket-Key"))).
			WithAttribute(AttrUpgrade, handoff)
		return Done(res)
	}))
}

func acceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + webSocketAcceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// isWebSocketUpgrade detects a valid upgrade request using
// gorilla/websocket's own header check (Connection: Upgrade, Upgrade:
// websocket), the same detection a full gorilla-based server would run,
// plus the Sec-WebSocket-Key presence the handshake needs.
func isWebSocketUpgrade(req Request) bool {
	hdr := make(http.Header, req.Header.Len())
	req.Header.Each(func(name, value string) { hdr.Add(name, value) })
	httpReq := &http.Request{Method: req.Method, Header: hdr}
	return websocket.IsWebSocketUpgrade(httpReq) && req.Header.Get("Sec-WebSocket-Key") != ""
}

// Route mounts a nested router under r.mount+path: the mounted handler runs
// only for requests whose path falls inside the mount. Its lifecycle hooks
// bubble up to r.
func (r *Router) Route(path string, sub *Router) *Router {
	return r.RouteIf(path, nil, sub)
}

// RouteIf mounts sub like Route, but additionally only dispatches to it
// when predicate accepts the request (nil means always).
func (r *Router) RouteIf(path string, predicate RequestPredicate, sub *Router) *Router {
	mounted := pathmatch.Normalize(joinPath(r.mount, path))
	sub.mu.Lock()
	sub.mount = mounted
	subHandler := sub.aggregateLocked()
	subHooks := append([]LifecycleHook(nil), sub.hooks...)
	sub.mu.Unlock()

	wrapped := RequestHandlerFunc(func(req Request) HandlerResult {
		norm := pathmatch.Normalize(req.Path)
		if !withinMount(mounted, norm) {
			return Continue(req)
		}
		if predicate != nil && !predicate.Test(req) {
			return Continue(req)
		}
		return subHandler.Handle(req)
	})
	r.mu.Lock()
	r.handlers = append(r.handlers, wrapped)
	r.hooks = append(r.hooks, subHooks...)
	r.mu.Unlock()
	return r
}

func joinPath(mount, path string) string {
	if mount == "" || mount == "/" {
		return path
	}
	return strings.TrimSuffix(mount, "/") + path
}

func withinMount(mount, path string) bool {
	if mount == "/" {
		return true
	}
	return path == mount || strings.HasPrefix(path, strings.TrimSuffix(mount, "/")+"/")
}

// Outgoing appends a response filter.
func (r *Router) Outgoing(filter ResponseFilter) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, filter)
	return r
}

// Recover appends an error handler.
func (r *Router) Recover(handler ErrorHandler) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, handler)
	return r
}

// Reset clears every registered handler, filter, error handler, and hook.
func (r *Router) Reset() *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = nil
	r.filters = nil
	r.errs = nil
	r.hooks = nil
	return r
}

// Hooks returns the router's lifecycle hooks (including those bubbled up
// from mounted sub-routers).
func (r *Router) Hooks() []LifecycleHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LifecycleHook(nil), r.hooks...)
}

// Handler composes the router's handlers, error handlers, and filters into
// a single RequestHandler.
func (r *Router) Handler() RequestHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aggregateLocked()
}

func (r *Router) aggregateLocked() RequestHandler {
	handlerChain := CoalesceHandlers(r.handlers...)
	errChain := CoalesceErrors(r.errs...)
	filterChain := ChainFilters(r.filters...)

	return RequestHandlerFunc(func(req Request) (result HandlerResult) {
		defer func() {
			if rec := recover(); rec != nil {
				if fp, ok := rec.(filterPanic); ok {
					panic(fp) // never offered to this router's error handlers
				}
				err := toError(rec)
				if resp, ok := errChain.Recover(req, err); ok {
					result = Done(applyFilters(req, resp, filterChain))
					return
				}
				panic(rec) // re-raise: undefined for this error, try the enclosing router
			}
		}()
		res := handlerChain.Handle(req)
		if resp, ok := res.Response(); ok {
			return Done(applyFilters(req, resp, filterChain))
		}
		return res
	})
}

// attrUnfilteredBody stashes the response's body entity as it stood before
// the filter chain ran. The service engine reads this back so it can close
// both the unfiltered and the (possibly different) filtered body on every
// exit path.
const attrUnfilteredBody = "serve.unfilteredBody"

// applyFilters propagates the standard attributes from the originating
// request onto the response, runs the filter chain, and converts any panic
// inside the filter chain into a filterPanic so it always bypasses error
// handlers on its way back to the engine.
func applyFilters(req Request, res Response, filters ResponseFilter) (out Response) {
	unfiltered := res.Body
	defer func() {
		if rec := recover(); rec != nil {
			panic(filterPanic{err: toError(rec)})
		}
	}()
	res.Attrs = propagateAttrs(req, res.Attrs)
	out = filters.Filter(res)
	out.Attrs = out.Attrs.With(attrUnfilteredBody, unfiltered)
	return out
}

// FilterResponse runs r's own outgoing filter chain over res, as if res had
// been produced by one of r's request handlers. The service engine uses
// this directly for the 404 it synthesizes when no handler satisfies a
// request, so it receives the same standard-attribute propagation and
// filtering as a handler-produced response. Responses to read/parse
// failures and the 503 overload response do not pass through it.
func (r *Router) FilterResponse(req Request, res Response) Response {
	r.mu.Lock()
	filterChain := ChainFilters(r.filters...)
	r.mu.Unlock()
	return applyFilters(req, res, filterChain)
}

func propagateAttrs(req Request, attrs Attributes) Attributes {
	for _, key := range []string{AttrServer, AttrSocket, AttrRequestCount, AttrCorrelate} {
		if v, ok := req.Attrs.Get(key); ok {
			attrs = attrs.With(key, v)
		}
	}
	return attrs.With(AttrRequest, req)
}
