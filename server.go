/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package serve

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kestrelhttp/serve/internal/lifecycle"
	"github.com/kestrelhttp/serve/internal/pool"
	"github.com/kestrelhttp/serve/internal/wire"
)

// serverSeq assigns each Server instance in the process a small counter,
// the first component of every correlate id it produces.
var serverSeq uint64

// ServerSocketFactory produces the byte-stream listener a Server accepts
// connections on. TLS key/certificate loading stays outside the core; the
// core only knows that a factory yields a net.Listener.
type ServerSocketFactory interface {
	Listen(network, addr string) (net.Listener, error)
}

type plainSocketFactory struct{}

// PlainSocketFactory listens with a bare TCP listener, wrapped so that
// accepted connections get TCP keep-alives.
func PlainSocketFactory() ServerSocketFactory { return plainSocketFactory{} }

func (plainSocketFactory) Listen(network, addr string) (net.Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		return tcpKeepAliveListener{tcpLn}, nil
	}
	return ln, nil
}

// tcpKeepAliveListener wraps a *net.TCPListener to enable TCP keep-alives
// on every accepted connection, so half-dead peers are reaped by the OS
// instead of piling up forever.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (l tcpKeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(3 * time.Minute)
	return conn, nil
}

// TLSSocketFactory listens with TLS server-side handshakes using cfg. The
// core never inspects certificates or negotiated protocol; it only sees
// the resulting byte stream.
func TLSSocketFactory(cfg *tls.Config) ServerSocketFactory {
	return tlsSocketFactory{cfg: cfg}
}

type tlsSocketFactory struct{ cfg *tls.Config }

func (f tlsSocketFactory) Listen(network, addr string) (net.Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, f.cfg), nil
}

// Options configures a Server. Every field has a floor and a default
// applied by normalize().
type Options struct {
	BacklogSize int
	PoolSize    int
	// QueueSize bounds the service pool's waiting line. Zero means the
	// default (PoolSize x 4); a negative value disables queueing entirely.
	QueueSize  int
	BufferSize int
	// BufferSizeSpec optionally supplies BufferSize as a human-readable
	// size string ("8KB", "1MiB"). Ignored when BufferSize is set
	// explicitly or the string does not parse.
	BufferSizeSpec   string
	ReadTimeout      time.Duration
	HeaderLimit      int
	KeepAlive        *KeepAliveConfig
	SocketFactory    ServerSocketFactory
	Logger           *logrus.Logger
	Registry         *prometheus.Registry
	Clock            clockwork.Clock
	ShutdownDeadline time.Duration
}

func (o Options) normalize() Options {
	if o.BacklogSize < 1 {
		o.BacklogSize = 50
	}
	if o.PoolSize < 1 {
		o.PoolSize = runtime.NumCPU()
	}
	if o.QueueSize == 0 {
		o.QueueSize = o.PoolSize * 4
	} else if o.QueueSize < 0 {
		o.QueueSize = 0
	}
	if o.BufferSize == 0 && o.BufferSizeSpec != "" {
		if n, err := units.RAMInBytes(o.BufferSizeSpec); err == nil && n > 0 {
			o.BufferSize = int(n)
		}
	}
	if o.BufferSize < 1024 {
		o.BufferSize = 8192
	}
	if o.ReadTimeout < 100*time.Millisecond {
		o.ReadTimeout = 5 * time.Second
	}
	if o.HeaderLimit < 10 {
		o.HeaderLimit = 100
	}
	if o.SocketFactory == nil {
		o.SocketFactory = PlainSocketFactory()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.ShutdownDeadline <= 0 {
		o.ShutdownDeadline = 10 * time.Second
	}
	return o
}

// Server is the embeddable HTTP/1.1 service engine: it owns an accept
// loop, a named pool Set, and dispatches accepted connections
// through router's composed handler.
type Server struct {
	router    *Router
	opts      Options
	pools     *pool.Set
	connMgr   ConnectionManager
	lifecycle *lifecycle.Registry
	log       *logrus.Entry

	serverID uint64
	connSeq  uint64
	closed   int32

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server dispatching through router, per opts (floors
// and defaults applied).
func NewServer(router *Router, opts Options) *Server {
	opts = opts.normalize()
	hooks := router.Hooks()
	lcHooks := make([]lifecycle.Hook, len(hooks))
	for i, h := range hooks {
		lcHooks[i] = h
	}
	return &Server{
		router:    router,
		opts:      opts,
		pools:     pool.NewSet(pool.Config{P: opts.PoolSize, Q: opts.QueueSize, Logger: opts.Logger, Registry: opts.Registry}),
		connMgr:   NewConnectionManager(opts.KeepAlive),
		lifecycle: lifecycle.NewRegistry(lcHooks, opts.Logger),
		log:       opts.Logger.WithField("component", "server"),
		serverID:  atomic.AddUint64(&serverSeq, 1),
	}
}

// ListenAndServe listens on addr using the configured socket factory and
// serves until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := s.opts.SocketFactory.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the accept loop over ln. A single goroutine accepts;
// every accepted connection is dispatched to its own goroutine running the
// per-request state machine.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.lifecycle.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			return err
		}
		connID := atomic.AddUint64(&s.connSeq, 1)
		go s.serveConnection(conn, connID)
	}
}

// Close idempotently stops accepting new connections, drains every pool
// (the drains run concurrently, so no pool waits for another to finish),
// and runs stop hooks in reverse registration order.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	poolErr := s.pools.ShutdownNow(s.opts.ShutdownDeadline)
	hookErr := s.lifecycle.Stop()
	switch {
	case poolErr != nil && hookErr != nil:
		return fmt.Errorf("server close: %v; %v", poolErr, hookErr)
	case poolErr != nil:
		return poolErr
	default:
		return hookErr
	}
}

// correlate formats the short per-request tag: hex(serviceCounter,
// connectionId, requestIndex).
func (s *Server) correlate(connID uint64, requestCount int) string {
	return fmt.Sprintf("%x-%x-%x", s.serverID, connID, requestCount)
}

// serveConnection is the per-connection state machine: it reads
// and dispatches requests one at a time until the connection closes,
// persists past its keep-alive budget, or is handed off to an upgrade
// application.
func (s *Server) serveConnection(conn net.Conn, connID uint64) {
	br := bufio.NewReaderSize(conn, s.opts.BufferSize)
	requestCount := 1
	for {
		fate := s.serveOneRequest(conn, br, connID, requestCount)
		switch fate {
		case fateClose:
			s.scheduleClose(conn)
			return
		case fateAbort:
			conn.Close()
			return
		case fateUpgrade:
			return // socket ownership already handed to the upgrade pool
		case fatePersist:
			requestCount++
			continue
		}
	}
}

type connectionFate int

const (
	fateClose connectionFate = iota
	fateAbort
	fatePersist
	fateUpgrade
)

// serveOneRequest runs one read-dispatch-write iteration.
func (s *Server) serveOneRequest(conn net.Conn, br *bufio.Reader, connID uint64, requestCount int) connectionFate {
	firstByte, err := s.readFirstByte(conn, br, requestCount)
	if err != nil {
		if errors.Is(err, pool.ErrRejected) {
			return s.writeAndDecide(conn, Request{}, s.overloadResponse(), requestCount)
		}
		return fateAbort
	}

	out, err := s.process(conn, br, firstByte, connID, requestCount)
	if err != nil {
		if errors.Is(err, pool.ErrRejected) {
			return s.writeAndDecide(conn, Request{}, s.overloadResponse(), requestCount)
		}
		return fateAbort
	}
	if out.aborted {
		return fateAbort
	}
	res := out.res
	if !out.skipKeepAlive {
		res = s.connMgr.ApplyKeepAlivePolicy(out.req, res, requestCount)
	}
	return s.writeAndDecide(conn, out.req, res, requestCount)
}

// readFirstByte reads the first byte of a request on
// the service pool (cold connection) or the keepAlive pool (persistent
// connection), bounded by the matching timeout.
func (s *Server) readFirstByte(conn net.Conn, br *bufio.Reader, requestCount int) (byte, error) {
	type result struct {
		b   byte
		err error
	}
	ch := make(chan result, 1)
	if requestCount > 1 {
		if s.opts.KeepAlive == nil {
			return 0, errors.New("serve: no keep-alive configured")
		}
		timeout := s.opts.KeepAlive.normalized().Timeout
		submitErr := s.pools.KeepAlive.Submit(func() {
			conn.SetReadDeadline(time.Time{})
			b, err := br.ReadByte()
			ch <- result{b: b, err: err}
		})
		if submitErr != nil {
			return 0, submitErr
		}
		// The idle wait between requests is a software timer on the
		// injected clock, not an OS read deadline, so a fake clock can
		// drive expiry. When it fires, closing the socket unblocks the
		// pool's read.
		timer := s.opts.Clock.NewTimer(timeout)
		defer timer.Stop()
		select {
		case r := <-ch:
			return r.b, r.err
		case <-timer.Chan():
			conn.Close()
			<-ch // the unblocked pool read
			return 0, errors.New("serve: keep-alive idle timeout")
		}
	}
	submitErr := s.pools.Service.Submit(func() {
		conn.SetReadDeadline(s.opts.Clock.Now().Add(s.opts.ReadTimeout))
		b, err := br.ReadByte()
		ch <- result{b: b, err: err}
	})
	if submitErr != nil {
		return 0, submitErr
	}
	r := <-ch
	return r.b, r.err
}

// serviceOutcome is what one service-pool iteration produces: the parsed
// request (zero for a parse failure), the response to write, whether the
// response-abort signal was raised, and whether the keep-alive policy must
// be skipped (parse failures bypass the pipeline; filter panics already
// forced Connection: close).
type serviceOutcome struct {
	req           Request
	res           Response
	aborted       bool
	skipKeepAlive bool
}

// process runs parse and dispatch as a single service-pool task: parse
// the request (read deadline reset first), attach the standard
// attributes, then run it through the composed handler, error handlers, and
// filters. A parse failure is mapped per the failure table into a response
// that bypasses the application pipeline entirely; a pool rejection is
// surfaced as err so the caller can apply the 503 overload path instead.
// Running the handler on the service pool (not just the parse) is what
// makes the pool's queue the backpressure point: slow handlers hold service
// slots, and further connections are rejected by the overflow policy.
func (s *Server) process(conn net.Conn, br *bufio.Reader, firstByte byte, connID uint64, requestCount int) (serviceOutcome, error) {
	ch := make(chan serviceOutcome, 1)
	correlate := s.correlate(connID, requestCount)
	submitErr := s.pools.Service.Submit(func() {
		conn.SetReadDeadline(s.opts.Clock.Now().Add(s.opts.ReadTimeout))
		req, err := readRequest(firstByte, br, s.opts.BufferSize, s.opts.HeaderLimit)
		if err != nil {
			res := s.mapReadFailure(err).WithAttribute(AttrCorrelate, correlate)
			ch <- serviceOutcome{res: res, skipKeepAlive: true}
			return
		}
		req = req.WithAttribute(AttrServer, s).
			WithAttribute(AttrSocket, conn).
			WithAttribute(AttrRequestCount, requestCount).
			WithAttribute(AttrCorrelate, correlate)
		res, aborted, forceClose := s.dispatch(req)
		ch <- serviceOutcome{req: req, res: res, aborted: aborted, skipKeepAlive: forceClose}
	})
	if submitErr != nil {
		return serviceOutcome{}, submitErr
	}
	return <-ch, nil
}

// mapReadFailure maps a read or parse failure to the status written
// without invoking the application pipeline.
func (s *Server) mapReadFailure(err error) Response {
	var re *ReadError
	if errors.As(err, &re) {
		return NewStatusResponse(int(re.Status))
	}
	var neterr net.Error
	if errors.As(err, &neterr) && neterr.Timeout() {
		return NewStatusResponse(StatusRequestTimeout)
	}
	s.log.WithError(err).Warn("request read failed")
	return NewStatusResponse(StatusInternalServerError)
}

// overloadResponse is the service-pool-rejection answer: 503 with a
// Retry-After.
func (s *Server) overloadResponse() Response {
	return NewStatusResponse(StatusServiceUnavailable).WithHeader("Retry-After", "300")
}

// dispatch invokes the composed request handler
// (synthesizing NotFound on fallthrough), catch application errors via the
// router's error-handler chain (already applied inside Handler()), and
// apply the default error handler as the backstop of last resort. A
// returned aborted=true means the response-abort signal was raised:
// nothing should be written, the connection simply closes.
func (s *Server) dispatch(req Request) (res Response, aborted bool, forceClose bool) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if fp, ok := rec.(filterPanic); ok {
			s.log.WithError(fp.err).WithField("correlate", correlateOf(req)).
				Error("response filter panicked")
			res = NewStatusResponse(StatusInternalServerError).WithHeader("Connection", "close")
			forceClose = true
			return
		}
		err := toError(rec)
		if errors.Is(err, ErrResponseAborted) {
			aborted = true
			return
		}
		s.log.WithError(err).WithField("correlate", correlateOf(req)).
			Error("unhandled application error")
		res = NewStatusResponse(StatusInternalServerError)
	}()
	result := s.router.Handler().Handle(req)
	if resp, ok := result.Response(); ok {
		return resp, false, false
	}
	fallthroughReq, _ := result.Request()
	return s.router.FilterResponse(fallthroughReq, NewStatusResponse(StatusNotFound)), false, false
}

func correlateOf(req Request) string {
	if v, ok := req.Attrs.Get(AttrCorrelate); ok {
		if c, ok := v.(string); ok {
			return c
		}
	}
	return ""
}

// writeAndDecide finalizes the response (Date,
// default Connection, Content-Length vs chunked), write it to the wire,
// close both the filtered and unfiltered body entities on every exit path,
// then ask the connection manager for the connection's fate.
func (s *Server) writeAndDecide(conn net.Conn, req Request, res Response, requestCount int) connectionFate {
	now := s.opts.Clock.Now()
	final := finalizeResponse(req, res, now)

	bw := bufio.NewWriterSize(conn, s.opts.BufferSize)
	runGzip := wire.RunGzipStage(func(fn func() error) error {
		type result struct{ err error }
		ch := make(chan result, 1)
		submitErr := s.pools.Encoder.Submit(func() { ch <- result{err: fn()} })
		if submitErr != nil {
			return submitErr
		}
		return (<-ch).err
	})
	writeErr := writeResponse(bw, final, runGzip)

	closeBody(final.Body)
	if raw, ok := final.Attrs.Get(attrUnfilteredBody); ok {
		if e, ok := raw.(Entity); ok {
			closeBody(e)
		}
	}

	if writeErr != nil {
		s.log.WithError(writeErr).WithField("correlate", correlateOf(req)).
			Warn("response write failed")
		return fateClose
	}

	decision := s.connMgr.Evaluate(final)
	switch decision.Kind {
	case Upgrade:
		if decision.Handoff != nil {
			submitErr := s.pools.Upgrade.Submit(func() { decision.Handoff(conn) })
			if submitErr != nil {
				s.log.WithError(submitErr).Warn("upgrade pool rejected handoff")
				return fateClose
			}
		}
		return fateUpgrade
	case Persist:
		return fatePersist
	default:
		return fateClose
	}
}

func closeBody(e Entity) {
	if e == nil {
		return
	}
	e.Close()
}

// scheduleClose runs conn.Close() on the closer pool. The write side is
// shut first and unread request bytes are drained (bounded by ReadTimeout),
// so the peer reads a clean end of stream after the response rather than a
// connection reset.
func (s *Server) scheduleClose(conn net.Conn) {
	err := s.pools.Closer.Submit(func() {
		if hc, ok := conn.(interface{ CloseWrite() error }); ok && hc.CloseWrite() == nil {
			conn.SetReadDeadline(s.opts.Clock.Now().Add(s.opts.ReadTimeout))
			io.Copy(io.Discard, conn)
		}
		conn.Close()
	})
	if err != nil {
		conn.Close()
	}
}
