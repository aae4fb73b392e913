/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package serve

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startTestServer serves app on an ephemeral localhost port and tears the
// server down with the test. Tests must close their client connections
// before the cleanup runs so the engine's connection goroutines retire.
func startTestServer(t *testing.T, app *Router, opts Options) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(app, opts)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func dialTest(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func sendRaw(t *testing.T, conn net.Conn, raw string) {
	t.Helper()
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
}

func readTestResponse(t *testing.T, br *bufio.Reader) *http.Response {
	t.Helper()
	res, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func textHandler(status int, body string) RequestHandler {
	return RequestHandlerFunc(func(req Request) HandlerResult {
		return Done(NewResponse(status).WithBody(StringEntity(body)))
	})
}

func TestServeSimpleGet(t *testing.T) {
	app := New("/")
	app.Get("/about", textHandler(StatusOK, "hi"))
	addr := startTestServer(t, app, Options{})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET /about HTTP/1.1\r\nHost: x\r\n\r\n")

	res := readTestResponse(t, br)
	assert.Equal(t, 200, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))
	assert.Equal(t, "2", res.Header.Get("Content-Length"))
	// net/http's reader turns "Connection: close" into res.Close and drops
	// the header from the map.
	assert.True(t, res.Close, "response must carry Connection: close")
	assert.NotEmpty(t, res.Header.Get("Date"))

	_, err = br.ReadByte()
	assert.Equal(t, io.EOF, err, "connection must be closed after a Close decision")
}

func TestServeNotFoundFallthrough(t *testing.T) {
	app := New("/")
	app.Get("/present", textHandler(StatusOK, "yes"))
	app.Outgoing(ResponseFilterFunc(func(res Response) Response {
		return res.WithHeader("X-Filtered", "yes")
	}))
	addr := startTestServer(t, app, Options{})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET /absent HTTP/1.1\r\nHost: x\r\n\r\n")

	res := readTestResponse(t, br)
	assert.Equal(t, 404, res.StatusCode)
	assert.Equal(t, "yes", res.Header.Get("X-Filtered"), "synthesized responses run through the filter chain too")
}

func TestServeKeepAliveSequence(t *testing.T) {
	app := New("/")
	app.Get("/", RequestHandlerFunc(func(req Request) HandlerResult {
		n, _ := req.Attrs.Get(AttrRequestCount)
		return Done(NewResponse(StatusOK).
			WithHeader("X-Request-Count", fmt.Sprintf("%v", n)).
			WithBody(StringEntity("ok")))
	}))
	addr := startTestServer(t, app, Options{
		KeepAlive: &KeepAliveConfig{Timeout: 5 * time.Second, Max: 3},
	})

	conn, br := dialTest(t, addr)
	for i := 1; i <= 3; i++ {
		sendRaw(t, conn, "GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n")
		res := readTestResponse(t, br)
		require.Equal(t, 200, res.StatusCode, "request %d", i)
		assert.Equal(t, fmt.Sprintf("%d", i), res.Header.Get("X-Request-Count"))
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(body))

		switch i {
		case 1:
			assert.Equal(t, "keep-alive", res.Header.Get("Connection"))
			assert.Equal(t, "timeout=5, max=2", res.Header.Get("Keep-Alive"))
		case 2:
			assert.Equal(t, "keep-alive", res.Header.Get("Connection"))
			assert.Equal(t, "timeout=5, max=1", res.Header.Get("Keep-Alive"))
		case 3:
			assert.True(t, res.Close, "third response must carry Connection: close")
		}
	}

	_, err := br.ReadByte()
	assert.Equal(t, io.EOF, err, "budget exhausted: connection closes after the third response")
}

func TestServeKeepAliveIdleExpiry(t *testing.T) {
	app := New("/")
	app.Get("/", textHandler(StatusOK, "ok"))
	addr := startTestServer(t, app, Options{
		KeepAlive: &KeepAliveConfig{Timeout: time.Second, Max: 5},
	})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n")
	res := readTestResponse(t, br)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, "keep-alive", res.Header.Get("Connection"))
	_, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	// No second request: the keep-alive idle timer must close the
	// connection from the server side well within the 3s client deadline.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = br.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestServeKeepAliveExpiryDrivenByFakeClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	app := New("/")
	app.Get("/", textHandler(StatusOK, "ok"))
	addr := startTestServer(t, app, Options{
		KeepAlive: &KeepAliveConfig{Timeout: time.Second, Max: 5},
		Clock:     clock,
	})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n")
	res := readTestResponse(t, br)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, "keep-alive", res.Header.Get("Connection"))
	_, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	// Wait for the engine to arm the idle timer for request 2, then jump
	// the clock past the keep-alive timeout. The connection must close
	// without anything sleeping for real.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	_, err = br.ReadByte()
	assert.Equal(t, io.EOF, err)
}

// fiveByteReader yields its script one element per Read call, so each Read
// becomes exactly one chunk on the wire.
type fiveByteReader struct {
	chunks []string
}

func (f *fiveByteReader) Read(p []byte) (int, error) {
	if len(f.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.chunks[0])
	f.chunks = f.chunks[1:]
	return n, nil
}

func TestServeChunkedUnknownSize(t *testing.T) {
	app := New("/")
	app.Get("/stream", RequestHandlerFunc(func(req Request) HandlerResult {
		body := &fiveByteReader{chunks: []string{"abcde", "fghij", "klmno"}}
		return Done(NewResponse(StatusOK).WithBody(StreamEntity(body)))
	}))
	addr := startTestServer(t, app, Options{})

	conn, _ := dialTest(t, addr)
	sendRaw(t, conn, "GET /stream HTTP/1.1\r\nHost: x\r\n\r\n")

	raw, err := io.ReadAll(conn)
	require.NoError(t, err)
	wire := string(raw)
	assert.Contains(t, wire, "Transfer-Encoding: chunked\r\n")
	assert.NotContains(t, wire, "Content-Length:")
	assert.Contains(t, wire, "5\r\nabcde\r\n5\r\nfghij\r\n5\r\nklmno\r\n0\r\n\r\n")
}

func TestServeMountedRouterPathParam(t *testing.T) {
	api := New("/api")
	api.Get("/messages/:id", RequestHandlerFunc(func(req Request) HandlerResult {
		params, _ := req.Attrs.Get(AttrPathParams)
		id := params.(map[string]string)["id"]
		return Done(NewResponse(StatusOK).WithBody(StringEntity(id)))
	}))
	app := New("/")
	app.Route("/api", api)
	addr := startTestServer(t, app, Options{})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET /api/messages/42 HTTP/1.1\r\nHost: x\r\n\r\n")

	res := readTestResponse(t, br)
	assert.Equal(t, 200, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "42", string(body))
}

// handoffApp proves the upgrade contract: it writes a byte on the raw
// socket it received, which can only succeed if the closer never touched
// the connection and ownership really transferred.
type handoffApp struct{}

func (handoffApp) Serve(conn net.Conn) {
	conn.Write([]byte("X"))
	conn.Close()
}

func TestServeWebSocketUpgrade(t *testing.T) {
	app := New("/")
	app.WebSocket("/chat/:room", handoffApp{})
	addr := startTestServer(t, app, Options{})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET /chat/room HTTP/1.1\r\n"+
		"Host: x\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n")

	res := readTestResponse(t, br)
	assert.Equal(t, 101, res.StatusCode)
	assert.Equal(t, "websocket", res.Header.Get("Upgrade"))
	assert.Equal(t, "Upgrade", res.Header.Get("Connection"))
	// RFC 6455 §1.3 sample key -> fixed accept value.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", res.Header.Get("Sec-WebSocket-Accept"))

	b, err := br.ReadByte()
	require.NoError(t, err, "the handed-off socket must still be open for the upgrade application")
	assert.Equal(t, byte('X'), b)
	_, err = br.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestServeOverloadRejectsWith503(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	app := New("/")
	app.Get("/slow", RequestHandlerFunc(func(req Request) HandlerResult {
		once.Do(func() { close(started) })
		<-release
		return Done(NewResponse(StatusOK).WithBody(StringEntity("done")))
	}))
	addr := startTestServer(t, app, Options{PoolSize: 1, QueueSize: -1})

	slowConn, slowBr := dialTest(t, addr)
	sendRaw(t, slowConn, "GET /slow HTTP/1.1\r\nHost: x\r\n\r\n")
	<-started

	// The single service slot is held by the sleeping handler; the next
	// connection's read must be rejected and answered with 503.
	overConn, overBr := dialTest(t, addr)
	sendRaw(t, overConn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	overRes := readTestResponse(t, overBr)
	assert.Equal(t, 503, overRes.StatusCode)
	assert.Equal(t, "300", overRes.Header.Get("Retry-After"))
	_, err := overBr.ReadByte()
	assert.Equal(t, io.EOF, err, "overloaded connection closes after the 503")

	close(release)
	slowRes := readTestResponse(t, slowBr)
	assert.Equal(t, 200, slowRes.StatusCode)
}

func TestServeMalformedRequestLine(t *testing.T) {
	app := New("/")
	app.Get("/", textHandler(StatusOK, "ok"))
	addr := startTestServer(t, app, Options{})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET /\r\n\r\n")

	res := readTestResponse(t, br)
	assert.Equal(t, 400, res.StatusCode)
	_, err := br.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestServeRecoverHandlesApplicationError(t *testing.T) {
	app := New("/")
	app.Get("/boom", RequestHandlerFunc(func(req Request) HandlerResult {
		panic("kaboom")
	}))
	app.Recover(ErrorHandlerFunc(func(req Request, err error) (Response, bool) {
		if !strings.Contains(err.Error(), "kaboom") {
			return Response{}, false
		}
		return NewResponse(StatusOK).WithBody(StringEntity("recovered")), true
	}))
	addr := startTestServer(t, app, Options{})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET /boom HTTP/1.1\r\nHost: x\r\n\r\n")

	res := readTestResponse(t, br)
	assert.Equal(t, 200, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(body))
}

func TestServeUnhandledErrorIsInternalServerError(t *testing.T) {
	app := New("/")
	app.Get("/boom", RequestHandlerFunc(func(req Request) HandlerResult {
		panic("nobody catches this")
	}))
	addr := startTestServer(t, app, Options{})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET /boom HTTP/1.1\r\nHost: x\r\n\r\n")

	res := readTestResponse(t, br)
	assert.Equal(t, 500, res.StatusCode)
}

func TestServeResponseAttributePropagation(t *testing.T) {
	app := New("/")
	app.Get("/x", textHandler(StatusOK, "ok"))
	app.Outgoing(ResponseFilterFunc(func(res Response) Response {
		c, _ := res.Attrs.Get(AttrCorrelate)
		n, _ := res.Attrs.Get(AttrRequestCount)
		return res.
			WithHeader("X-Correlate", fmt.Sprintf("%v", c)).
			WithHeader("X-Count", fmt.Sprintf("%v", n))
	}))
	addr := startTestServer(t, app, Options{})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET /x HTTP/1.1\r\nHost: x\r\n\r\n")

	res := readTestResponse(t, br)
	assert.NotEmpty(t, res.Header.Get("X-Correlate"))
	assert.Equal(t, "1", res.Header.Get("X-Count"))
}

func TestServeDateComesFromInjectedClock(t *testing.T) {
	// A fake clock pinned an hour ahead keeps read deadlines comfortably in
	// the future while making the Date header exactly predictable.
	fixed := time.Now().Add(time.Hour).Truncate(time.Second).UTC()
	app := New("/")
	app.Get("/", textHandler(StatusOK, "ok"))
	addr := startTestServer(t, app, Options{Clock: clockwork.NewFakeClockAt(fixed)})

	conn, br := dialTest(t, addr)
	sendRaw(t, conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	res := readTestResponse(t, br)
	assert.Equal(t, fixed.Format(httpTimeFormat), res.Header.Get("Date"))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.normalize()
	assert.Equal(t, 50, o.BacklogSize)
	assert.Equal(t, runtime.NumCPU(), o.PoolSize)
	assert.Equal(t, o.PoolSize*4, o.QueueSize)
	assert.Equal(t, 8192, o.BufferSize)
	assert.Equal(t, 5*time.Second, o.ReadTimeout)
	assert.Equal(t, 100, o.HeaderLimit)
	assert.NotNil(t, o.SocketFactory)
	assert.NotNil(t, o.Clock)
}

func TestOptionsBufferSizeSpec(t *testing.T) {
	o := Options{BufferSizeSpec: "16KB"}.normalize()
	assert.Equal(t, 16*1024, o.BufferSize)

	// Below the floor: the string parses but the usual floor still applies.
	o = Options{BufferSizeSpec: "512"}.normalize()
	assert.Equal(t, 8192, o.BufferSize)

	// An explicit numeric BufferSize wins over the string form.
	o = Options{BufferSize: 2048, BufferSizeSpec: "1MiB"}.normalize()
	assert.Equal(t, 2048, o.BufferSize)
}

func TestOptionsQueueSizeSentinel(t *testing.T) {
	o := Options{PoolSize: 2, QueueSize: -1}.normalize()
	assert.Equal(t, 0, o.QueueSize, "negative disables queueing")
	o = Options{PoolSize: 2}.normalize()
	assert.Equal(t, 8, o.QueueSize, "zero takes the default")
}
