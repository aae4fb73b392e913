/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Command example wires the serve package together the way an embedding
// application would: a handful of routes, keep-alive, a mounted file
// server, and a websocket handoff. It exists to exercise the library end to
// end, not as a CLI of its own; there is no flag parsing here on purpose.
package main

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelhttp/serve"
)

func main() {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	app := serve.New("/")

	app.Get("/about", serve.RequestHandlerFunc(func(req serve.Request) serve.HandlerResult {
		return serve.Done(serve.NewResponse(serve.StatusOK).
			WithHeader("Content-Type", "text/plain; charset=utf-8").
			WithBody(serve.StringEntity("hi")))
	}))

	api := serve.New("/api")
	api.Get("/messages/:id", serve.RequestHandlerFunc(func(req serve.Request) serve.HandlerResult {
		params, _ := req.Attrs.Get(serve.AttrPathParams)
		id := params.(map[string]string)["id"]
		return serve.Done(serve.NewResponse(serve.StatusOK).WithBody(serve.StringEntity(id)))
	}))
	app.Route("/api", api)

	app.Outgoing(serve.ResponseFilterFunc(func(res serve.Response) serve.Response {
		return res.WithHeader("Server", "serve/example")
	}))

	app.Recover(serve.ErrorHandlerFunc(func(req serve.Request, err error) (serve.Response, bool) {
		logger.WithError(err).Warn("recovered application error")
		return serve.NewStatusResponse(serve.StatusInternalServerError), true
	}))

	app.FileServer("/static", "./public")

	app.WebSocket("/chat/:room", echoApplication{log: logger})

	server := serve.NewServer(app, serve.Options{
		PoolSize: 8,
		KeepAlive: &serve.KeepAliveConfig{
			Timeout: 5 * time.Second,
			Max:     100,
		},
		Logger: logger,
	})

	addr := ":8080"
	if v := os.Getenv("EXAMPLE_ADDR"); v != "" {
		addr = v
	}
	logger.WithField("addr", addr).Info("starting example server")
	if err := server.ListenAndServe(addr); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
}

// echoApplication is the external collaborator a websocket handoff hands
// the raw, already-upgraded socket to; the core never parses WS frames.
// It implements just enough of RFC 6455's server-side framing to echo
// client text frames back, unmasked as RFC 6455 requires of servers; a
// stand-in for a real frame library plugged in at this exact seam.
type echoApplication struct {
	log *logrus.Logger
}

func (e echoApplication) Serve(conn net.Conn) {
	defer conn.Close()
	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		opcode, payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				e.log.WithError(err).Debug("websocket read ended")
			}
			return
		}
		switch opcode {
		case opClose:
			writeFrame(conn, opClose, nil)
			return
		case opPing:
			writeFrame(conn, opPong, payload)
		case opText, opBinary:
			if err := writeFrame(conn, opcode, payload); err != nil {
				return
			}
		}
	}
}

const (
	opText   = 0x1
	opBinary = 0x2
	opClose  = 0x8
	opPing   = 0x9
	opPong   = 0xA
)

// readFrame reads one RFC 6455 frame from a client; client frames are
// always masked, so the mask key is always present and must be applied.
func readFrame(r io.Reader) (opcode byte, payload []byte, err error) {
	var head [2]byte
	if _, err = io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	opcode = head[0] & 0x0f
	masked := head[1]&0x80 != 0
	length := uint64(head[1] & 0x7f)
	switch length {
	case 126:
		var ext [2]byte
		if _, err = io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err = io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	var maskKey [4]byte
	if masked {
		if _, err = io.ReadFull(r, maskKey[:]); err != nil {
			return 0, nil, err
		}
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	return opcode, payload, nil
}

// writeFrame writes one unmasked RFC 6455 frame (servers never mask).
func writeFrame(w io.Writer, opcode byte, payload []byte) error {
	head := []byte{0x80 | opcode}
	switch {
	case len(payload) < 126:
		head = append(head, byte(len(payload)))
	case len(payload) <= 0xffff:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(len(payload)))
		head = append(head, 126)
		head = append(head, ext...)
	default:
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, uint64(len(payload)))
		head = append(head, 127)
		head = append(head, ext...)
	}
	if _, err := w.Write(head); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
