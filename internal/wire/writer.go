/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownCoding is returned when a response names a transfer coding the
// codec doesn't implement; this is fatal and the caller should treat it
// as a response-abort (close the connection, send nothing
// further).
var ErrUnknownCoding = errors.New("wire: unknown transfer coding")

// OutgoingResponse is everything WriteResponse needs to put a response on
// the wire. Headers must already reflect the preparation step
// (Content-Length xor Transfer-Encoding: chunked, Date, Connection); this
// package only knows how to frame bytes, not which framing to choose.
type OutgoingResponse struct {
	StatusCode int
	Reason     string
	ProtoMajor int
	ProtoMinor int
	Headers    []HeaderField
	Body       io.Reader // nil means no body bytes follow at all
	Chunked    bool
	// Codings lists additional transfer codings, left-to-right in the same
	// order they appear in the Transfer-Encoding header, applied before
	// chunked framing (e.g. ["gzip"] for "Transfer-Encoding: gzip, chunked").
	Codings []string
}

// RunGzipStage executes fn (a body-copy operation involving gzip
// compression) through whatever background scheduler the caller provides —
// normally the encoder pool — instead of running it inline. A nil value
// runs fn directly.
type RunGzipStage func(fn func() error) error

// WriteResponse writes the status line, headers, and (if present) body of
// res to w, applying chunked framing and any requested content codings.
func WriteResponse(w *bufio.Writer, res OutgoingResponse, runGzip RunGzipStage) error {
	if _, err := fmt.Fprintf(w, "HTTP/%d.%d %03d %s\r\n", res.ProtoMajor, res.ProtoMinor, res.StatusCode, res.Reason); err != nil {
		return err
	}
	for _, h := range res.Headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if res.Body == nil {
		return w.Flush()
	}

	copyFn, usesGzip, err := buildBodyPipeline(w, res)
	if err != nil {
		return err
	}
	if usesGzip && runGzip != nil {
		if err := runGzip(copyFn); err != nil {
			return err
		}
	} else if err := copyFn(); err != nil {
		return err
	}
	return w.Flush()
}

// buildBodyPipeline wires res.Body through any content-coding compressors
// and, finally, chunked framing (innermost to outermost, matching the
// order bytes must be transformed in before reaching the socket), and
// returns a closure that performs the copy and closes every stage.
func buildBodyPipeline(w *bufio.Writer, res OutgoingResponse) (copyFn func() error, usesGzip bool, err error) {
	var dest io.Writer = w
	var closers []io.Closer
	if res.Chunked {
		cw := NewChunkedWriter(w)
		dest = cw
		closers = append(closers, cw)
	}
	for i := len(res.Codings) - 1; i >= 0; i-- {
		switch res.Codings[i] {
		case "gzip":
			gz := GzipWriter(dest)
			dest = gz
			closers = append(closers, gz)
			usesGzip = true
		case "deflate":
			fl := DeflateWriter(dest)
			dest = fl
			closers = append(closers, fl)
		default:
			return nil, false, ErrUnknownCoding
		}
	}
	body := res.Body
	copyFn = func() error {
		if _, err := io.Copy(dest, body); err != nil {
			return err
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				return err
			}
		}
		return nil
	}
	return copyFn, usesGzip, nil
}
