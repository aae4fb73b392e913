/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package serve

import (
	"bufio"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelhttp/serve/internal/wire"
)

// readRequest parses one HTTP/1.1 request off br, given the first byte
// already consumed by the engine's read-first-byte step.
func readRequest(firstByte byte, br *bufio.Reader, bufferSize, headerLimit int) (Request, error) {
	parsed, err := wire.ReadRequest(firstByte, br, bufferSize, headerLimit)
	if err != nil {
		if re, ok := err.(*wire.ReadError); ok {
			return Request{}, &ReadError{Status: ReadStatus(re.Status), Reason: re.Reason}
		}
		return Request{}, err
	}
	h := NewHeader()
	for _, f := range parsed.Headers {
		h = h.Add(f.Name, f.Value)
	}
	return Request{
		Method:     parsed.Line.Method,
		Path:       parsed.Line.Path,
		RawQuery:   parsed.Line.RawQuery,
		Authority:  parsed.Line.Authority,
		ProtoMajor: parsed.Line.ProtoMajor,
		ProtoMinor: parsed.Line.ProtoMinor,
		Header:     h,
		Body:       StreamEntity(parsed.Body),
	}, nil
}

// prepareResponse runs after all response filters and before the wire
// write: decide between Content-Length and
// Transfer-Encoding: chunked (never both), skipping both for informational,
// 204, and 2xx-CONNECT responses.
func prepareResponse(req Request, res Response) Response {
	if excludesBodyFraming(req, res) {
		res.Header = res.Header.Del("Content-Length").Del("Transfer-Encoding")
		return res
	}
	if te := res.Header.Get("Transfer-Encoding"); te != "" {
		codings := splitCodings(te)
		if len(codings) == 0 || codings[len(codings)-1] != "chunked" {
			codings = append(stripToken(codings, "chunked"), "chunked")
		}
		res.Header = res.Header.Set("Transfer-Encoding", strings.Join(codings, ", ")).Del("Content-Length")
		return res
	}
	if res.Header.Has("Content-Length") {
		return res
	}
	if size, known := res.Body.Size(); known {
		res.Header = res.Header.Set("Content-Length", strconv.FormatInt(size, 10))
		return res
	}
	res.Header = res.Header.Set("Transfer-Encoding", "chunked")
	return res
}

func splitCodings(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stripToken(list []string, token string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !strings.EqualFold(v, token) {
			out = append(out, v)
		}
	}
	return out
}

// writeResponse writes res to w. runGzip, if
// non-nil, is used to run any gzip-coded body copy on the encoder pool
// instead of inline.
func writeResponse(w *bufio.Writer, res Response, runGzip wire.RunGzipStage) error {
	out := wire.OutgoingResponse{
		StatusCode: res.StatusCode,
		Reason:     reasonOrDefault(res),
		ProtoMajor: res.ProtoMajor,
		ProtoMinor: res.ProtoMinor,
	}
	res.Header.Each(func(name, value string) {
		out.Headers = append(out.Headers, wire.HeaderField{Name: name, Value: value})
	})

	if res.Body == nil {
		return wire.WriteResponse(w, out, runGzip)
	}
	if size, known := res.Body.Size(); known && size == 0 {
		out.Body = nil
		return wire.WriteResponse(w, out, runGzip)
	}

	if te := res.Header.Get("Transfer-Encoding"); te != "" {
		codings := splitCodings(te)
		if len(codings) > 0 && strings.EqualFold(codings[len(codings)-1], "chunked") {
			out.Chunked = true
			out.Codings = codings[:len(codings)-1]
		}
	}
	out.Body = res.Body
	return wire.WriteResponse(w, out, runGzip)
}

func reasonOrDefault(res Response) string {
	if res.Reason != "" {
		return res.Reason
	}
	return StatusText(res.StatusCode)
}

// finalizeResponse ensures Date is set, defaults Connection to close if
// no filter set it, then applies preparation.
func finalizeResponse(req Request, res Response, now time.Time) Response {
	if !res.Header.Has("Date") {
		res.Header = res.Header.Set("Date", now.UTC().Format(httpTimeFormat))
	}
	if !res.Header.Has("Connection") {
		res.Header = res.Header.Set("Connection", "close")
	}
	return prepareResponse(req, res)
}

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
