/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package wire implements the HTTP/1.1 request reader and response writer:
// start-line, header block (with obsolete line folding on read), and
// chunked transfer framing. It knows nothing about routing or the
// application pipeline; callers hand it a byte stream and get back (or
// provide) plain message values.
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadStatus mirrors the status codes a malformed read can be mapped to.
// Kept as plain ints here so this package has no dependency on the root
// module (avoiding an import cycle); the root package re-maps these to its
// own status constants, which happen to share the same values.
type ReadStatus int

const (
	StatusNotImplemented       ReadStatus = 501
	StatusURITooLong           ReadStatus = 414
	StatusBadRequest           ReadStatus = 400
	StatusHeaderFieldsTooLarge ReadStatus = 431
)

// ReadError is returned for any syntactic failure while parsing the request
// line or header block.
type ReadError struct {
	Status ReadStatus
	Reason string
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("wire: %s (status %d)", e.Reason, e.Status)
}

func readErr(status ReadStatus, reason string) error {
	return &ReadError{Status: status, Reason: reason}
}

// HeaderField is a single header name/value pair, in the order it was read.
type HeaderField struct {
	Name  string
	Value string
}

// RequestLine is the parsed first line of an HTTP/1.1 request.
type RequestLine struct {
	Method     string
	Target     string
	Path       string
	RawQuery   string
	Authority  string
	ProtoMajor int
	ProtoMinor int
}

// ParsedRequest is everything the codec extracts from the wire before the
// body is touched. Body is a lazy reader honoring whatever framing the
// headers declared (Content-Length or chunked); the codec never buffers it.
type ParsedRequest struct {
	Line    RequestLine
	Headers []HeaderField
	Body    io.Reader
}

// ReadRequest parses one HTTP/1.1 request from br. firstByte is the byte
// the caller already consumed from the socket (per the engine's
// read-first-byte scheduling step); bufferSize is the configured
// read buffer and the ceiling for any single start-line or header line;
// headerLimit bounds both the header count and, multiplied by bufferSize,
// the total header-block size.
func ReadRequest(firstByte byte, br *bufio.Reader, bufferSize, headerLimit int) (*ParsedRequest, error) {
	line, err := readBoundedLine(firstByte, br, bufferSize)
	if err != nil {
		return nil, err
	}
	reqLine, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	headers, _, err := readHeaders(br, bufferSize, headerLimit)
	if err != nil {
		return nil, err
	}

	body := bodyReader(br, headers)
	return &ParsedRequest{Line: reqLine, Headers: headers, Body: body}, nil
}

// readBoundedLine reads up to and including the first CRLF-terminated line,
// with firstByte prepended, failing with StatusURITooLong if the line does
// not fit within limit bytes.
func readBoundedLine(firstByte byte, br *bufio.Reader, limit int) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, firstByte)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if len(buf) > limit {
			return nil, readErr(StatusURITooLong, "start line exceeds buffer size")
		}
		if len(buf) >= 2 && buf[len(buf)-2] == '\r' && buf[len(buf)-1] == '\n' {
			return buf[:len(buf)-2], nil
		}
	}
}

// readPlainLine is readBoundedLine without a pre-consumed leading byte, used
// once the start line has been read and every subsequent line begins fresh.
func readPlainLine(br *bufio.Reader, limit int) ([]byte, error) {
	buf := make([]byte, 0, 256)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if len(buf) > limit {
			return nil, readErr(StatusHeaderFieldsTooLarge, "header line exceeds buffer size")
		}
		if len(buf) >= 2 && buf[len(buf)-2] == '\r' && buf[len(buf)-1] == '\n' {
			return buf[:len(buf)-2], nil
		}
	}
}

func parseRequestLine(line []byte) (RequestLine, error) {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, readErr(StatusBadRequest, "malformed request line")
	}
	method, target, version := parts[0], parts[1], parts[2]
	if method == "" || !isValidToken(method) {
		return RequestLine{}, readErr(StatusNotImplemented, "invalid method token")
	}
	major, minor, ok := parseVersion(version)
	if !ok {
		return RequestLine{}, readErr(StatusBadRequest, "malformed HTTP version")
	}
	path, rawQuery, authority := splitTarget(target)
	return RequestLine{
		Method:     method,
		Target:     target,
		Path:       path,
		RawQuery:   rawQuery,
		Authority:  authority,
		ProtoMajor: major,
		ProtoMinor: minor,
	}, nil
}

func isValidToken(s string) bool {
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

func parseVersion(v string) (major, minor int, ok bool) {
	if !strings.HasPrefix(v, "HTTP/") {
		return 0, 0, false
	}
	v = strings.TrimPrefix(v, "HTTP/")
	dot := strings.IndexByte(v, '.')
	if dot < 0 {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(v[:dot])
	min, err2 := strconv.Atoi(v[dot+1:])
	if err1 != nil || err2 != nil || maj < 0 || min < 0 {
		return 0, 0, false
	}
	return maj, min, true
}

func splitTarget(target string) (path, rawQuery, authority string) {
	if target == "*" {
		return "*", "", ""
	}
	t := target
	if strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://") {
		// absolute-form: strip scheme://authority, keep the rest as path(+query)
		rest := t[strings.Index(t, "://")+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			authority = rest[:slash]
			t = rest[slash:]
		} else {
			authority = rest
			t = "/"
		}
	}
	if q := strings.IndexByte(t, '?'); q >= 0 {
		path = t[:q]
		rawQuery = t[q+1:]
	} else {
		path = t
	}
	return path, rawQuery, authority
}

// readHeaders parses the header block up to the blank line, supporting
// obsolete line folding (a continuation line starting with SP/HTAB appends
// to the previous field's value, joined by a single space).
func readHeaders(br *bufio.Reader, bufferSize, headerLimit int) ([]HeaderField, int, error) {
	var headers []HeaderField
	total := 0
	maxTotal := headerLimit * bufferSize
	for {
		line, err := readPlainLine(br, bufferSize)
		if err != nil {
			return nil, 0, err
		}
		total += len(line) + 2
		if total > maxTotal {
			return nil, 0, readErr(StatusHeaderFieldsTooLarge, "header block exceeds limit")
		}
		if len(line) == 0 {
			return headers, total, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				return nil, 0, readErr(StatusBadRequest, "header continuation with no preceding field")
			}
			headers[len(headers)-1].Value += " " + strings.TrimSpace(string(line))
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, 0, readErr(StatusBadRequest, "malformed header field")
		}
		name := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		if name == "" {
			return nil, 0, readErr(StatusBadRequest, "empty header name")
		}
		headers = append(headers, HeaderField{Name: name, Value: value})
		if len(headers) > headerLimit {
			return nil, 0, readErr(StatusHeaderFieldsTooLarge, "too many headers")
		}
	}
}

func headerValue(headers []HeaderField, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func headerContainsToken(headers []HeaderField, name, token string) bool {
	for _, h := range headers {
		if !strings.EqualFold(h.Name, name) {
			continue
		}
		for _, part := range strings.Split(h.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// bodyReader wraps br in a reader that honors the request's declared
// framing without reading anything eagerly.
func bodyReader(br *bufio.Reader, headers []HeaderField) io.Reader {
	if headerContainsToken(headers, "Transfer-Encoding", "chunked") {
		return NewChunkedReader(br)
	}
	if cl, ok := headerValue(headers, "Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err == nil && n >= 0 {
			return io.LimitReader(br, n)
		}
	}
	return io.LimitReader(br, 0)
}
