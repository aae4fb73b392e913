/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package serve

import (
	"io"
	"strings"
)

// Header holds HTTP header fields in the order they were added. Names are
// compared case-insensitively; values are kept verbatim.
type Header struct {
	fields []headerField
}

type headerField struct {
	Name  string
	Value string
}

// NewHeader returns an empty Header.
func NewHeader() Header {
	return Header{}
}

// Add appends a header field, preserving any existing fields with the same name.
func (h Header) Add(name, value string) Header {
	h.fields = append(append([]headerField(nil), h.fields...), headerField{Name: name, Value: value})
	return h
}

// Set replaces all fields with the given name (case-insensitive) with a single field.
func (h Header) Set(name, value string) Header {
	out := make([]headerField, 0, len(h.fields)+1)
	replaced := false
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if !replaced {
				out = append(out, headerField{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, f)
	}
	if !replaced {
		out = append(out, headerField{Name: name, Value: value})
	}
	return Header{fields: out}
}

// Del removes every field with the given name.
func (h Header) Del(name string) Header {
	out := make([]headerField, 0, len(h.fields))
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return Header{fields: out}
}

// Get returns the first value for name, or "" if absent.
func (h Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether any field with the given name is present.
func (h Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value recorded for name, in insertion order.
func (h Header) Values(name string) []string {
	var vals []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// ContainsToken reports whether name's value(s), split on commas, contain
// token case-insensitively. Used for Connection and Transfer-Encoding.
func (h Header) ContainsToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Each calls fn for every field in insertion order.
func (h Header) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.Name, f.Value)
	}
}

// Len reports the number of fields (counting repeats).
func (h Header) Len() int { return len(h.fields) }

// Clone returns a Header that shares no backing storage with h.
func (h Header) Clone() Header {
	if len(h.fields) == 0 {
		return Header{}
	}
	return Header{fields: append([]headerField(nil), h.fields...)}
}

// Attributes is an opaque string-keyed bag of values propagated alongside a
// request or response. Lookup order is irrelevant.
type Attributes map[string]interface{}

// Get returns the value stored under key and whether it was present.
func (a Attributes) Get(key string) (interface{}, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a[key]
	return v, ok
}

// With returns a shallow copy of a with key set to value.
func (a Attributes) With(key string, value interface{}) Attributes {
	out := make(Attributes, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	out[key] = value
	return out
}

// Well-known attribute keys, per the pipeline contract.
const (
	AttrServer       = "server"
	AttrSocket       = "socket"
	AttrRequestCount = "requestCount"
	AttrCorrelate    = "correlate"
	AttrPathParams   = "pathParams"
	AttrRequest      = "request"
	AttrUpgrade      = "upgradeHandoff"
)

// Entity is a lazy byte producer with an optional known size. Readers must
// not assume the underlying handle (file, socket, pipe) has been opened
// until the first Read call. Close is idempotent and must always be safe to
// call more than once.
type Entity interface {
	io.Reader
	io.Closer
	// Size returns the entity's length and whether it is known up front.
	Size() (size int64, known bool)
}

type emptyEntity struct{}

func (emptyEntity) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyEntity) Close() error             { return nil }
func (emptyEntity) Size() (int64, bool)      { return 0, true }

// NoBody is the canonical empty Entity.
var NoBody Entity = emptyEntity{}

type bytesEntity struct {
	data []byte
	pos  int
}

func (b *bytesEntity) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
func (b *bytesEntity) Close() error        { b.pos = len(b.data); return nil }
func (b *bytesEntity) Size() (int64, bool) { return int64(len(b.data)), true }

// BytesEntity returns an Entity over an in-memory byte slice with a known size.
func BytesEntity(data []byte) Entity {
	return &bytesEntity{data: data}
}

// StringEntity returns an Entity over s with a known size.
func StringEntity(s string) Entity {
	return BytesEntity([]byte(s))
}

type streamEntity struct {
	r       io.Reader
	c       io.Closer
	size    int64
	hasSize bool
	closed  bool
}

func (s *streamEntity) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *streamEntity) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}
func (s *streamEntity) Size() (int64, bool) { return s.size, s.hasSize }

// StreamEntity wraps an arbitrary reader (optionally closeable) as an Entity
// of unknown size.
func StreamEntity(r io.Reader) Entity {
	c, _ := r.(io.Closer)
	return &streamEntity{r: r, c: c, hasSize: false}
}

// SizedStreamEntity wraps a reader whose total length is known in advance
// (e.g. a file already stat'ed by the caller).
func SizedStreamEntity(r io.Reader, size int64) Entity {
	c, _ := r.(io.Closer)
	return &streamEntity{r: r, c: c, size: size, hasSize: true}
}

// Request is an immutable HTTP request value. Transformations (With*
// methods) allocate a new value that shares the same body handle.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Authority  string // optional: Host for absolute-form / CONNECT targets
	ProtoMajor int
	ProtoMinor int
	Header     Header
	Body       Entity
	Attrs      Attributes
}

// WithHeader returns a copy of r with name appended to its headers.
func (r Request) WithHeader(name, value string) Request {
	r.Header = r.Header.Add(name, value)
	return r
}

// WithAttribute returns a copy of r with key set in its attribute bag.
func (r Request) WithAttribute(key string, value interface{}) Request {
	r.Attrs = r.Attrs.With(key, value)
	return r
}

// WithBody returns a copy of r with a different body entity.
func (r Request) WithBody(b Entity) Request {
	r.Body = b
	return r
}

// ProtoAtLeast reports whether the request's HTTP version is >= major.minor.
func (r Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || (r.ProtoMajor == major && r.ProtoMinor >= minor)
}

// Response is an immutable HTTP response value.
type Response struct {
	StatusCode int
	Reason     string
	ProtoMajor int
	ProtoMinor int
	Header     Header
	Body       Entity
	Attrs      Attributes
}

// NewResponse builds a minimal Response with no body.
func NewResponse(status int) Response {
	return Response{StatusCode: status, ProtoMajor: 1, ProtoMinor: 1, Body: NoBody}
}

// WithHeader returns a copy of res with name appended to its headers.
func (res Response) WithHeader(name, value string) Response {
	res.Header = res.Header.Add(name, value)
	return res
}

// WithStatus returns a copy of res with a different status code.
func (res Response) WithStatus(code int) Response {
	res.StatusCode = code
	return res
}

// WithBody returns a copy of res with a different body entity.
func (res Response) WithBody(b Entity) Response {
	res.Body = b
	return res
}

// WithAttribute returns a copy of res with key set in its attribute bag.
func (res Response) WithAttribute(key string, value interface{}) Response {
	res.Attrs = res.Attrs.With(key, value)
	return res
}

// ProtoAtLeast reports whether the response's HTTP version is >= major.minor.
func (res Response) ProtoAtLeast(major, minor int) bool {
	return res.ProtoMajor > major || (res.ProtoMajor == major && res.ProtoMinor >= minor)
}

// isInformational reports whether the status is 1xx.
func isInformational(status int) bool { return status >= 100 && status < 200 }

// excludesBodyFraming reports whether the response must never carry
// Content-Length or Transfer-Encoding (1xx, 204, CONNECT responses).
func excludesBodyFraming(req Request, res Response) bool {
	if isInformational(res.StatusCode) || res.StatusCode == 204 {
		return true
	}
	if strings.EqualFold(req.Method, "CONNECT") && res.StatusCode >= 200 && res.StatusCode < 300 {
		return true
	}
	return false
}
