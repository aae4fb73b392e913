/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package pathmatch compiles router path patterns ("/a/:id", "/files/*rest",
// "*") into matchers that test a normalized request path and, on success,
// yield the named path parameters.
package pathmatch

import (
	"fmt"
	"net/url"
	"strings"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segWildcard
)

type segment struct {
	kind segmentKind
	text string // literal text, or the parameter/wildcard name
}

// Pattern is a compiled router path pattern, rooted at a mount path.
type Pattern struct {
	mount    string
	raw      string
	segments []segment
	wildcard bool // true if the final segment is a tail wildcard
	star     bool // the reserved absolute "*" pattern (OPTIONS *)
}

// Compile parses pattern as registered under mount (already normalized,
// absolute). It rejects tail wildcards that aren't final, empty segments,
// and patterns that would resolve above the mount path.
func Compile(mount, pattern string) (*Pattern, error) {
	if pattern == "*" {
		return &Pattern{mount: mount, raw: pattern, star: true}, nil
	}
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("pathmatch: pattern %q must be absolute", pattern)
	}
	parts := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for i, part := range parts {
		switch {
		case part == "" && len(parts) == 1:
			// pattern "/" -> zero segments
		case part == "":
			return nil, fmt.Errorf("pathmatch: pattern %q has an empty segment", pattern)
		case strings.HasPrefix(part, "*"):
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pathmatch: tail wildcard must be the final element in %q", pattern)
			}
			segs = append(segs, segment{kind: segWildcard, text: part[1:]})
		case strings.HasPrefix(part, ":"):
			if len(part) == 1 {
				return nil, fmt.Errorf("pathmatch: empty parameter name in %q", pattern)
			}
			segs = append(segs, segment{kind: segParam, text: part[1:]})
		default:
			segs = append(segs, segment{kind: segLiteral, text: part})
		}
	}
	if Escapes(mount, joinMount(mount, pattern)) {
		return nil, fmt.Errorf("pathmatch: pattern %q escapes mount %q", pattern, mount)
	}
	return &Pattern{mount: mount, raw: pattern, segments: segs}, nil
}

func joinMount(mount, pattern string) string {
	if mount == "" || mount == "/" {
		return pattern
	}
	return strings.TrimSuffix(mount, "/") + pattern
}

// Match tests path (already normalized by the caller) against the pattern,
// stripping the mount prefix first. It returns the bound path parameters
// and whether the pattern matched.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	if p.star {
		return nil, path == "*"
	}
	rest := strings.TrimPrefix(path, normalizedMount(p.mount))
	if rest == path && normalizedMount(p.mount) != "/" {
		return nil, false
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	var reqParts []string
	if rest != "/" {
		reqParts = strings.Split(strings.TrimPrefix(rest, "/"), "/")
	}
	params := map[string]string{}
	for i, seg := range p.segments {
		switch seg.kind {
		case segWildcard:
			tail := ""
			if i < len(reqParts) {
				tail = strings.Join(reqParts[i:], "/")
			}
			if seg.text != "" {
				params[seg.text] = tail
			}
			return params, true
		case segParam:
			if i >= len(reqParts) {
				return nil, false
			}
			params[seg.text] = reqParts[i]
		case segLiteral:
			if i >= len(reqParts) || reqParts[i] != seg.text {
				return nil, false
			}
		}
	}
	return params, len(reqParts) == len(p.segments)
}

func normalizedMount(mount string) string {
	if mount == "" {
		return "/"
	}
	return Normalize(mount)
}

// Normalize decodes percent-encoded octets, collapses repeated slashes, and
// resolves "." and ".." segments, the way an HTTP server must before using a
// request path for routing or filesystem lookups.
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	if p == "*" {
		// asterisk-form target (OPTIONS *): not a path, leave it alone
		return p
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}

// Escapes reports whether candidate, once normalized, falls outside base
// (also normalized) — used to reject traversal attempts such as file-server
// requests for "/../etc/passwd".
func Escapes(base, candidate string) bool {
	nb := Normalize(base)
	nc := Normalize(candidate)
	if nb == "/" {
		return false
	}
	return nc != nb && !strings.HasPrefix(nc, strings.TrimSuffix(nb, "/")+"/")
}
