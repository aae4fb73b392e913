/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package serve

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ConnectionDecisionKind enumerates the fate of a connection after a
// response has been written.
type ConnectionDecisionKind int

const (
	// Close closes the connection after the current response.
	Close ConnectionDecisionKind = iota
	// Persist loops back to read another request on the same connection.
	Persist
	// Upgrade hands the raw connection off to an upgrade handler.
	Upgrade
)

// ConnectionDecision pairs a fate with the upgrade handoff, when present.
type ConnectionDecision struct {
	Kind   ConnectionDecisionKind
	Handoff func(net.Conn)
}

// KeepAliveConfig enables persistent connections up to a per-connection
// request budget.
type KeepAliveConfig struct {
	Timeout time.Duration // floor 1s
	Max     int           // floor 1
}

// normalized applies the configuration floors.
func (k KeepAliveConfig) normalized() KeepAliveConfig {
	if k.Timeout < time.Second {
		k.Timeout = time.Second
	}
	if k.Max < 1 {
		k.Max = 1
	}
	return k
}

// ConnectionManager is a pure function of the response (and, for the
// keep-alive policy, the request) to a connection fate; it holds no
// per-connection state.
type ConnectionManager struct {
	keepAlive *KeepAliveConfig
}

// NewConnectionManager builds a ConnectionManager. A nil cfg disables
// keep-alive entirely.
func NewConnectionManager(cfg *KeepAliveConfig) ConnectionManager {
	if cfg == nil {
		return ConnectionManager{}
	}
	norm := cfg.normalized()
	return ConnectionManager{keepAlive: &norm}
}

// ApplyKeepAlivePolicy sets Connection/Keep-Alive headers on res when
// keep-alive is enabled, the request asked for it, and the connection has
// budget remaining. requestCount is the 1-based index of req on its
// connection.
func (m ConnectionManager) ApplyKeepAlivePolicy(req Request, res Response, requestCount int) Response {
	if m.keepAlive == nil {
		return res
	}
	if !req.Header.ContainsToken("Connection", "keep-alive") {
		return res
	}
	if requestCount >= m.keepAlive.Max {
		return res
	}
	remaining := m.keepAlive.Max - requestCount
	res = res.WithHeader("Connection", "keep-alive")
	res = res.WithHeader("Keep-Alive", fmt.Sprintf("timeout=%d, max=%d", int(m.keepAlive.Timeout/time.Second), remaining))
	return res
}

// Evaluate inspects the final response's Connection header and decides the
// connection's fate.
func (m ConnectionManager) Evaluate(res Response) ConnectionDecision {
	conn := res.Header.Get("Connection")
	if res.Header.ContainsToken("Connection", "upgrade") {
		if raw, ok := res.Attrs.Get(AttrUpgrade); ok {
			if handoff, ok := raw.(func(net.Conn)); ok {
				return ConnectionDecision{Kind: Upgrade, Handoff: handoff}
			}
		}
	}
	if strings.Contains(strings.ToLower(conn), "close") {
		return ConnectionDecision{Kind: Close}
	}
	if strings.Contains(strings.ToLower(conn), "keep-alive") {
		return ConnectionDecision{Kind: Persist}
	}
	return ConnectionDecision{Kind: Close}
}
