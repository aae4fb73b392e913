/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package lifecycle runs a server's ordered start/stop hooks.
package lifecycle

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Hook is the minimal shape the registry needs from a lifecycle
// participant: Start/Stop. Whether a Start failure is critical comes from
// the optional Critical interface.
type Hook interface {
	Start() error
	Stop() error
}

// Critical is the optional capability a Hook may implement.
type Critical interface {
	Critical() bool
}

// Registry runs hooks in registration order on Start and the reverse
// order on Stop.
type Registry struct {
	hooks []Hook
	log   *logrus.Entry
}

// NewRegistry builds a Registry bound to hooks, in registration order.
func NewRegistry(hooks []Hook, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{hooks: hooks, log: logger.WithField("component", "lifecycle")}
}

// Start runs every hook in order. If a hook marked critical fails, startup
// aborts immediately (hooks already started are not rolled back — the
// caller is expected to call Stop to unwind). Non-critical hook failures
// are logged and ignored.
func (r *Registry) Start() error {
	for _, h := range r.hooks {
		if err := h.Start(); err != nil {
			critical := false
			if c, ok := h.(Critical); ok {
				critical = c.Critical()
			}
			if critical {
				return fmt.Errorf("lifecycle: critical hook failed to start: %w", err)
			}
			r.log.WithError(err).Warn("non-critical lifecycle hook failed to start")
		}
	}
	return nil
}

// Stop runs every hook's Stop in reverse registration order, collecting
// every error rather than stopping at the first.
func (r *Registry) Stop() error {
	var result error
	for i := len(r.hooks) - 1; i >= 0; i-- {
		if err := r.hooks[i].Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
