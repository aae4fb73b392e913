/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Set is the five named pools a service engine needs.
type Set struct {
	Service   *Pool
	KeepAlive *Pool
	Upgrade   *Pool
	Encoder   *Pool
	Closer    *Pool
}

// Config sizes the Set. P is the service pool size (poolSize); Q is its
// queue size (queueSize). The keepAlive/upgrade/encoder/closer multipliers
// are fixed, not user-configurable.
type Config struct {
	P, Q     int
	Logger   *logrus.Logger
	Registry *prometheus.Registry
}

const (
	kKeepAlive = 8
	kUpgrade   = 2
	kEncoder   = 4
	kCloser    = 4
)

// NewSet builds the five pools with the overflow policy each one requires.
func NewSet(cfg Config) *Set {
	return &Set{
		Service: New(Options{
			Name: "service", Max: cfg.P, QueueSize: cfg.Q,
			Overflow: OverflowReject, Logger: cfg.Logger, Registry: cfg.Registry,
		}),
		KeepAlive: New(Options{
			Name: "keepAlive", Max: cfg.P * kKeepAlive, QueueSize: 0,
			Overflow: OverflowSignal, Logger: cfg.Logger, Registry: cfg.Registry,
		}),
		Upgrade: New(Options{
			Name: "upgrade", Max: cfg.P * kUpgrade, QueueSize: 0,
			Overflow: OverflowReject, Logger: cfg.Logger, Registry: cfg.Registry,
		}),
		Encoder: New(Options{
			Name: "encoder", Max: cfg.P * kEncoder, QueueSize: 0,
			Overflow: OverflowSpawn, Logger: cfg.Logger, Registry: cfg.Registry,
		}),
		Closer: New(Options{
			Name: "closer", Max: cfg.P, QueueSize: cfg.P * kCloser,
			Overflow: OverflowSpawn, Logger: cfg.Logger, Registry: cfg.Registry,
		}),
	}
}

// ShutdownNow drains every pool. The drains are started in the order
// keepAlive, upgrade, encoder, service, closer, but they are independent of
// each other and run concurrently via errgroup, so that order does not
// sequence them; every error is still collected through go-multierror
// instead of stopping at the first one.
func (s *Set) ShutdownNow(deadline time.Duration) error {
	ordered := []*Pool{s.KeepAlive, s.Upgrade, s.Encoder, s.Service, s.Closer}
	var g errgroup.Group
	var mu sync.Mutex
	var result error
	for _, p := range ordered {
		p := p
		g.Go(func() error {
			if err := drain(p, deadline); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// drain waits for a pool to go idle, up to deadline. Pools have no explicit
// "stop accepting new work" flag (the router is frozen by this point,
// so nothing new should be submitted); draining just means waiting out
// in-flight work within a bounded time.
func drain(p *Pool, deadline time.Duration) error {
	const pollInterval = 5 * time.Millisecond
	elapsed := time.Duration(0)
	for p.InFlight() > 0 || p.Queued() > 0 {
		if elapsed >= deadline {
			return fmt.Errorf("pool %q: still draining after %s", p.Name(), deadline)
		}
		time.Sleep(pollInterval)
		elapsed += pollInterval
	}
	return nil
}
