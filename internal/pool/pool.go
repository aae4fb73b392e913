/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package pool implements named, bounded worker pools. Each pool bounds how many tasks may run concurrently and how
// many more may wait for a slot; beyond that it applies one of three
// overflow policies (reject, silent-signal, or spawn-a-fresh-goroutine).
//
// Go goroutines are cheap enough that a separate warm-vs-burst thread
// distinction doesn't carry its own weight here: both collapse to a single
// concurrency ceiling enforced by a semaphore, while the queue remains a
// real bounded channel providing backpressure.
package pool

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrRejected is returned when a pool is at capacity (queue full too) and
// its overflow policy is "reject".
var ErrRejected = errors.New("pool: rejected, at capacity")

// ErrAborted is returned when a pool's overflow policy is "silent signal"
// (used by the keepAlive pool: the caller should end that connection
// quietly, without writing a response).
var ErrAborted = errors.New("pool: aborted, at capacity")

// Overflow selects what Submit does when both the concurrency ceiling and
// the queue are full.
type Overflow int

const (
	// OverflowReject returns ErrRejected.
	OverflowReject Overflow = iota
	// OverflowSignal returns ErrAborted.
	OverflowSignal
	// OverflowSpawn runs the task on a brand-new goroutine outside the
	// pool's bookkeeping, logged as a warning, so the task is never
	// dropped (used by encoder and closer: a dropped encoder task would
	// stall a response forever).
	OverflowSpawn
)

// Pool is one named bounded worker pool.
type Pool struct {
	name     string
	max      int
	sem      chan struct{}
	queue    chan struct{}
	overflow Overflow
	log      *logrus.Entry

	inFlight  int64
	queued    int64
	rejected  prometheus.Counter
	aborted   prometheus.Counter
	spawned   prometheus.Counter
	gaugeVec  prometheus.Gauge
}

// Options configures a Pool.
type Options struct {
	Name      string
	Max       int // concurrency ceiling
	QueueSize int // additional tasks allowed to wait for a slot; 0 disables queueing
	Overflow  Overflow
	Logger    *logrus.Logger
	Registry  *prometheus.Registry // optional; nil skips metric registration
}

// New builds a Pool per opts, applying floors (Max >= 1, QueueSize >= 0).
func New(opts Options) *Pool {
	max := opts.Max
	if max < 1 {
		max = 1
	}
	queueSize := opts.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Pool{
		name:     opts.Name,
		max:      max,
		sem:      make(chan struct{}, max),
		overflow: opts.Overflow,
		log:      logger.WithField("pool", opts.Name),
	}
	if queueSize > 0 {
		p.queue = make(chan struct{}, queueSize)
	}
	if opts.Registry != nil {
		p.registerMetrics(opts.Registry)
	}
	return p
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	p.rejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "serve", Subsystem: "pool", Name: "rejected_total",
		ConstLabels: prometheus.Labels{"pool": p.name},
	})
	p.aborted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "serve", Subsystem: "pool", Name: "aborted_total",
		ConstLabels: prometheus.Labels{"pool": p.name},
	})
	p.spawned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "serve", Subsystem: "pool", Name: "spawned_total",
		ConstLabels: prometheus.Labels{"pool": p.name},
	})
	p.gaugeVec = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "serve", Subsystem: "pool", Name: "in_flight",
		ConstLabels: prometheus.Labels{"pool": p.name},
	})
	reg.MustRegister(p.rejected, p.aborted, p.spawned, p.gaugeVec)
}

// Submit runs fn, possibly after queueing, subject to the pool's
// concurrency ceiling, queue capacity, and overflow policy. It never blocks
// the caller: when a slot or a queue place is free, fn is dispatched on a
// new goroutine; otherwise reject and signal return an error and fn does
// not run, and spawn runs fn on a fresh goroutine outside the pool.
func (p *Pool) Submit(fn func()) error {
	select {
	case p.sem <- struct{}{}:
		go p.run(fn)
		return nil
	default:
	}

	if p.queue != nil {
		select {
		case p.queue <- struct{}{}:
			atomic.AddInt64(&p.queued, 1)
			go p.waitThenRun(fn)
			return nil
		default:
		}
	}

	switch p.overflow {
	case OverflowSignal:
		if p.aborted != nil {
			p.aborted.Inc()
		}
		return ErrAborted
	case OverflowSpawn:
		if p.spawned != nil {
			p.spawned.Inc()
		}
		p.log.Warn("pool at capacity, spawning an unbounded goroutine to avoid dropping work")
		go fn()
		return nil
	default:
		if p.rejected != nil {
			p.rejected.Inc()
		}
		return ErrRejected
	}
}

func (p *Pool) waitThenRun(fn func()) {
	p.sem <- struct{}{} // blocks until a concurrency slot frees: this is the queued wait
	<-p.queue
	atomic.AddInt64(&p.queued, -1)
	p.run(fn)
}

func (p *Pool) run(fn func()) {
	atomic.AddInt64(&p.inFlight, 1)
	if p.gaugeVec != nil {
		p.gaugeVec.Set(float64(atomic.LoadInt64(&p.inFlight)))
	}
	defer func() {
		atomic.AddInt64(&p.inFlight, -1)
		if p.gaugeVec != nil {
			p.gaugeVec.Set(float64(atomic.LoadInt64(&p.inFlight)))
		}
		<-p.sem
	}()
	fn()
}

// InFlight reports the number of tasks currently executing.
func (p *Pool) InFlight() int { return int(atomic.LoadInt64(&p.inFlight)) }

// Queued reports the number of tasks currently waiting for a concurrency slot.
func (p *Pool) Queued() int { return int(atomic.LoadInt64(&p.queued)) }

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }
