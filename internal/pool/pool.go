// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package pool implements the bounded, per-image queue of idle sandbox
// handles: acquire (blocking with timeout), release (return-or-discard),
// replenish (async top-up) and drain (on shutdown).
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxrun/narwhal/internal/core"
)

// Creator is the subset of the Sandbox Factory a Pool needs to replenish
// itself. resolvedImage is already canonical, and Replenish runs the pool's
// ImageEnsurer before every create, so the image is locally present by the
// time CreateSandbox is called.
type Creator interface {
	CreateSandbox(ctx context.Context, resolvedImage, poolKey string) (*core.Handle, error)
}

// ImageEnsurer lets Replenish re-resolve/pull the image on a create failure,
// mirroring the backoff policy used for a fresh Ensure call.
type ImageEnsurer interface {
	Ensure(ctx context.Context, canonicalRef string) (pulled bool, err error)
}

// Destroyer is the subset of the Runtime Client Facade a Pool needs to tear
// down a handle it has decided not to keep (an unclean release, or any
// release that arrives once the pool is draining).
type Destroyer interface {
	ContainerRemove(ctx context.Context, id string, force bool) error
}

type waiter struct {
	ch chan *core.Handle
}

// Pool is a bounded set of idle sandboxes for one image.
type Pool struct {
	Key   string // registry lookup key: raw or canonical image reference
	Image string // canonical image reference
	Size  int

	creator   Creator
	ensurer   ImageEnsurer
	destroyer Destroyer
	log       zerolog.Logger

	mu       sync.Mutex
	idle     *list.List                // of *core.Handle
	leased   map[*core.Handle]struct{} // handles currently out on a lease
	waiters  *list.List                // of *waiter, FIFO
	draining bool
	paused   bool

	replenishCh chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}

	// lifetime counters, read via Stats()
	created         int64
	destroyed       int64
	executions      int64
	acquireWaits    int64
	acquireTimeouts int64
}

func New(key, image string, size int, creator Creator, ensurer ImageEnsurer, destroyer Destroyer, log zerolog.Logger) *Pool {
	p := &Pool{
		Key:         key,
		Image:       image,
		Size:        size,
		creator:     creator,
		ensurer:     ensurer,
		destroyer:   destroyer,
		log:         log.With().Str("component", "pool").Str("image", image).Logger(),
		idle:        list.New(),
		leased:      make(map[*core.Handle]struct{}),
		waiters:     list.New(),
		replenishCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go p.replenishLoop()
	return p
}

// Stats is the snapshot the Metrics Aggregator reads per pool.
type Stats struct {
	PoolSize            int
	AvailableContainers int
	InFlight            int
	Executions          int64
	Created             int64
	Destroyed           int64
	AcquireWaits        int64
	AcquireTimeouts     int64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		PoolSize:            p.Size,
		AvailableContainers: p.idle.Len(),
		InFlight:            len(p.leased),
		Executions:          p.executions,
		Created:             p.created,
		Destroyed:           p.destroyed,
		AcquireWaits:        p.acquireWaits,
		AcquireTimeouts:     p.acquireTimeouts,
	}
}

// Acquire returns an idle handle, blocking (honoring ctx's deadline) if none
// is currently idle. Waiters are served FIFO.
func (p *Pool) Acquire(ctx context.Context) (*core.Handle, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, core.NewServiceShuttingDownError()
	}
	if el := p.idle.Front(); el != nil {
		h := p.idle.Remove(el).(*core.Handle)
		p.leased[h] = struct{}{}
		p.mu.Unlock()
		p.signalReplenish()
		return h, nil
	}

	w := &waiter{ch: make(chan *core.Handle, 1)}
	el := p.waiters.PushBack(w)
	p.acquireWaits++
	p.mu.Unlock()

	select {
	case h := <-w.ch:
		if h == nil {
			return nil, core.NewServiceShuttingDownError()
		}
		return h, nil
	case <-ctx.Done():
		p.mu.Lock()
		// Remove our waiter if it hasn't already been served; if a
		// release raced us and already wrote to w.ch, drain it so the
		// handle isn't leaked.
		p.removeWaiter(el)
		p.acquireTimeouts++
		p.mu.Unlock()
		select {
		case h := <-w.ch:
			if h != nil {
				p.Release(h, true)
			}
		default:
		}
		return nil, core.NewPoolExhaustedError(p.Key, ctx.Err())
	}
}

func (p *Pool) removeWaiter(el *list.Element) {
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == el {
			p.waiters.Remove(e)
			return
		}
	}
}

// Release returns h to the idle queue if clean and the pool isn't draining,
// waking one FIFO waiter first if any are queued. Otherwise it destroys h
// itself via the pool's Destroyer — the caller never needs to decide whether
// a handle survives a release, including the case where clean is true but
// the pool started draining concurrently with the in-flight execution.
func (p *Pool) Release(h *core.Handle, clean bool) {
	p.mu.Lock()
	if _, ok := p.leased[h]; !ok {
		// Drain already force-destroyed this lease once its grace period
		// elapsed; nothing left to account for.
		p.mu.Unlock()
		return
	}
	delete(p.leased, h)
	p.executions++

	if clean && !p.draining {
		if el := p.waiters.Front(); el != nil {
			w := p.waiters.Remove(el).(*waiter)
			p.leased[h] = struct{}{}
			p.mu.Unlock()
			w.ch <- h
			return
		}
		p.idle.PushBack(h)
		p.mu.Unlock()
		return
	}

	p.destroyed++
	p.mu.Unlock()
	if p.destroyer != nil {
		_ = p.destroyer.ContainerRemove(context.Background(), h.ContainerID, true)
	}
	p.signalReplenish()
}

func (p *Pool) signalReplenish() {
	select {
	case p.replenishCh <- struct{}{}:
	default:
	}
}

// replenishLoop serializes all container creation for this pool in a single
// goroutine, so Replenish never runs concurrently with itself.
func (p *Pool) replenishLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.replenishCh:
			p.Replenish(context.Background())
		case <-ticker.C:
			p.Replenish(context.Background())
		}
	}
}

// WarmUp blocks until the pool reaches its target size or ctx is done. It
// triggers creation through signalReplenish rather than calling Replenish
// directly, so warm-up never runs concurrently with the background
// replenishLoop that also drives Replenish off its ticker — Replenish stays
// single-goroutine-serialized per pool regardless of who asked for it.
func (p *Pool) WarmUp(ctx context.Context) error {
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	p.signalReplenish()
	for {
		p.mu.Lock()
		deficit := p.Size - (p.idle.Len() + len(p.leased))
		draining := p.draining
		p.mu.Unlock()
		if deficit <= 0 || draining {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			p.signalReplenish()
		}
	}
}

// Replenish creates sandboxes one at a time until idle+inFlight == Size. If
// create fails three times in a row it pauses for 10s before resuming.
// Only ever called from replenishLoop, which serializes it to a single
// goroutine per pool.
func (p *Pool) Replenish(ctx context.Context) {
	p.mu.Lock()
	if p.draining || p.paused {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	failures := 0
	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return
		}
		deficit := p.Size - (p.idle.Len() + len(p.leased))
		p.mu.Unlock()
		if deficit <= 0 {
			return
		}

		if _, err := p.ensurer.Ensure(ctx, p.Image); err != nil {
			p.log.Warn().Err(err).Msg("replenish: image ensure failed")
			failures++
		} else if h, err := p.creator.CreateSandbox(ctx, p.Image, p.Key); err != nil {
			p.log.Warn().Err(err).Msg("replenish: create failed")
			failures++
		} else {
			p.mu.Lock()
			p.created++
			if el := p.waiters.Front(); el != nil {
				// Hand the new sandbox straight to the longest-waiting
				// Acquire, the same way Release does.
				w := p.waiters.Remove(el).(*waiter)
				p.leased[h] = struct{}{}
				p.mu.Unlock()
				w.ch <- h
			} else {
				p.idle.PushBack(h)
				p.mu.Unlock()
			}
			failures = 0
			continue
		}

		if failures >= 3 {
			p.log.Warn().Msg("replenish: pausing after 3 consecutive failures")
			p.mu.Lock()
			p.paused = true
			p.mu.Unlock()
			go func() {
				time.Sleep(10 * time.Second)
				p.mu.Lock()
				p.paused = false
				p.mu.Unlock()
				p.signalReplenish()
			}()
			return
		}
	}
}

// Drain stops accepting new acquires, destroys all idle handles immediately,
// and waits up to grace for in-flight handles to be released (callers of
// Acquire already in flight are expected to Release promptly once their
// request's own context is canceled); any leases still outstanding once
// grace elapses are force-destroyed through the same destroy callback.
func (p *Pool) Drain(grace time.Duration, destroy func(*core.Handle)) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	close(p.stopCh)
	for el := p.waiters.Front(); el != nil; el = el.Next() {
		w := el.Value.(*waiter)
		w.ch <- nil
	}
	p.waiters.Init()
	p.mu.Unlock()

	// Collect the idle handles only once the replenish loop has exited, so a
	// sandbox it was still creating when draining began is destroyed too.
	<-p.doneCh

	p.mu.Lock()
	var idleHandles []*core.Handle
	for el := p.idle.Front(); el != nil; el = el.Next() {
		idleHandles = append(idleHandles, el.Value.(*core.Handle))
	}
	p.destroyed += int64(len(idleHandles))
	p.idle.Init()
	p.mu.Unlock()

	var g errgroup.Group
	for _, h := range idleHandles {
		h := h
		g.Go(func() error {
			destroy(h)
			return nil
		})
	}
	_ = g.Wait()

	deadline := time.After(grace)
	for {
		p.mu.Lock()
		remaining := len(p.leased)
		p.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-deadline:
			p.forceDestroyLeased(destroy)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// forceDestroyLeased tears down every lease still outstanding after Drain's
// grace period. The handles are untracked first, so a straggling Release
// arriving afterwards sees an unknown handle and does nothing instead of
// destroying the same container twice.
func (p *Pool) forceDestroyLeased(destroy func(*core.Handle)) {
	p.mu.Lock()
	var outstanding []*core.Handle
	for h := range p.leased {
		outstanding = append(outstanding, h)
	}
	p.leased = make(map[*core.Handle]struct{})
	p.destroyed += int64(len(outstanding))
	p.mu.Unlock()

	var g errgroup.Group
	for _, h := range outstanding {
		h := h
		p.log.Warn().Str("container", h.ContainerID).Msg("drain: force-destroying in-flight sandbox after grace")
		g.Go(func() error {
			destroy(h)
			return nil
		})
	}
	_ = g.Wait()
}
