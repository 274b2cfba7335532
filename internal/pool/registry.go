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

// Package pool also holds the Registry (Pool Registry / Scheduler):
// it maps image reference to Pool, routes execution requests to a pool
// lease or an ephemeral sandbox, and owns startup warm-up and shutdown
// drain of every pool it holds.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxrun/narwhal/internal/config"
	"github.com/sandboxrun/narwhal/internal/core"
)

// Resolver is the subset of the Image Resolver the registry needs.
type Resolver interface {
	Resolve(ref string) (string, error)
	Ensure(ctx context.Context, canonicalRef string) (pulled bool, err error)
}

// ContainerMetricsRecorder is the narrow slice of the Metrics Aggregator the
// registry needs for the ephemeral path, whose creates and destroys never
// touch a Pool's own Created/Destroyed counters.
type ContainerMetricsRecorder interface {
	RecordContainerCreated()
	RecordContainerDestroyed()
}

type noopContainerMetricsRecorder struct{}

func (noopContainerMetricsRecorder) RecordContainerCreated()   {}
func (noopContainerMetricsRecorder) RecordContainerDestroyed() {}

// Registry is the Pool Registry / Scheduler: built once at startup, its
// membership is then immutable even though the Pools within it mutate
// continuously.
type Registry struct {
	pools     map[string]*Pool // keyed by raw or canonical image ref
	resolver  Resolver
	factory   Creator
	destroyer Destroyer
	log       zerolog.Logger
	metrics   ContainerMetricsRecorder

	defaultKey string
	timeout    time.Duration

	shuttingDown atomic.Bool
}

// SetMetricsRecorder wires m into the registry so the ephemeral path's
// creates and destroys (which bypass any Pool's own counters) update the
// Metrics Aggregator's containers_created/containers_destroyed. Optional: an
// unwired registry silently no-ops instead of counting.
func (r *Registry) SetMetricsRecorder(m ContainerMetricsRecorder) {
	r.metrics = m
}

// NewRegistry builds the default pool (cfg.BaseImage, size cfg.PoolSize) and
// one pool per cfg.CustomPools entry. It does not warm them up; call
// WarmUp for that.
func NewRegistry(cfg *config.Config, resolver Resolver, factory Creator, destroyer Destroyer, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		pools:     make(map[string]*Pool),
		resolver:  resolver,
		factory:   factory,
		destroyer: destroyer,
		log:       log.With().Str("component", "registry").Logger(),
		metrics:   noopContainerMetricsRecorder{},
		timeout:   time.Duration(cfg.Timeout) * time.Second,
	}

	baseCanonical, err := resolver.Resolve(cfg.BaseImage)
	if err != nil {
		return nil, err
	}
	r.defaultKey = cfg.BaseImage
	r.pools[cfg.BaseImage] = New(cfg.BaseImage, baseCanonical, cfg.PoolSize, factory, resolver, destroyer, log)
	if baseCanonical != cfg.BaseImage {
		r.pools[baseCanonical] = r.pools[cfg.BaseImage]
	}

	for _, cp := range cfg.CustomPools {
		canonical, err := resolver.Resolve(cp.Image)
		if err != nil {
			return nil, err
		}
		if _, exists := r.pools[cp.Image]; exists {
			return nil, fmt.Errorf("CUSTOM_POOLS entry %q collides with an existing pool key", cp.Image)
		}
		p := New(cp.Image, canonical, cp.Size, factory, resolver, destroyer, log)
		r.pools[cp.Image] = p
		if canonical != cp.Image {
			r.pools[canonical] = p
		}
	}

	return r, nil
}

// WarmUp pre-warms every distinct pool in parallel. The registry becomes
// ready to accept requests as soon as this returns, even if pools have not
// yet reached target size — Acquire simply blocks/times out until
// replenishment catches up.
func (r *Registry) WarmUp(ctx context.Context) error {
	seen := make(map[*Pool]bool)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.pools {
		if seen[p] {
			continue
		}
		seen[p] = true
		p := p
		g.Go(func() error {
			if err := p.WarmUp(gctx); err != nil {
				r.log.Warn().Err(err).Str("pool", p.Key).Msg("warm-up did not reach target size in time")
			}
			return nil
		})
	}
	return g.Wait()
}

// poolFor looks up a pool by raw or canonical reference, tolerating
// operator-supplied custom-pool names that omit the configured registry
// prefix.
func (r *Registry) poolFor(rawImage string) (*Pool, bool) {
	if p, ok := r.pools[rawImage]; ok {
		return p, true
	}
	canonical, err := r.resolver.Resolve(rawImage)
	if err != nil {
		return nil, false
	}
	p, ok := r.pools[canonical]
	return p, ok
}

// Dispatch routes req to a pool lease, or to a single-use ephemeral sandbox
// when no pool matches, and runs it via execute. The returned error is
// non-nil only for a ServiceShuttingDown condition (checkable with
// errors.Is(err, core.ErrServiceShutting)) so the HTTP boundary can map it to
// a 503 even when shutdown begins after its own initial check; every other
// failure is embedded in the returned Result instead.
func (r *Registry) Dispatch(ctx context.Context, req core.ExecutionRequest, execute func(ctx context.Context, h *core.Handle) (*core.ExecutionResult, bool)) (*core.ExecutionResult, error) {
	if r.shuttingDown.Load() {
		err := core.NewServiceShuttingDownError()
		return emptyResult(err), err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, r.acquireTimeout())
	defer cancel()

	var p *Pool
	var ok bool
	if req.Image == "" {
		p, ok = r.pools[r.defaultKey], true
	} else {
		p, ok = r.poolFor(req.Image)
	}

	if ok {
		return r.dispatchPooled(acquireCtx, ctx, p, execute)
	}
	return r.dispatchEphemeral(ctx, req.Image, execute)
}

func (r *Registry) acquireTimeout() time.Duration {
	if r.timeout <= 0 {
		return 30 * time.Second
	}
	return r.timeout
}

// dispatchPooled acquires a handle bounded by acquireCtx (the Registry's own
// acquire-timeout deadline) but runs execute against execCtx — the caller's
// original, unbounded-by-acquire context — so time spent waiting for a free
// sandbox never eats into the script's own execution timeout.
func (r *Registry) dispatchPooled(acquireCtx, execCtx context.Context, p *Pool, execute func(ctx context.Context, h *core.Handle) (*core.ExecutionResult, bool)) (*core.ExecutionResult, error) {
	h, err := p.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, core.ErrServiceShutting) {
			return emptyResult(err), err
		}
		return emptyResult(err), nil
	}

	result, reusable := execute(execCtx, h)

	p.Release(h, reusable)

	return result, nil
}

func (r *Registry) dispatchEphemeral(ctx context.Context, rawImage string, execute func(ctx context.Context, h *core.Handle) (*core.ExecutionResult, bool)) (*core.ExecutionResult, error) {
	canonical, err := r.resolver.Resolve(rawImage)
	if err != nil {
		return emptyResult(err), nil
	}
	if _, err := r.resolver.Ensure(ctx, canonical); err != nil {
		return emptyResult(err), nil
	}

	h, err := r.factory.CreateSandbox(ctx, canonical, "")
	if err != nil {
		return emptyResult(err), nil
	}
	r.metrics.RecordContainerCreated()

	result, _ := execute(ctx, h)
	// The ephemeral path never caches: destroy regardless of cleanliness.
	_ = r.destroyer.ContainerRemove(context.Background(), h.ContainerID, true)
	r.metrics.RecordContainerDestroyed()

	return result, nil
}

func emptyResult(err error) *core.ExecutionResult {
	r := &core.ExecutionResult{ExitCode: -1}
	return r.WithError(err.Error())
}

// Shutdown marks the registry as shutting down (new Dispatch calls fail
// fast) then drains every distinct pool concurrently with a 30s grace.
func (r *Registry) Shutdown() {
	r.shuttingDown.Store(true)

	seen := make(map[*Pool]bool)
	done := make(chan struct{})
	var pending int
	for _, p := range r.pools {
		if seen[p] {
			continue
		}
		seen[p] = true
		pending++
		go func(p *Pool) {
			p.Drain(30*time.Second, func(h *core.Handle) {
				_ = r.destroyer.ContainerRemove(context.Background(), h.ContainerID, true)
			})
			done <- struct{}{}
		}(p)
	}
	for i := 0; i < pending; i++ {
		<-done
	}
}

// Snapshot returns a read-only view of every distinct pool's stats, keyed by
// canonical image, for the Metrics Aggregator.
func (r *Registry) Snapshot() map[string]Stats {
	seen := make(map[*Pool]bool)
	out := make(map[string]Stats)
	for _, p := range r.pools {
		if seen[p] {
			continue
		}
		seen[p] = true
		out[p.Image] = p.Stats()
	}
	return out
}

// ShuttingDown reports whether Shutdown has been called.
func (r *Registry) ShuttingDown() bool { return r.shuttingDown.Load() }

// PoolCount returns the number of distinct pools (not lookup keys) in the
// registry.
func (r *Registry) PoolCount() int {
	seen := make(map[*Pool]bool)
	for _, p := range r.pools {
		seen[p] = true
	}
	return len(seen)
}
