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

package pool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/narwhal/internal/config"
	"github.com/sandboxrun/narwhal/internal/core"
)

// stubResolver prepends prefix to bare references, like the real resolver
// does with CUSTOM_IMAGE_REGISTRY configured.
type stubResolver struct {
	prefix string
}

func (s stubResolver) Resolve(ref string) (string, error) {
	if ref == "" || strings.ContainsAny(ref, " \t") {
		return "", core.NewImageResolveError("malformed image reference", nil)
	}
	if s.prefix == "" || strings.Contains(ref, "/") {
		return ref, nil
	}
	return s.prefix + "/" + ref, nil
}

func (s stubResolver) Ensure(ctx context.Context, canonicalRef string) (bool, error) {
	return false, nil
}

type countingDestroyer struct {
	removed atomic.Int64
}

func (d *countingDestroyer) ContainerRemove(ctx context.Context, id string, force bool) error {
	d.removed.Add(1)
	return nil
}

type countingMetrics struct {
	created   atomic.Int64
	destroyed atomic.Int64
}

func (m *countingMetrics) RecordContainerCreated()   { m.created.Add(1) }
func (m *countingMetrics) RecordContainerDestroyed() { m.destroyed.Add(1) }

func testConfig(customPools ...config.CustomPool) *config.Config {
	return &config.Config{
		PoolSize:    2,
		BaseImage:   "alpine:latest",
		Timeout:     5,
		CustomPools: customPools,
	}
}

func newTestRegistry(t *testing.T, resolver Resolver, cfg *config.Config) (*Registry, *stubCreator, *countingDestroyer) {
	t.Helper()
	creator := &stubCreator{}
	destroyer := &countingDestroyer{}
	r, err := NewRegistry(cfg, resolver, creator, destroyer, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r, creator, destroyer
}

func TestRegistryBuildsDefaultAndCustomPools(t *testing.T) {
	cfg := testConfig(config.CustomPool{Image: "python:3.12", Size: 1})
	r, _, _ := newTestRegistry(t, stubResolver{}, cfg)

	assert.Equal(t, 2, r.PoolCount())
	_, ok := r.poolFor("alpine:latest")
	assert.True(t, ok)
	_, ok = r.poolFor("python:3.12")
	assert.True(t, ok)
	_, ok = r.poolFor("does-not-exist:v0")
	assert.False(t, ok)
}

func TestRegistryDualKeyLookup(t *testing.T) {
	cfg := testConfig(config.CustomPool{Image: "tool:v1", Size: 1})
	r, _, _ := newTestRegistry(t, stubResolver{prefix: "registry.local:5000"}, cfg)

	raw, ok := r.poolFor("tool:v1")
	require.True(t, ok)
	canonical, ok := r.poolFor("registry.local:5000/tool:v1")
	require.True(t, ok)
	assert.Same(t, raw, canonical)
	// Two lookup keys, still two distinct pools (default + custom).
	assert.Equal(t, 2, r.PoolCount())
}

func TestRegistryRejectsCustomPoolCollidingWithDefault(t *testing.T) {
	cfg := testConfig(config.CustomPool{Image: "alpine:latest", Size: 1})
	_, err := NewRegistry(cfg, stubResolver{}, &stubCreator{}, &countingDestroyer{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

func TestDispatchLeasesFromDefaultPool(t *testing.T) {
	r, _, _ := newTestRegistry(t, stubResolver{}, testConfig())

	warmCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.WarmUp(warmCtx))

	var leased *core.Handle
	result, err := r.Dispatch(context.Background(), core.ExecutionRequest{Script: "true"},
		func(ctx context.Context, h *core.Handle) (*core.ExecutionResult, bool) {
			leased = h
			return &core.ExecutionResult{Success: true, ExitCode: 0}, true
		})
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "alpine:latest", leased.PoolKey)
	assert.True(t, result.Success)

	// The clean release returns the handle to its pool.
	require.Eventually(t, func() bool {
		stats := r.Snapshot()["alpine:latest"]
		return stats.AvailableContainers == 2 && stats.InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchEphemeralCreatesAndDestroys(t *testing.T) {
	r, creator, destroyer := newTestRegistry(t, stubResolver{}, testConfig())
	metrics := &countingMetrics{}
	r.SetMetricsRecorder(metrics)

	result, err := r.Dispatch(context.Background(), core.ExecutionRequest{Script: "true", Image: "oneshot:v1"},
		func(ctx context.Context, h *core.Handle) (*core.ExecutionResult, bool) {
			assert.Equal(t, "", h.PoolKey)
			return &core.ExecutionResult{Success: true, ExitCode: 0}, true
		})
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Even a clean ephemeral handle is destroyed, never cached.
	assert.GreaterOrEqual(t, creator.count.Load(), int64(1))
	assert.GreaterOrEqual(t, destroyer.removed.Load(), int64(1))
	assert.Equal(t, int64(1), metrics.created.Load())
	assert.Equal(t, int64(1), metrics.destroyed.Load())
}

func TestDispatchEphemeralBadReference(t *testing.T) {
	r, creator, _ := newTestRegistry(t, stubResolver{}, testConfig())
	before := creator.count.Load()

	result, err := r.Dispatch(context.Background(), core.ExecutionRequest{Script: "true", Image: "bad ref"},
		func(ctx context.Context, h *core.Handle) (*core.ExecutionResult, bool) {
			t.Fatal("execute must not run for an unresolvable reference")
			return nil, false
		})
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.False(t, result.Success)
	assert.Equal(t, -1, result.ExitCode)
	// No container was created on the way to the failure.
	assert.Equal(t, before, creator.count.Load())
}

func TestDispatchFailsFastWhileShuttingDown(t *testing.T) {
	cfg := testConfig()
	creator := &stubCreator{}
	destroyer := &countingDestroyer{}
	r, err := NewRegistry(cfg, stubResolver{}, creator, destroyer, zerolog.Nop())
	require.NoError(t, err)

	r.Shutdown()
	assert.True(t, r.ShuttingDown())

	result, dispatchErr := r.Dispatch(context.Background(), core.ExecutionRequest{Script: "true"},
		func(ctx context.Context, h *core.Handle) (*core.ExecutionResult, bool) {
			t.Fatal("execute must not run after shutdown")
			return nil, false
		})
	require.True(t, errors.Is(dispatchErr, core.ErrServiceShutting))
	require.NotNil(t, result.Error)
	assert.False(t, result.Success)
}

func TestSnapshotKeyedByCanonicalImage(t *testing.T) {
	cfg := testConfig(config.CustomPool{Image: "tool:v1", Size: 1})
	r, _, _ := newTestRegistry(t, stubResolver{prefix: "registry.local:5000"}, cfg)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	_, ok := snap["registry.local:5000/tool:v1"]
	assert.True(t, ok)
	_, ok = snap["registry.local:5000/alpine:latest"]
	assert.True(t, ok)
}
