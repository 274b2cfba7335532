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

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/narwhal/internal/config"
	"github.com/sandboxrun/narwhal/internal/core"
	"github.com/sandboxrun/narwhal/internal/pool"
)

type stubResolver struct{}

func (stubResolver) Resolve(ref string) (string, error) { return ref, nil }
func (stubResolver) Ensure(ctx context.Context, canonicalRef string) (bool, error) {
	return false, nil
}

type stubCreator struct{}

func (stubCreator) CreateSandbox(ctx context.Context, resolvedImage, poolKey string) (*core.Handle, error) {
	return core.NewHandle("container-1", resolvedImage, poolKey), nil
}

type stubDestroyer struct{}

func (stubDestroyer) ContainerRemove(ctx context.Context, id string, force bool) error { return nil }

func newTestRegistry(t *testing.T) *pool.Registry {
	t.Helper()
	cfg := &config.Config{PoolSize: 1, BaseImage: "alpine:latest", Timeout: 5}
	reg, err := pool.NewRegistry(cfg, stubResolver{}, stubCreator{}, stubDestroyer{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(reg.Shutdown)
	return reg
}

func TestRecordExecutionAccumulates(t *testing.T) {
	a := New()
	a.RecordExecution(true, false, 0.5)
	a.RecordExecution(false, true, 1.5)

	snap := a.Snapshot(newTestRegistry(t))
	assert.Equal(t, float64(2), snap.ExecutionsTotal)
	assert.Equal(t, float64(1), snap.ExecutionsSuccess)
	assert.Equal(t, float64(1), snap.ExecutionsFailed)
	assert.Equal(t, float64(1), snap.ExecutionsTimeout)
	assert.Equal(t, float64(2), snap.ExecutionTimeSum)
	assert.Equal(t, float64(2), snap.ExecutionTimeCount)
}

func TestRecordCounters(t *testing.T) {
	a := New()
	a.RecordContainerCreated()
	a.RecordContainerCreated()
	a.RecordContainerDestroyed()
	a.RecordImagePull()
	a.RecordImagePullFailure()

	snap := a.Snapshot(newTestRegistry(t))
	assert.Equal(t, float64(2), snap.ContainersCreated)
	assert.Equal(t, float64(1), snap.ContainersDestroyed)
	assert.Equal(t, float64(1), snap.ImagePulls)
	assert.Equal(t, float64(1), snap.ImagePullFailures)
}

func TestSnapshotReflectsPoolSize(t *testing.T) {
	a := New()
	reg := newTestRegistry(t)
	require.Eventually(t, func() bool {
		return reg.Snapshot()["alpine:latest"].AvailableContainers == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap := a.Snapshot(reg)
	assert.Equal(t, 1, snap.PoolsActive)
	assert.Equal(t, 1, snap.TotalAvailableContainers)
	assert.Equal(t, 1, snap.PoolMetrics["alpine:latest"].PoolSize)
}
