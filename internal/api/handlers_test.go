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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/narwhal/internal/config"
	"github.com/sandboxrun/narwhal/internal/core"
	"github.com/sandboxrun/narwhal/internal/metrics"
	"github.com/sandboxrun/narwhal/internal/pool"
)

type identityResolver struct{}

func (identityResolver) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", core.NewImageResolveError("empty image reference", nil)
	}
	return ref, nil
}

func (identityResolver) Ensure(ctx context.Context, canonicalRef string) (bool, error) {
	return false, nil
}

type fakeFactory struct {
	count atomic.Int64
}

func (f *fakeFactory) CreateSandbox(ctx context.Context, resolvedImage, poolKey string) (*core.Handle, error) {
	n := f.count.Add(1)
	return core.NewHandle("container-"+strconv.FormatInt(n, 10), resolvedImage, poolKey), nil
}

type fakeDestroyer struct{}

func (fakeDestroyer) ContainerRemove(ctx context.Context, id string, force bool) error { return nil }

// echoEngine mimics a shell that writes the script's stdin back to stdout.
type echoEngine struct{}

func (echoEngine) Execute(ctx context.Context, h *core.Handle, script, stdin string, timeout time.Duration) (*core.ExecutionResult, bool) {
	return &core.ExecutionResult{
		Success:       true,
		Stdout:        stdin,
		ExitCode:      0,
		ExecutionTime: 0.01,
	}, true
}

func newTestServer(t *testing.T) (*httptest.Server, *pool.Registry, *metrics.Aggregator) {
	t.Helper()
	cfg := &config.Config{PoolSize: 1, BaseImage: "alpine:latest", Timeout: 5}
	registry, err := pool.NewRegistry(cfg, identityResolver{}, &fakeFactory{}, fakeDestroyer{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(registry.Shutdown)

	warmCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, registry.WarmUp(warmCtx))

	agg := metrics.New()
	router := newRouter(registry, registry, echoEngine{}, 5*time.Second, agg, zerolog.Nop())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, registry, agg
}

func TestExecuteReturnsResultVerbatim(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/execute", "application/json",
		strings.NewReader(`{"script":"cat","stdin":"abc"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result core.ExecutionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, "abc", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
	assert.Nil(t, result.Error)
}

func TestExecuteRejectsMalformedBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(`{not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteRejectsEmptyScript(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(`{"script":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteRejectsUnknownFields(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/execute", "application/json",
		strings.NewReader(`{"script":"true","shell":"/bin/zsh"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteReturns503WhileShuttingDown(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	registry.Shutdown()

	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(`{"script":"true"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestMetricsSnapshotShape(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// One execution so the counters have something to show.
	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(`{"script":"true"}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 1, snap.PoolsActive)
	assert.Equal(t, float64(1), snap.ExecutionsTotal)
	assert.Equal(t, float64(1), snap.ExecutionsSuccess)

	pm, ok := snap.PoolMetrics["alpine:latest"]
	require.True(t, ok)
	assert.Equal(t, 1, pm.PoolSize)
	assert.Equal(t, int64(1), pm.TotalExecutions)
}
