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

// Package sandbox builds one runtime container from an image under a fixed
// security/resource profile and hands back a clean core.Handle.
package sandbox

import (
	"context"
	"time"

	"github.com/sandboxrun/narwhal/internal/core"
	"github.com/sandboxrun/narwhal/internal/dockerclient"
)

const (
	startPollInterval = 100 * time.Millisecond
	startPollDeadline = 3 * time.Second
)

// Runtime is the subset of the Runtime Client Facade the factory needs.
type Runtime interface {
	ContainerCreate(ctx context.Context, spec dockerclient.SandboxSpec) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerInspectState(ctx context.Context, id string) (dockerclient.ContainerState, error)
	ContainerRemove(ctx context.Context, id string, force bool) error
}

type Factory struct {
	runtime     Runtime
	memoryBytes int64
	cpuLimit    float64
}

func New(runtime Runtime, memoryBytes int64, cpuLimit float64) *Factory {
	return &Factory{runtime: runtime, memoryBytes: memoryBytes, cpuLimit: cpuLimit}
}

// CreateSandbox creates, starts and waits for canonicalImage to report
// running, returning a clean handle keyed to poolKey ("" for the ephemeral
// path). image must already be present locally (the caller resolves/pulls
// it first).
func (f *Factory) CreateSandbox(ctx context.Context, canonicalImage, poolKey string) (*core.Handle, error) {
	spec := dockerclient.SandboxSpec{
		Image:       canonicalImage,
		MemoryBytes: f.memoryBytes,
		CPULimit:    f.cpuLimit,
	}

	id, err := f.runtime.ContainerCreate(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := f.runtime.ContainerStart(ctx, id); err != nil {
		// Creation succeeded but start did not: remove the partial
		// container before surfacing the error.
		_ = f.runtime.ContainerRemove(context.Background(), id, true)
		return nil, err
	}

	if err := f.waitRunning(ctx, id); err != nil {
		_ = f.runtime.ContainerRemove(context.Background(), id, true)
		return nil, err
	}

	return core.NewHandle(id, canonicalImage, poolKey), nil
}

func (f *Factory) waitRunning(ctx context.Context, id string) error {
	deadline := time.Now().Add(startPollDeadline)
	for {
		state, err := f.runtime.ContainerInspectState(ctx, id)
		if err != nil {
			return err
		}
		if state == dockerclient.StateRunning {
			return nil
		}
		if time.Now().After(deadline) {
			return core.NewSandboxCreationError("container did not reach running state in time", nil)
		}
		select {
		case <-time.After(startPollInterval):
		case <-ctx.Done():
			return core.NewSandboxCreationError("context canceled waiting for container to start", ctx.Err())
		}
	}
}
