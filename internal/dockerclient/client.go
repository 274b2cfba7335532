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

// Package dockerclient is the Runtime Client Facade: a thin adapter over the
// Docker Engine API that normalizes every transport/API failure into the
// small set of error kinds from internal/core, and fixes the sandbox
// creation spec so callers never choose their own security profile.
package dockerclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandboxrun/narwhal/internal/core"
)

// ContainerState mirrors ContainerInspectState's three possible outcomes.
type ContainerState int

const (
	StateRunning ContainerState = iota
	StateExited
	StateMissing
)

// SandboxSpec is the fixed, non-caller-controllable profile every sandbox
// container is created with. Callers pick the image and the resource caps;
// the security profile is not theirs to change.
type SandboxSpec struct {
	Image       string
	MemoryBytes int64
	CPULimit    float64 // fractional cores, e.g. 0.5
}

// ExecResult carries the outcome of a ContainerExec call.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
}

// Client wraps *client.Client with the operations the rest of the scheduler
// needs, normalizing errors at the boundary. Safe for concurrent use: the
// underlying docker client.Client already is.
type Client struct {
	cli *client.Client
}

// New dials the local Docker socket via the standard DOCKER_HOST/TLS
// environment, negotiating the API version with the daemon.
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, core.NewRuntimeAPIError("docker client init failed", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

// ImageExists reports whether ref is present in the local image cache.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := c.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, core.NewRuntimeAPIError("image inspect failed", err)
}

// ImagePull pulls ref, bounded by timeout, draining the pull's progress
// stream (the engine streams newline-delimited JSON progress events; the
// facade only cares about the final error, if any).
func (c *Client) ImagePull(ctx context.Context, ref string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rc, err := c.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return classifyPullError(ref, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return classifyPullError(ref, err)
	}
	return nil
}

func classifyPullError(ref string, err error) error {
	msg := err.Error()
	switch {
	case client.IsErrNotFound(err) || strings.Contains(msg, "not found"):
		return core.NewImageResolveError(fmt.Sprintf("image %q not found in registry", ref), err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication required"):
		return core.NewImageResolveError(fmt.Sprintf("authentication required for image %q", ref), err)
	default:
		return core.NewImagePullError(fmt.Sprintf("pull failed for image %q", ref), err)
	}
}

// ContainerCreate creates (but does not start) a sandbox container from
// spec, returning its container id.
func (c *Client) ContainerCreate(ctx context.Context, spec SandboxSpec) (string, error) {
	nanoCPUs := int64(spec.CPULimit * 1e9)

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: nanoCPUs,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,size=64m",
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", core.NewSandboxCreationError("container create failed", err)
	}
	return resp.ID, nil
}

func (c *Client) ContainerStart(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return core.NewSandboxCreationError("container start failed", err)
	}
	return nil
}

// ContainerInspectState reports the coarse running/exited/missing state used
// by the reusability decision and by CreateSandbox's start-poll.
func (c *Client) ContainerInspectState(ctx context.Context, id string) (ContainerState, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StateMissing, nil
		}
		return StateMissing, core.NewRuntimeAPIError("container inspect failed", err)
	}
	if info.State != nil && info.State.Running {
		return StateRunning, nil
	}
	return StateExited, nil
}

func (c *Client) ContainerStop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return core.NewRuntimeAPIError("container stop failed", err)
	}
	return nil
}

func (c *Client) ContainerRemove(ctx context.Context, id string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force}); err != nil {
		return core.NewRuntimeAPIError("container remove failed", err)
	}
	return nil
}

// ContainerExec runs argv inside id's default user, piping stdin and
// capturing stdout/stderr independently (no interleaving), enforcing
// timeout. On timeout it sends SIGTERM to the exec'd process group, waits
// 2s, then sends SIGKILL.
func (c *Client) ContainerExec(ctx context.Context, id string, argv []string, stdin []byte, timeout time.Duration) (ExecResult, error) {
	execConfig := types.ExecConfig{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          argv,
	}

	created, err := c.cli.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		return ExecResult{}, core.NewRuntimeAPIError("exec create failed", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, core.NewRuntimeAPIError("exec attach failed", err)
	}
	defer attach.Close()

	if len(stdin) > 0 {
		_, _ = attach.Conn.Write(stdin)
	}
	_ = attach.CloseWrite()

	var stdoutBuf, stderrBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		copyDone <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-copyDone:
	case <-timer.C:
		timedOut = true
		c.killExec(ctx, id, created.ID)
		<-copyDone
	case <-ctx.Done():
		timedOut = true
		c.killExec(ctx, id, created.ID)
		<-copyDone
	}

	inspectCtx, inspectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	inspect, err := c.cli.ContainerExecInspect(inspectCtx, created.ID)
	inspectCancel()
	exitCode := -1
	if err == nil {
		exitCode = inspect.ExitCode
	}

	return ExecResult{
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
		ExitCode: exitCode,
		TimedOut: timedOut,
	}, nil
}

// killExec sends SIGTERM to the exec'd process group, waits a fixed 2s, then
// sends SIGKILL, using the exec's own PID discovered via inspect.
// Signaling -PID reaches every process the script spawned (backgrounded
// children, pipeline members), not just the shell itself; when the exec'd
// process is not a group leader the group kill fails and the single PID is
// signaled instead. Both signals are delivered through a second,
// best-effort exec of "kill" inside the same container, since the Engine
// API has no direct "signal this exec" call.
func (c *Client) killExec(_ context.Context, containerID, execID string) {
	bg := context.Background()
	inspect, err := c.cli.ContainerExecInspect(bg, execID)
	if err != nil || inspect.Pid == 0 {
		return
	}
	pid := inspect.Pid

	signalOnce := func(sig string) {
		killCfg := types.ExecConfig{
			Cmd: []string{"sh", "-c", fmt.Sprintf("kill -%s -- -%d 2>/dev/null || kill -%s %d", sig, pid, sig, pid)},
		}
		created, err := c.cli.ContainerExecCreate(bg, containerID, killCfg)
		if err != nil {
			return
		}
		_ = c.cli.ContainerExecStart(bg, created.ID, types.ExecStartCheck{})
	}

	signalOnce("TERM")
	time.Sleep(2 * time.Second)
	signalOnce("KILL")
}
