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

// Package execengine delivers a script into a sandbox, runs it, captures its
// output under a wall-clock timeout, and decides whether the sandbox is
// reusable afterward.
package execengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sandboxrun/narwhal/internal/core"
	"github.com/sandboxrun/narwhal/internal/dockerclient"
)

// Runtime is the subset of the Runtime Client Facade the engine needs.
type Runtime interface {
	ContainerExec(ctx context.Context, id string, argv []string, stdin []byte, timeout time.Duration) (dockerclient.ExecResult, error)
	ContainerInspectState(ctx context.Context, id string) (dockerclient.ContainerState, error)
}

type Engine struct {
	runtime Runtime
}

func New(runtime Runtime) *Engine {
	return &Engine{runtime: runtime}
}

// Reusable reports whether h should be returned to its pool after an
// execution: tainted handles, stopped containers and handles past the
// recycling threshold are all destroyed instead.
func Reusable(h *core.Handle, state dockerclient.ContainerState, execCount int) bool {
	if h.IsTainted() {
		return false
	}
	if state != dockerclient.StateRunning {
		return false
	}
	if execCount >= core.MaxExecutionsBeforeRecycle {
		return false
	}
	return true
}

// Execute delivers script into h, runs it with stdin piped to the process,
// enforces timeout, captures stdout/stderr independently (capped at
// core.MaxOutputBytes each), and returns the Execution Result plus whether h
// is reusable afterward.
func (e *Engine) Execute(ctx context.Context, h *core.Handle, script, stdin string, timeout time.Duration) (*core.ExecutionResult, bool) {
	start := time.Now()
	result := &core.ExecutionResult{ExitCode: -1}

	workdir, scriptPath, err := randomWorkdir()
	if err != nil {
		result.WithError("failed to allocate execution workspace")
		h.Taint()
		return finish(result, start), false
	}

	if err := e.writeScript(ctx, h, workdir, scriptPath, script); err != nil {
		result.WithError("failed to deliver script to sandbox")
		h.Taint()
		return finish(result, start), false
	}

	execResult, err := e.runtime.ContainerExec(ctx, h.ContainerID, []string{"/bin/sh", "-c", scriptPath}, []byte(stdin), timeout)
	if err != nil {
		result.WithError(err.Error())
		h.Taint()
		e.cleanupWorkdir(h, workdir)
		return finish(result, start), false
	}

	result.Stdout = core.TruncateOutput(execResult.Stdout)
	result.Stderr = core.TruncateOutput(execResult.Stderr)
	result.ExitCode = execResult.ExitCode

	if execResult.TimedOut {
		h.Taint()
		result.WithError(core.NewExecutionTimeoutError().Error())
		result.ExitCode = -1
	} else {
		result.Success = execResult.ExitCode == 0
	}

	if !e.cleanupWorkdir(h, workdir) {
		h.Taint()
	}

	execCount := h.RecordExecution()
	state, inspectErr := e.runtime.ContainerInspectState(ctx, h.ContainerID)
	if inspectErr != nil {
		state = dockerclient.StateExited
	}
	reusable := Reusable(h, state, execCount)

	return finish(result, start), reusable
}

func finish(result *core.ExecutionResult, start time.Time) *core.ExecutionResult {
	result.ExecutionTime = time.Since(start).Seconds()
	return result
}

// writeScript delivers script into workdir atomically: write to a ".tmp"
// name then rename, so a concurrent inspection of the directory never sees a
// partially-written file. The script body travels as the stdin of the
// delivery exec and is redirected straight to the tmp file by the shell, so
// no quoting or escaping is ever applied to its content.
func (e *Engine) writeScript(ctx context.Context, h *core.Handle, workdir, scriptPath, script string) error {
	tmpPath := scriptPath + ".tmp"
	setup := fmt.Sprintf("mkdir -p %s && cat > %s && chmod +x %s && mv %s %s",
		workdir, tmpPath, tmpPath, tmpPath, scriptPath)

	res, err := e.runtime.ContainerExec(ctx, h.ContainerID, []string{"/bin/sh", "-c", setup}, []byte(script), 10*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("script delivery exited %d: %s", res.ExitCode, string(res.Stderr))
	}
	return nil
}

func (e *Engine) cleanupWorkdir(h *core.Handle, workdir string) bool {
	res, err := e.runtime.ContainerExec(context.Background(), h.ContainerID, []string{"/bin/sh", "-c", "rm -rf " + workdir}, nil, 5*time.Second)
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return true
}

func randomWorkdir() (workdir, scriptPath string, err error) {
	buf := make([]byte, 16)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	name := hex.EncodeToString(buf)
	workdir = "/tmp/" + name
	scriptPath = workdir + "/script.sh"
	return workdir, scriptPath, nil
}
