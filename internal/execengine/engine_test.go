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

package execengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/narwhal/internal/core"
	"github.com/sandboxrun/narwhal/internal/dockerclient"
)

type stubRuntime struct {
	execResults []dockerclient.ExecResult
	execErrs    []error
	callIdx     int
	state       dockerclient.ContainerState
	stateErr    error
}

func (s *stubRuntime) ContainerExec(ctx context.Context, id string, argv []string, stdin []byte, timeout time.Duration) (dockerclient.ExecResult, error) {
	i := s.callIdx
	s.callIdx++
	var res dockerclient.ExecResult
	var err error
	if i < len(s.execResults) {
		res = s.execResults[i]
	}
	if i < len(s.execErrs) {
		err = s.execErrs[i]
	}
	return res, err
}

func (s *stubRuntime) ContainerInspectState(ctx context.Context, id string) (dockerclient.ContainerState, error) {
	return s.state, s.stateErr
}

func TestExecuteSuccessIsReusable(t *testing.T) {
	rt := &stubRuntime{
		execResults: []dockerclient.ExecResult{
			{ExitCode: 0}, // script delivery
			{ExitCode: 0, Stdout: []byte("hi\n")}, // run
			{ExitCode: 0}, // cleanup
		},
		state: dockerclient.StateRunning,
	}
	e := New(rt)
	h := core.NewHandle("c1", "alpine:latest", "alpine:latest")

	result, reusable := e.Execute(context.Background(), h, "echo hi", "", time.Second)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "hi\n", result.Stdout)
	assert.True(t, reusable)
	assert.Equal(t, 1, h.ExecCount)
}

func TestExecuteNonZeroExitStillReportsOutput(t *testing.T) {
	rt := &stubRuntime{
		execResults: []dockerclient.ExecResult{
			{ExitCode: 0},
			{ExitCode: 7, Stderr: []byte("boom\n")},
			{ExitCode: 0},
		},
		state: dockerclient.StateRunning,
	}
	e := New(rt)
	h := core.NewHandle("c1", "alpine:latest", "alpine:latest")

	result, reusable := e.Execute(context.Background(), h, "exit 7", "", time.Second)
	assert.False(t, result.Success)
	assert.Equal(t, 7, result.ExitCode)
	assert.Equal(t, "boom\n", result.Stderr)
	assert.True(t, reusable)
}

func TestExecuteTimeoutTaintsHandle(t *testing.T) {
	rt := &stubRuntime{
		execResults: []dockerclient.ExecResult{
			{ExitCode: 0},
			{TimedOut: true, ExitCode: -1},
		},
		state: dockerclient.StateRunning,
	}
	e := New(rt)
	h := core.NewHandle("c1", "alpine:latest", "alpine:latest")

	result, reusable := e.Execute(context.Background(), h, "sleep 100", "", time.Millisecond)
	require.NotNil(t, result.Error)
	assert.False(t, reusable)
	assert.True(t, h.IsTainted())
}

func TestReusableFalseWhenNotRunning(t *testing.T) {
	h := core.NewHandle("c1", "alpine:latest", "alpine:latest")
	assert.False(t, Reusable(h, dockerclient.StateExited, 1))
}

func TestReusableFalseAtExecutionCeiling(t *testing.T) {
	h := core.NewHandle("c1", "alpine:latest", "alpine:latest")
	assert.False(t, Reusable(h, dockerclient.StateRunning, core.MaxExecutionsBeforeRecycle))
}

func TestReusableTrueUnderCeilingAndClean(t *testing.T) {
	h := core.NewHandle("c1", "alpine:latest", "alpine:latest")
	assert.True(t, Reusable(h, dockerclient.StateRunning, core.MaxExecutionsBeforeRecycle-1))
}
