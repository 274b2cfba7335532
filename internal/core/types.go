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

package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Health describes whether a Sandbox Handle is safe to return to its pool.
type Health int

const (
	Clean Health = iota
	Tainted
)

// Handle represents one runtime container owned by the scheduler. It carries
// a non-owning PoolKey rather than a pointer back to its Pool, so ownership
// stays one-directional (Pool owns Handle) even though replenishment needs to
// know which pool a destroyed handle belonged to.
type Handle struct {
	ID string // internal correlation id (uuid), not the container id

	mu          sync.Mutex
	ContainerID string
	Image       string // canonical image reference the handle was created from
	PoolKey     string // "" for ephemeral (unpooled) handles
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExecCount   int
	health      Health
}

// NewHandle builds a clean handle for containerID created from image, keyed
// to poolKey ("" for the ephemeral path).
func NewHandle(containerID, image, poolKey string) *Handle {
	now := time.Now()
	return &Handle{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		Image:       image,
		PoolKey:     poolKey,
		CreatedAt:   now,
		LastUsedAt:  now,
		health:      Clean,
	}
}

func (h *Handle) Taint() {
	h.mu.Lock()
	h.health = Tainted
	h.mu.Unlock()
}

func (h *Handle) IsTainted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health == Tainted
}

func (h *Handle) RecordExecution() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ExecCount++
	h.LastUsedAt = time.Now()
	return h.ExecCount
}

// MaxExecutionsBeforeRecycle bounds how many scripts a single sandbox runs
// before the scheduler recycles it, limiting fs/memory drift inside a
// long-lived container. Tune here if that trade-off changes.
const MaxExecutionsBeforeRecycle = 100

// ExecutionRequest is the closed request schema accepted at POST /execute.
// Unknown JSON fields are rejected rather than silently ignored, so callers
// get an explicit error instead of a request that only partially took effect.
type ExecutionRequest struct {
	Script string `json:"script"`
	Stdin  string `json:"stdin,omitempty"`
	Image  string `json:"image,omitempty"`
}

// ExecutionResult is returned verbatim as the JSON body of POST /execute,
// regardless of the script's own exit code.
type ExecutionResult struct {
	Success       bool    `json:"success"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
	Error         *string `json:"error"`
}

// WithError sets r.Error to msg and marks the result unsuccessful; returns r
// for chaining in a return statement.
func (r *ExecutionResult) WithError(msg string) *ExecutionResult {
	r.Success = false
	r.Error = &msg
	return r
}

// MaxOutputBytes caps each of stdout/stderr before the truncation marker is
// appended. Fixed rather than configurable so results stay deterministic
// across deployments.
const MaxOutputBytes = 1 << 20

const TruncationMarker = "\n[...output truncated]"

// TruncateOutput caps b at MaxOutputBytes, appending TruncationMarker when it
// had to cut.
func TruncateOutput(b []byte) string {
	if len(b) <= MaxOutputBytes {
		return string(b)
	}
	return string(b[:MaxOutputBytes]) + TruncationMarker
}
