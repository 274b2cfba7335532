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

// Package core holds the domain types and error vocabulary shared by every
// other internal package: the pool registry, the execution engine, the image
// resolver and the HTTP boundary all classify failures using the same set of
// sentinel kinds instead of matching on error strings.
package core

import "errors"

// ErrKind is the closed set of error kinds observable at the boundary, either
// via the Execution Result's Error field or an HTTP status code.
type ErrKind int

const (
	KindNone ErrKind = iota
	KindValidation
	KindImageResolve
	KindImagePull
	KindSandboxCreation
	KindPoolExhausted
	KindExecutionTimeout
	KindRuntimeAPI
	KindServiceShuttingDown
)

func (k ErrKind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindImageResolve:
		return "ImageResolveError"
	case KindImagePull:
		return "ImagePullError"
	case KindSandboxCreation:
		return "SandboxCreationError"
	case KindPoolExhausted:
		return "PoolExhausted"
	case KindExecutionTimeout:
		return "ExecutionTimeout"
	case KindRuntimeAPI:
		return "RuntimeAPIError"
	case KindServiceShuttingDown:
		return "ServiceShuttingDown"
	default:
		return "Unknown"
	}
}

// Error is a classified error carrying one of the ErrKind values plus a
// human-readable, caller-safe message. It never embeds internal IDs or stack
// traces.
type Error struct {
	Kind ErrKind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.err }

// Is allows errors.Is(err, core.ErrPoolExhausted) style checks against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind ErrKind, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Msg: msg, err: wrapped}
}

// NewValidationError, NewImageResolveError, ... build a classified error of
// the matching kind. wrapped may be nil.
func NewValidationError(msg string, wrapped error) *Error {
	return newErr(KindValidation, msg, wrapped)
}

func NewImageResolveError(msg string, wrapped error) *Error {
	return newErr(KindImageResolve, msg, wrapped)
}

func NewImagePullError(msg string, wrapped error) *Error {
	return newErr(KindImagePull, msg, wrapped)
}

func NewSandboxCreationError(msg string, wrapped error) *Error {
	return newErr(KindSandboxCreation, msg, wrapped)
}

func NewPoolExhaustedError(poolName string, wrapped error) *Error {
	return newErr(KindPoolExhausted, "pool exhausted: "+poolName, wrapped)
}

// ExecutionTimeoutMessage is the literal Error string a timed-out execution
// carries in its Result. Exported so callers outside this
// package (the HTTP handler that feeds the metrics aggregator) can recognize
// a timeout without re-deriving the string.
const ExecutionTimeoutMessage = "execution timeout"

func NewExecutionTimeoutError() *Error {
	return newErr(KindExecutionTimeout, ExecutionTimeoutMessage, nil)
}

func NewRuntimeAPIError(msg string, wrapped error) *Error {
	return newErr(KindRuntimeAPI, msg, wrapped)
}

func NewServiceShuttingDownError() *Error {
	return newErr(KindServiceShuttingDown, "service shutting down", nil)
}

// sentinels usable with errors.Is for kind-only comparisons.
var (
	ErrPoolExhausted     = &Error{Kind: KindPoolExhausted}
	ErrServiceShutting   = &Error{Kind: KindServiceShuttingDown}
	ErrExecutionTimedOut = &Error{Kind: KindExecutionTimeout}
)

// KindOf extracts the ErrKind from err, walking the wrap chain, or KindNone
// if err does not carry a classified error.
func KindOf(err error) ErrKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNone
}
