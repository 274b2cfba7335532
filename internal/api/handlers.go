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
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxrun/narwhal/internal/core"
	"github.com/sandboxrun/narwhal/internal/metrics"
	"github.com/sandboxrun/narwhal/internal/pool"
)

// Engine is the subset of the Execution Engine the /execute handler needs.
type Engine interface {
	Execute(ctx context.Context, h *core.Handle, script, stdin string, timeout time.Duration) (*core.ExecutionResult, bool)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleExecute implements POST /execute: decode a closed ExecutionRequest
// (unknown fields rejected), reject an empty script, 503 while the registry
// is draining, otherwise dispatch through the pool registry and return the
// Execution Result verbatim regardless of the script's own exit code.
func handleExecute(registry *pool.Registry, dispatch Dispatcher, engine Engine, timeout time.Duration, agg *metrics.Aggregator, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if dispatch.ShuttingDown() {
			writeError(w, http.StatusServiceUnavailable, "service shutting down")
			return
		}

		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()

		var req core.ExecutionRequest
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.Script == "" {
			writeError(w, http.StatusBadRequest, "script must not be empty")
			return
		}

		result, dispatchErr := registry.Dispatch(r.Context(), req, func(ctx context.Context, h *core.Handle) (*core.ExecutionResult, bool) {
			return engine.Execute(ctx, h, req.Script, req.Stdin, timeout)
		})
		if errors.Is(dispatchErr, core.ErrServiceShutting) {
			writeError(w, http.StatusServiceUnavailable, "service shutting down")
			return
		}

		timedOut := result.Error != nil && *result.Error == core.ExecutionTimeoutMessage
		agg.RecordExecution(result.Success, timedOut, result.ExecutionTime)

		log.Debug().
			Bool("success", result.Success).
			Int("exit_code", result.ExitCode).
			Float64("execution_time", result.ExecutionTime).
			Msg("execute dispatched")

		writeJSON(w, http.StatusOK, result)
	}
}

// handleHealth implements GET /health: 200 once the registry is initialized
// and not shutting down, 503 otherwise.
func handleHealth(dispatch Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if dispatch.ShuttingDown() {
			writeError(w, http.StatusServiceUnavailable, "service shutting down")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// handleMetrics implements GET /metrics: the flat JSON snapshot combining
// the Prometheus-backed counters with live pool stats.
func handleMetrics(registry *pool.Registry, agg *metrics.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, agg.Snapshot(registry))
	}
}
