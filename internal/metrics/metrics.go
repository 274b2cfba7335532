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

// Package metrics is the Metrics Aggregator: counters and gauges across
// pools and the scheduler, exposed as a flat JSON snapshot at GET /metrics.
// The numbers are backed by a private Prometheus registry (client_golang)
// rather than a second, parallel set of hand-rolled counters, so there is
// exactly one source of truth per metric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/sandboxrun/narwhal/internal/pool"
)

type Aggregator struct {
	registry *prometheus.Registry

	executionsTotal     prometheus.Counter
	executionsSuccess   prometheus.Counter
	executionsFailed    prometheus.Counter
	executionsTimeout   prometheus.Counter
	containersCreated   prometheus.Counter
	containersDestroyed prometheus.Counter
	imagePulls          prometheus.Counter
	imagePullFailures   prometheus.Counter

	execTimeSum   prometheus.Counter
	execTimeCount prometheus.Counter
}

func New() *Aggregator {
	a := &Aggregator{registry: prometheus.NewRegistry()}

	a.executionsTotal = a.counter("narwhal_executions_total", "Total executions dispatched.")
	a.executionsSuccess = a.counter("narwhal_executions_success", "Executions that completed successfully.")
	a.executionsFailed = a.counter("narwhal_executions_failed", "Executions that completed unsuccessfully.")
	a.executionsTimeout = a.counter("narwhal_executions_timeout", "Executions that hit the wall-clock timeout.")
	a.containersCreated = a.counter("narwhal_containers_created", "Sandbox containers created.")
	a.containersDestroyed = a.counter("narwhal_containers_destroyed", "Sandbox containers destroyed.")
	a.imagePulls = a.counter("narwhal_image_pulls", "Successful image pulls.")
	a.imagePullFailures = a.counter("narwhal_image_pull_failures", "Image pulls that failed, after retries or on a non-retryable error.")
	a.execTimeSum = a.counter("narwhal_execution_time_sum_seconds", "Sum of execution_time across executions.")
	a.execTimeCount = a.counter("narwhal_execution_time_count", "Count of executions contributing to execution_time_sum.")

	return a
}

func (a *Aggregator) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	a.registry.MustRegister(c)
	return c
}

// RecordExecution updates the execution-scoped counters for one completed
// execution.
func (a *Aggregator) RecordExecution(success, timedOut bool, executionTimeSeconds float64) {
	a.executionsTotal.Inc()
	if timedOut {
		a.executionsTimeout.Inc()
	}
	if success {
		a.executionsSuccess.Inc()
	} else {
		a.executionsFailed.Inc()
	}
	a.execTimeSum.Add(executionTimeSeconds)
	a.execTimeCount.Inc()
}

func (a *Aggregator) RecordContainerCreated()   { a.containersCreated.Inc() }
func (a *Aggregator) RecordContainerDestroyed() { a.containersDestroyed.Inc() }
func (a *Aggregator) RecordImagePull()          { a.imagePulls.Inc() }
func (a *Aggregator) RecordImagePullFailure()   { a.imagePullFailures.Inc() }

// PoolMetrics is the per-image entry of the JSON snapshot's pool_metrics map.
type PoolMetrics struct {
	PoolSize            int   `json:"pool_size"`
	AvailableContainers int   `json:"available_containers"`
	TotalExecutions     int64 `json:"total_executions"`
}

// Snapshot is the flat, JSON-serializable structure served at GET /metrics.
type Snapshot struct {
	PoolsActive              int                    `json:"pools_active"`
	TotalAvailableContainers int                    `json:"total_available_containers"`
	PoolMetrics              map[string]PoolMetrics `json:"pool_metrics"`

	ExecutionsTotal     float64 `json:"executions_total"`
	ExecutionsSuccess   float64 `json:"executions_success"`
	ExecutionsFailed    float64 `json:"executions_failed"`
	ExecutionsTimeout   float64 `json:"executions_timeout"`
	ContainersCreated   float64 `json:"containers_created"`
	ContainersDestroyed float64 `json:"containers_destroyed"`
	ImagePulls          float64 `json:"image_pulls"`
	ImagePullFailures   float64 `json:"image_pull_failures"`
	PoolAcquireTimeouts float64 `json:"pool_acquire_timeouts"`
	ExecutionTimeSum    float64 `json:"execution_time_sum"`
	ExecutionTimeCount  float64 `json:"execution_time_count"`
}

// Snapshot gathers the registered Prometheus metrics plus the registry's
// per-pool Stats into the flat JSON structure served at GET /metrics.
//
// containers_created/containers_destroyed and pool_acquire_timeouts are
// authoritatively tracked per-pool already (internal/pool.Pool.Stats), so
// the global figure sums that across every distinct pool and adds in the
// Aggregator's own counters, which only the ephemeral path (no Pool of its
// own) feeds via RecordContainerCreated/RecordContainerDestroyed.
func (a *Aggregator) Snapshot(reg *pool.Registry) Snapshot {
	poolStats := reg.Snapshot()

	s := Snapshot{
		PoolsActive: len(poolStats),
		PoolMetrics: make(map[string]PoolMetrics, len(poolStats)),

		ExecutionsTotal:     readCounter(a.executionsTotal),
		ExecutionsSuccess:   readCounter(a.executionsSuccess),
		ExecutionsFailed:    readCounter(a.executionsFailed),
		ExecutionsTimeout:   readCounter(a.executionsTimeout),
		ContainersCreated:   readCounter(a.containersCreated),
		ContainersDestroyed: readCounter(a.containersDestroyed),
		ImagePulls:          readCounter(a.imagePulls),
		ImagePullFailures:   readCounter(a.imagePullFailures),
		ExecutionTimeSum:    readCounter(a.execTimeSum),
		ExecutionTimeCount:  readCounter(a.execTimeCount),
	}

	for image, stats := range poolStats {
		s.TotalAvailableContainers += stats.AvailableContainers
		s.ContainersCreated += float64(stats.Created)
		s.ContainersDestroyed += float64(stats.Destroyed)
		s.PoolAcquireTimeouts += float64(stats.AcquireTimeouts)
		s.PoolMetrics[image] = PoolMetrics{
			PoolSize:            stats.PoolSize,
			AvailableContainers: stats.AvailableContainers,
			TotalExecutions:     stats.Executions,
		}
	}

	return s
}

// readCounter reads the current value back out of a prometheus.Counter via
// its Write method (the same mechanism the registry's own scrape path uses),
// rather than keeping a second, parallel float64 next to each counter.
func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
