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

// Package imageresolve normalizes image references and ensures they are
// present locally, pulling with bounded retry and deduplicating concurrent
// pulls of the same reference via singleflight.
package imageresolve

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sandboxrun/narwhal/internal/core"
)

// Runtime is the subset of the Runtime Client Facade the resolver needs.
type Runtime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImagePull(ctx context.Context, ref string, timeout time.Duration) error
}

// MetricsRecorder is the narrow slice of the Metrics Aggregator the resolver
// needs; satisfied by *metrics.Aggregator without imageresolve importing the
// metrics package.
type MetricsRecorder interface {
	RecordImagePull()
	RecordImagePullFailure()
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) RecordImagePull()        {}
func (noopMetricsRecorder) RecordImagePullFailure() {}

type Resolver struct {
	runtime     Runtime
	registry    string // default registry prefix, "" if unconfigured
	pullTimeout time.Duration
	pullRetries int
	log         zerolog.Logger
	metrics     MetricsRecorder

	group singleflight.Group
}

func New(runtime Runtime, defaultRegistry string, pullTimeout time.Duration, pullRetries int, log zerolog.Logger) *Resolver {
	return &Resolver{
		runtime:     runtime,
		registry:    defaultRegistry,
		pullTimeout: pullTimeout,
		pullRetries: pullRetries,
		log:         log.With().Str("component", "image-resolver").Logger(),
		metrics:     noopMetricsRecorder{},
	}
}

// SetMetricsRecorder wires m into the resolver so every pull attempt updates
// the Metrics Aggregator's image_pulls/image_pull_failures counters. Optional:
// an unwired resolver silently no-ops instead of counting.
func (r *Resolver) SetMetricsRecorder(m MetricsRecorder) {
	r.metrics = m
}

// Resolve canonicalizes ref: if it lacks a registry host and a default
// registry is configured, the default is prepended.
func (r *Resolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", core.NewImageResolveError("empty image reference", nil)
	}
	if strings.ContainsAny(ref, " \t\n") {
		return "", core.NewImageResolveError(fmt.Sprintf("malformed image reference %q", ref), errMalformedReference)
	}
	if r.registry == "" || hasRegistryHost(ref) {
		return ref, nil
	}
	return strings.TrimRight(r.registry, "/") + "/" + ref, nil
}

// hasRegistryHost heuristically detects a registry-qualified reference: the
// first path segment contains a "." or ":" (a host[:port]), following the
// same rule the Docker CLI itself uses to decide whether to default to
// docker.io.
func hasRegistryHost(ref string) bool {
	firstSegment := ref
	if idx := strings.Index(ref, "/"); idx >= 0 {
		firstSegment = ref[:idx]
	} else {
		return false
	}
	return strings.ContainsAny(firstSegment, ".:") || firstSegment == "localhost"
}

// Ensure guarantees canonicalRef is present locally, pulling it if
// necessary. Concurrent Ensure calls for the same reference deduplicate to a
// single in-flight pull.
func (r *Resolver) Ensure(ctx context.Context, canonicalRef string) (pulled bool, err error) {
	exists, err := r.runtime.ImageExists(ctx, canonicalRef)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	v, err, _ := r.group.Do(canonicalRef, func() (interface{}, error) {
		pullErr := r.pullWithRetry(ctx, canonicalRef)
		if pullErr != nil {
			r.metrics.RecordImagePullFailure()
		} else {
			r.metrics.RecordImagePull()
		}
		return nil, pullErr
	})
	_ = v
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) pullWithRetry(ctx context.Context, ref string) error {
	var lastErr error
	backoff := time.Second

	for attempt := 1; attempt <= r.pullRetries; attempt++ {
		err := r.runtime.ImagePull(ctx, ref, r.pullTimeout)
		if err == nil {
			return nil
		}
		lastErr = err

		// Fatal classes never retry: malformed reference, not-found,
		// auth-required.
		kind := core.KindOf(err)
		if kind == core.KindImageResolve {
			return err
		}

		if attempt == r.pullRetries {
			break
		}

		r.log.Warn().Err(err).Str("image", ref).Int("attempt", attempt).Msg("image pull failed, retrying")

		jitter := time.Duration(float64(backoff) * (0.75 + rand.Float64()*0.5))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("pull exhausted %d attempts: %w", r.pullRetries, lastErr)
}

var errMalformedReference = errors.New("malformed image reference")
