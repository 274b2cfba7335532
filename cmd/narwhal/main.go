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

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sandboxrun/narwhal/internal/api"
	"github.com/sandboxrun/narwhal/internal/config"
	"github.com/sandboxrun/narwhal/internal/dockerclient"
	"github.com/sandboxrun/narwhal/internal/execengine"
	"github.com/sandboxrun/narwhal/internal/imageresolve"
	"github.com/sandboxrun/narwhal/internal/metrics"
	"github.com/sandboxrun/narwhal/internal/pool"
	"github.com/sandboxrun/narwhal/internal/sandbox"
)

// envFlags maps each persistent flag onto the environment variable the
// config loader reads, so either surface configures the same knob.
var envFlags = map[string]string{
	"pool-size":                 "POOL_SIZE",
	"base-image":                "BASE_IMAGE",
	"memory-limit":              "MEMORY_LIMIT",
	"cpu-limit":                 "CPU_LIMIT",
	"timeout":                   "TIMEOUT",
	"custom-image-registry":     "CUSTOM_IMAGE_REGISTRY",
	"custom-image-pull-timeout": "CUSTOM_IMAGE_PULL_TIMEOUT",
	"custom-image-pull-retries": "CUSTOM_IMAGE_PULL_RETRIES",
	"custom-pools":              "CUSTOM_POOLS",
	"host-port":                 "HOST_PORT",
	"log-level":                 "LOG_LEVEL",
}

func newRootCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "narwhal",
		Short: "Pre-warmed Docker sandbox pool for script execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Flags the user actually set win over the environment;
			// exporting them before config.Load keeps the loader the
			// single place configuration is parsed and validated.
			cmd.PersistentFlags().Visit(func(f *pflag.Flag) {
				if env, ok := envFlags[f.Name]; ok {
					_ = os.Setenv(env, f.Value.String())
				}
			})
			return run(addr)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("pool-size", "", "Default pool target size (POOL_SIZE)")
	flags.String("base-image", "", "Default pool image (BASE_IMAGE)")
	flags.String("memory-limit", "", "Per-container memory cap, e.g. 256m (MEMORY_LIMIT)")
	flags.String("cpu-limit", "", "Per-container CPU quota in fractional cores (CPU_LIMIT)")
	flags.String("timeout", "", "Script wall-clock timeout in seconds (TIMEOUT)")
	flags.String("custom-image-registry", "", "Default registry prefix (CUSTOM_IMAGE_REGISTRY)")
	flags.String("custom-image-pull-timeout", "", "Seconds per pull attempt (CUSTOM_IMAGE_PULL_TIMEOUT)")
	flags.String("custom-image-pull-retries", "", "Pull retry attempts (CUSTOM_IMAGE_PULL_RETRIES)")
	flags.String("custom-pools", "", "Additional pools as img1:n1,img2:n2 (CUSTOM_POOLS)")
	flags.String("host-port", "", "HTTP listen port (HOST_PORT)")
	flags.String("log-level", "", "Logging verbosity (LOG_LEVEL)")

	cmd.Flags().StringVar(&addr, "addr", "", "Listening address (overrides HOST_PORT when set)")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addrFlag string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	runtime, err := dockerclient.New()
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer runtime.Close()

	resolver := imageresolve.New(
		runtime,
		cfg.CustomImageRegistry,
		time.Duration(cfg.CustomImagePullTimeout)*time.Second,
		cfg.CustomImagePullRetries,
		log,
	)

	factory := sandbox.New(runtime, cfg.MemoryLimitBytes, cfg.CPULimit)
	engine := execengine.New(runtime)

	registry, err := pool.NewRegistry(cfg, resolver, factory, runtime, log)
	if err != nil {
		return fmt.Errorf("pool registry: %w", err)
	}

	agg := metrics.New()
	resolver.SetMetricsRecorder(agg)
	registry.SetMetricsRecorder(agg)

	warmupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := registry.WarmUp(warmupCtx); err != nil {
		log.Warn().Err(err).Msg("warm-up did not fully complete, continuing with partially filled pools")
	}
	cancel()

	addr := addrFlag
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.HostPort)
	}

	server := api.New(addr, registry, registry, engine, time.Duration(cfg.Timeout)*time.Second, agg, log, func() {
		log.Info().Msg("draining pools")
		registry.Shutdown()
	})

	return server.Run()
}

func newLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "narwhal").
		Logger()
}
