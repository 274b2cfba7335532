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

// Package config loads service configuration from environment variables. A
// .env file in the working directory is loaded first (if present) so local
// overrides don't require exporting variables into the shell; real
// environment variables always win over .env contents.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
)

// CustomPool is one entry of the parsed CUSTOM_POOLS table.
type CustomPool struct {
	Image string
	Size  int
}

// Config is the fully parsed, validated process configuration.
type Config struct {
	PoolSize               int
	BaseImage              string
	MemoryLimitBytes       int64
	MemoryLimit            string // raw string, e.g. "256m", for logging
	CPULimit               float64
	Timeout                int // seconds
	CustomImageRegistry    string
	CustomImagePullTimeout int // seconds
	CustomImagePullRetries int
	CustomPools            []CustomPool
	HostPort               int
	LogLevel               string
}

// Load reads the config table from the process environment, having first
// attempted to populate unset variables from a ".env" file in the current
// directory (godotenv.Load never overwrites a variable already present in
// os.Environ).
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is not an error

	cfg := &Config{
		PoolSize:               envInt("POOL_SIZE", 5),
		BaseImage:              envStr("BASE_IMAGE", "alpine:latest"),
		MemoryLimit:            envStr("MEMORY_LIMIT", "256m"),
		CPULimit:               envFloat("CPU_LIMIT", 0.5),
		Timeout:                envInt("TIMEOUT", 30),
		CustomImageRegistry:    envStr("CUSTOM_IMAGE_REGISTRY", ""),
		CustomImagePullTimeout: envInt("CUSTOM_IMAGE_PULL_TIMEOUT", 300),
		CustomImagePullRetries: envInt("CUSTOM_IMAGE_PULL_RETRIES", 3),
		HostPort:               envInt("HOST_PORT", 8080),
		LogLevel:               envStr("LOG_LEVEL", "INFO"),
	}

	memBytes, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("MEMORY_LIMIT %q: %w", cfg.MemoryLimit, err)
	}
	cfg.MemoryLimitBytes = memBytes

	pools, err := ParseCustomPools(envStr("CUSTOM_POOLS", ""))
	if err != nil {
		return nil, err
	}
	cfg.CustomPools = pools

	for _, p := range pools {
		if p.Image == cfg.BaseImage {
			return nil, fmt.Errorf("CUSTOM_POOLS entry %q duplicates BASE_IMAGE", p.Image)
		}
	}

	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("POOL_SIZE must be >= 1, got %d", cfg.PoolSize)
	}

	return cfg, nil
}

// ParseCustomPools parses the "img1:n1,img2:n2,..." CUSTOM_POOLS format.
// Each entry splits on the *final* colon (rsplit) so image references that
// embed a registry port or a tag containing a colon
// (e.g. "host:5000/img:tag") still parse correctly.
func ParseCustomPools(raw string) ([]CustomPool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	seen := make(map[string]bool)
	var pools []CustomPool
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.LastIndex(entry, ":")
		if idx <= 0 || idx == len(entry)-1 {
			return nil, fmt.Errorf("CUSTOM_POOLS entry %q: expected IMAGE:SIZE", entry)
		}
		image := entry[:idx]
		sizeStr := entry[idx+1:]
		size, err := strconv.Atoi(sizeStr)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("CUSTOM_POOLS entry %q: size must be a positive integer", entry)
		}
		if seen[image] {
			return nil, fmt.Errorf("CUSTOM_POOLS entry %q: duplicate pool key %q", entry, image)
		}
		seen[image] = true
		pools = append(pools, CustomPool{Image: image, Size: size})
	}
	return pools, nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
