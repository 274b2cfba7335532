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

// Package api is the HTTP boundary: POST /execute, GET /health and
// GET /metrics, routed with gorilla/mux and served behind the same
// signal-driven graceful shutdown shape used throughout this codebase.
package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sandboxrun/narwhal/internal/metrics"
	"github.com/sandboxrun/narwhal/internal/pool"
)

// Dispatcher is the subset of the Pool Registry the HTTP boundary needs.
type Dispatcher interface {
	ShuttingDown() bool
}

type Server struct {
	server *http.Server
	log    zerolog.Logger

	onShutdown func()
}

func newRouter(registry *pool.Registry, dispatch Dispatcher, engine Engine, timeout time.Duration, agg *metrics.Aggregator, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/execute", handleExecute(registry, dispatch, engine, timeout, agg, log)).Methods(http.MethodPost)
	r.Handle("/health", handleHealth(dispatch)).Methods(http.MethodGet)
	r.Handle("/metrics", handleMetrics(registry, agg)).Methods(http.MethodGet)
	r.Use(logMiddleware(log))
	return r
}

// New builds the HTTP server bound to addr. onShutdown is invoked once the
// server has finished draining in-flight requests, before Run returns; it is
// where the caller should drain the pool registry.
func New(addr string, registry *pool.Registry, dispatch Dispatcher, engine Engine, timeout time.Duration, agg *metrics.Aggregator, log zerolog.Logger, onShutdown func()) *Server {
	router := newRouter(registry, dispatch, engine, timeout, agg, log)
	return &Server{
		log: log.With().Str("component", "api").Logger(),
		server: &http.Server{
			Addr:           addr,
			Handler:        router,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   125 * time.Second,
			IdleTimeout:    30 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		onShutdown: onShutdown,
	}
}

// Run listens until SIGINT/SIGTERM, then gives in-flight requests 30s to
// finish before calling onShutdown and returning.
func (s *Server) Run() error {
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		s.log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.server.SetKeepAlivesEnabled(false)
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Error().Err(err).Msg("server shutdown did not complete cleanly")
		}
		if s.onShutdown != nil {
			s.onShutdown()
		}
		close(done)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Str("addr", s.server.Addr).Msg("unable to bind")
		return err
	}

	<-done
	return nil
}

func logMiddleware(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
