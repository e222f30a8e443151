// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package debug serves the operational endpoints of an abacus process:
// Prometheus metrics, liveness, readiness and pprof.
package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckTimeout bounds a single readiness check.
const CheckTimeout = 2 * time.Second

// Check reports whether a dependency of the process can serve.
type Check func(ctx context.Context) error

var (
	ready atomic.Bool

	checksMu sync.RWMutex
	checks   = map[string]Check{}

	handlersMu sync.RWMutex
	handlers   = map[string]http.Handler{}

	registry = newRegistry()
)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry the abacus metrics are registered on.
func Registry() prometheus.Registerer {
	return registry
}

func SetReady()    { ready.Store(true) }
func SetNotReady() { ready.Store(false) }

// AddCheck registers a named readiness check, replacing any check with the
// same name.
func AddCheck(name string, check Check) {
	checksMu.Lock()
	defer checksMu.Unlock()
	checks[name] = check
}

// RemoveCheck drops the named readiness check.
func RemoveCheck(name string) {
	checksMu.Lock()
	defer checksMu.Unlock()
	delete(checks, name)
}

// Failing runs every readiness check and returns the failures by name.
func Failing(ctx context.Context) map[string]string {
	checksMu.RLock()
	snapshot := make(map[string]Check, len(checks))
	for name, c := range checks {
		snapshot[name] = c
	}
	checksMu.RUnlock()

	failed := map[string]string{}
	for name, c := range snapshot {
		cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		if err := c(cctx); err != nil {
			failed[name] = err.Error()
		}
		cancel()
	}
	return failed
}

// IsReady reports whether SetReady was called and every check passes.
func IsReady(ctx context.Context) bool {
	return ready.Load() && len(Failing(ctx)) == 0
}

// Handle adds a handler to muxes built after the call.
func Handle(pattern string, h http.Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[pattern] = h
}

// JSON returns a handler writing the result of fn as JSON.
func JSON(fn func(ctx context.Context) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, v)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	if failed := Failing(r.Context()); len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// GetMux builds the debug mux.
func GetMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", readyHandler)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	handlersMu.RLock()
	defer handlersMu.RUnlock()
	patterns := make([]string, 0, len(handlers))
	for p := range handlers {
		patterns = append(patterns, p)
	}
	slices.Sort(patterns)
	for _, p := range patterns {
		mux.Handle(p, handlers[p])
	}
	return mux
}
