// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of a single health check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

// Response is the JSON body of the health and readiness endpoints.
type Response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// CheckFunc performs a health check. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Checker runs registered checks and caches their results for a TTL.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]Check
	ttl    time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]Check),
		ttl:    cacheTTL,
	}
}

// Register adds a health check, replacing any check with the same name.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	delete(c.cache, name)
}

// Health runs every check (or reuses a fresh cached result) and returns
// the overall status with the checks sorted by name.
func (c *Checker) Health(ctx context.Context) Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp := Response{Status: StatusHealthy, Checks: make([]Check, 0, len(c.checks))}

	for name, fn := range c.checks {
		check, ok := c.cache[name]
		if !ok || time.Since(check.LastChecked) >= c.ttl {
			start := time.Now()
			err := fn(ctx)
			check = Check{
				Name:        name,
				Status:      StatusHealthy,
				LastChecked: time.Now(),
				DurationMS:  time.Since(start).Milliseconds(),
			}
			if err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}
			c.cache[name] = check
		}

		if check.Status != StatusHealthy {
			resp.Status = StatusUnhealthy
		}
		resp.Checks = append(resp.Checks, check)
	}

	sort.Slice(resp.Checks, func(i, j int) bool {
		return resp.Checks[i].Name < resp.Checks[j].Name
	})

	return resp
}

// ReadinessHandler answers 200 when every check passes and 503 otherwise.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := c.Health(ctx)

		code := http.StatusOK
		if resp.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// Handler serves /health and /ready from c and /live.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", c.ReadinessHandler())
	mux.Handle("GET /ready", c.ReadinessHandler())
	mux.Handle("GET /live", LivenessHandler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
