// Package health reports readiness over HTTP and the standard gRPC health
// protocol from one set of dependency probes.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	DefaultInterval = 5 * time.Second
	probeTimeout    = 2 * time.Second
)

// Probe returns nil when the dependency is usable.
type Probe func(ctx context.Context) error

type Checker struct {
	service  string
	interval time.Duration
	logger   zerolog.Logger
	probes   map[string]Probe
	grpc     *grpchealth.Server

	mu      sync.RWMutex
	results map[string]string
}

func NewChecker(service string, logger zerolog.Logger) *Checker {
	c := &Checker{
		service:  service,
		interval: DefaultInterval,
		logger:   logger,
		probes:   make(map[string]Probe),
		grpc:     grpchealth.NewServer(),
		results:  make(map[string]string),
	}
	c.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return c
}

// Add registers a probe. Call before Run.
func (c *Checker) Add(name string, p Probe) {
	c.probes[name] = p
}

// Check runs every probe once and publishes the outcome.
func (c *Checker) Check(ctx context.Context) bool {
	results := make(map[string]string, len(c.probes))
	healthy := true
	for name, probe := range c.probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := probe(pctx)
		cancel()
		if err != nil {
			healthy = false
			results[name] = err.Error()
			c.logger.Warn().Err(err).Str("probe", name).Msg("health probe failed")
			continue
		}
		results[name] = "ok"
	}

	c.mu.Lock()
	c.results = results
	c.mu.Unlock()

	if healthy {
		c.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		c.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return healthy
}

// Run re-checks on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	c.Check(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Shutdown marks everything not serving so load balancers drain the instance.
func (c *Checker) Shutdown() {
	c.grpc.Shutdown()
}

func (c *Checker) setStatus(s healthpb.HealthCheckResponse_ServingStatus) {
	c.grpc.SetServingStatus("", s)
	c.grpc.SetServingStatus(c.service, s)
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ServeHTTP answers with the last published probe results.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	checks := make(map[string]string, len(c.results))
	names := make([]string, 0, len(c.results))
	for name, res := range c.results {
		checks[name] = res
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	for _, name := range names {
		if checks[name] != "ok" {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report{Status: status, Checks: checks})
}

// Serve exposes the gRPC health service on addr and returns its shutdown
// function.
func (c *Checker) Serve(addr string) (func(context.Context) error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return c.ServeListener(lis), nil
}

func (c *Checker) ServeListener(lis net.Listener) func(context.Context) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, c.grpc)

	go func() {
		if err := srv.Serve(lis); err != nil {
			c.logger.Error().Err(err).Msg("grpc health server stopped")
		}
	}()

	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() { srv.GracefulStop(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			srv.Stop()
			return ctx.Err()
		}
	}
}
