// health_checker.go: liveness and readiness reporting of the chainload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/heptiolabs/healthcheck"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the gRPC health service reporting chainload readiness.
const HealthServiceName = "chainloader"

// HealthReporter mirrors the chainloader state onto a gRPC health server and
// an HTTP liveness/readiness handler. The chainloader is ready once Execute
// has completed; it is live as long as the process is.
//
// Example usage:
//
//	mux := http.NewServeMux()
//	mux.Handle("/", cl.Health().Handler())
//	healthpb.RegisterHealthServer(grpcServer, cl.Health().GRPCServer())
type HealthReporter struct {
	state   atomic.Int32
	grpc    *health.Server
	handler healthcheck.Handler
}

// NewHealthReporter creates a reporter in the not-serving state.
func NewHealthReporter() *HealthReporter {
	h := &HealthReporter{
		grpc:    health.NewServer(),
		handler: healthcheck.NewHandler(),
	}
	h.handler.AddLivenessCheck("process", func() error { return nil })
	h.handler.AddReadinessCheck("chainload", h.ready)
	h.update(StateUninitialized)
	return h
}

func (h *HealthReporter) update(state State) {
	if h == nil {
		return
	}
	h.state.Store(int32(state))
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == StateExecuted {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus(HealthServiceName, status)
}

func (h *HealthReporter) ready() error {
	if state := State(h.state.Load()); state != StateExecuted {
		return fmt.Errorf("chainload not complete: %s", state)
	}
	return nil
}

// State returns the last state reported.
func (h *HealthReporter) State() State {
	return State(h.state.Load())
}

// GRPCServer returns the gRPC health server.
func (h *HealthReporter) GRPCServer() *health.Server {
	return h.grpc
}

// Handler returns the HTTP handler serving /live and /ready.
func (h *HealthReporter) Handler() http.Handler {
	return h.handler
}
