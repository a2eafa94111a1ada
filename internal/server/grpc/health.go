package grpcserver

import (
	"context"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is reported alongside the empty (server-wide) service name.
const ServiceName = "cmdfeed.v1.Feed"

// Checker reports nil while the process can serve traffic.
type Checker func(ctx context.Context) error

// healthSvc answers every Check by running the checker, so the status
// always reflects the queue backends at call time.
type healthSvc struct {
	healthpb.UnimplementedHealthServer
	check Checker
}

func (h *healthSvc) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", ServiceName:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if err := h.check(ctx); err != nil {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
