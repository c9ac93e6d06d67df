package grpc

import (
	"context"
	"time"

	"github.com/vogiaan1904/actpresence/pkg/logger"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "actpresence.Presence"

// Pinger reports whether the presence backend is reachable.
type Pinger func(ctx context.Context) error

// HealthReporter keeps a grpc health server in sync with backend reachability.
type HealthReporter struct {
	srv      *health.Server
	ping     Pinger
	interval time.Duration
	timeout  time.Duration
	l        logger.Logger
	last     healthpb.HealthCheckResponse_ServingStatus
}

func NewHealthReporter(srv *health.Server, ping Pinger, interval time.Duration, l logger.Logger) *HealthReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthReporter{
		srv:      srv,
		ping:     ping,
		interval: interval,
		timeout:  interval / 2,
		l:        l,
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
}

// Check pings the backend once and publishes the result.
func (h *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.ping(pctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		h.l.Warnf(ctx, "delivery.grpc.HealthReporter.Check: %v", err)
	}

	if status != h.last {
		h.l.Infof(ctx, "health status changed: %s -> %s", h.last, status)
		h.last = status
	}

	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
	return status
}

// Run checks on every interval until ctx is done, then marks the server as
// shutting down so load balancers drain it.
func (h *HealthReporter) Run(ctx context.Context) error {
	h.Check(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return nil
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}
