package gateway

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name the gateway reports under.
const HealthService = "extask.gateway"

// ServeHealth starts a gRPC health server on lis. Both the overall status and
// HealthService report SERVING until the returned server is stopped.
func ServeHealth(lis net.Listener) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Error("Health server stopped", "error", err)
		}
	}()
	return srv, hs
}

// WaitHealthy blocks until the gateway at addr reports SERVING or ctx ends.
func WaitHealthy(ctx context.Context, addr string, interval time.Duration, opts ...grpc.DialOption) error {
	if interval <= 0 {
		interval = time.Second
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return fmt.Errorf("connect to gateway health at %s: %w", addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: HealthService})
		cancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		log.Info("Waiting for gateway", "addr", addr, "status", resp.GetStatus(), "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway at %s not healthy: %w", addr, ctx.Err())
		case <-ticker.C:
		}
	}
}
