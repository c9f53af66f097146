package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCReadyProbe checks readiness through the standard gRPC health
// protocol instead of the HTTP health endpoint. Only the readiness probe
// moves to gRPC: model status checks and load generation still use the
// server's HTTP port.
func GRPCReadyProbe(endpoint string) (ReadyProbe, func() error, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	client := grpc_health_v1.NewHealthClient(conn)

	probe := func(ctx context.Context) error {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
		if err != nil {
			return err
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			return fmt.Errorf("health status %s", resp.GetStatus())
		}
		return nil
	}
	return probe, conn.Close, nil
}
