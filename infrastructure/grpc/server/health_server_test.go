package server

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServer_Reports_Lifecycle(t *testing.T) {
	req := require.New(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)

	s := NewHealthServer(logs.GetLoggerFromLevel(slog.LevelDebug))
	served := make(chan error, 1)
	go func() { served <- s.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	req.NoError(err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: RelayService})
		req.NoError(err)
		return resp.GetStatus()
	}

	// Given a relay that has not started yet
	req.Equal(healthpb.HealthCheckResponse_NOT_SERVING, check())

	// When the orchestrator is running
	s.MarkServing()

	// Then the relay reports SERVING
	req.Equal(healthpb.HealthCheckResponse_SERVING, check())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	req.NoError(<-served)
}
