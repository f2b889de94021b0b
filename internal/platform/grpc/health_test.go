package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T) *HealthServer {
	t.Helper()
	srv, err := NewHealthServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new health server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-serveErr:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("health server did not stop")
		}
	})
	return srv
}

func dialHealthServer(t *testing.T, addr string) *gogrpc.ClientConn {
	t.Helper()
	conn, err := gogrpc.NewClient(addr, gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func checkStatus(t *testing.T, conn *gogrpc.ClientConn, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	return resp.GetStatus()
}

func TestHealthServerStartsNotServing(t *testing.T) {
	srv := startHealthServer(t)
	conn := dialHealthServer(t, srv.Addr())

	if got := checkStatus(t, conn, RelayService); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", got)
	}
	srv.SetServing(true)
	if got := checkStatus(t, conn, ""); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v, want SERVING", got)
	}
	srv.SetServing(false)
	if got := checkStatus(t, conn, RelayService); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", got)
	}
}

func TestWaitForHealthTransitionsToServing(t *testing.T) {
	srv := startHealthServer(t)
	conn := dialHealthServer(t, srv.Addr())

	go func() {
		time.Sleep(200 * time.Millisecond)
		srv.SetServing(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := WaitForHealth(ctx, conn, RelayService, zerolog.Nop()); err != nil {
		t.Fatalf("wait for health after transition: %v", err)
	}
}

func TestWaitForHealthRespectsContext(t *testing.T) {
	srv := startHealthServer(t)
	conn := dialHealthServer(t, srv.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := WaitForHealth(ctx, conn, "", zerolog.Nop()); err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestWaitForHealthRequiresConn(t *testing.T) {
	if err := WaitForHealth(context.Background(), nil, "", zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil connection")
	}
}

func TestWaitForWorker(t *testing.T) {
	srv := startHealthServer(t)
	srv.SetServing(true)

	if err := WaitForWorker(context.Background(), srv.Addr(), 2*time.Second, zerolog.Nop()); err != nil {
		t.Fatalf("wait for worker: %v", err)
	}
}

func TestWaitForWorkerReportsHealthStage(t *testing.T) {
	srv := startHealthServer(t)

	err := WaitForWorker(context.Background(), srv.Addr(), 300*time.Millisecond, zerolog.Nop())
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("error = %v, want *ProbeError", err)
	}
	if probeErr.Stage != ProbeStageHealth {
		t.Fatalf("stage = %q, want %q", probeErr.Stage, ProbeStageHealth)
	}
}

func TestNewHealthServerRequiresAddr(t *testing.T) {
	if _, err := NewHealthServer(" "); err == nil {
		t.Fatal("expected address error")
	}
}

func TestProbeErrorFormatting(t *testing.T) {
	err := &ProbeError{Stage: ProbeStageConnect, Err: errors.New("refused")}
	if got := err.Error(); got != "gRPC connect error: refused" {
		t.Fatalf("Error() = %q", got)
	}
	var nilErr *ProbeError
	if nilErr.Error() != "gRPC probe error" || nilErr.Unwrap() != nil {
		t.Fatal("expected nil-safe methods")
	}
}
