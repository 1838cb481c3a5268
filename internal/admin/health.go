// Package admin exposes the gRPC health service used by orchestrators to
// probe the relay.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the relay itself.
const ServiceName = "mechapizzai.relay"

// Pinger checks a dependency.
type Pinger interface {
	Health(ctx context.Context, timeout time.Duration) error
}

// Server serves grpc.health.v1 on its own listener.
type Server struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates an admin Server listening on addr once started. Both the
// overall status and ServiceName start as NOT_SERVING.
func NewServer(addr string, logger *zap.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	return &Server{addr: addr, logger: logger.Named("admin"), grpc: g, health: hs}
}

// SetServing flips the reported status for the relay.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Drain marks every service NOT_SERVING permanently.
func (s *Server) Drain() {
	s.health.Shutdown()
}

// Serve listens on the configured address and blocks until Stop.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener and blocks until Stop.
func (s *Server) ServeListener(lis net.Listener) error {
	s.logger.Info("admin health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains the health service and stops the gRPC server, forcing it
// closed if ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.Drain()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}

// Watch probes dep every interval and reports the relay NOT_SERVING while it
// fails. It returns when ctx is done.
func (s *Server) Watch(ctx context.Context, dep Pinger, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := dep.Health(ctx, timeout)
			switch {
			case err != nil && healthy:
				s.logger.Warn("database health check failed", zap.Error(err))
				s.SetServing(false)
				healthy = false
			case err == nil && !healthy:
				s.logger.Info("database health restored")
				s.SetServing(true)
				healthy = true
			}
		}
	}
}
