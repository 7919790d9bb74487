// Package rpc serves the worker pool over gRPC: a unary Classify method and
// the standard health service.
package rpc

import (
	"TensorPrepServer/logger"
	"TensorPrepServer/monitor"
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName names the classify service and its health key; the health key
// "" covers the whole server.
const ServiceName = "tensorprep.Classifier"

// StatusSource reports how many workers are serving.
type StatusSource interface {
	Running() int
}

type Server struct {
	GRPC   *grpc.Server
	Health *health.Server
	lis    net.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

func countRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	monitor.GRPCTotal.Inc()
	return handler(ctx, req)
}

// StartGRPCServer listens on port and serves classify, health and reflection.
func StartGRPCServer(port int, src StatusSource, cls ClassifierServer) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return Serve(lis, src, cls), nil
}

// Serve runs on an existing listener. The health status follows src: SERVING
// while at least one worker runs, NOT_SERVING otherwise. A nil cls leaves
// only health and reflection.
func Serve(lis net.Listener, src StatusSource, cls ClassifierServer) *Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(countRequests))
	if cls != nil {
		s.RegisterService(&classifierDesc, cls)
	}
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{GRPC: s, Health: hs, lis: lis, cancel: cancel, done: make(chan struct{})}
	srv.refresh(src)
	go srv.watch(ctx, src)
	go func() {
		defer close(srv.done)
		logger.Log().Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return srv
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

func (s *Server) refresh(src StatusSource) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if src != nil && src.Running() > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.Health.SetServingStatus("", status)
	s.Health.SetServingStatus(ServiceName, status)
}

func (s *Server) watch(ctx context.Context, src StatusSource) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(src)
		}
	}
}

// Stop marks every service NOT_SERVING and drains open calls.
func (s *Server) Stop() {
	s.cancel()
	s.Health.Shutdown()
	s.GRPC.GracefulStop()
	<-s.done
}
