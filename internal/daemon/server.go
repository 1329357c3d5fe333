package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/session"
	"github.com/matheus3301/roomsync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server manages the gRPC server lifecycle for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	hs.SetServingStatus(status.HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// SetEngineState maps an engine state onto the engine health status.
func (s *Server) SetEngineState(st status.State) {
	code := healthpb.HealthCheckResponse_NOT_SERVING
	if st == status.Ready {
		code = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(status.HealthService, code)
}

// WatchStatus follows engine status changes on b until the returned func is called.
func (s *Server) WatchStatus(b *bus.Bus) func() {
	ch, unsub := b.Subscribe(bus.KindStatusChanged, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			change, ok := evt.Payload.(status.StatusChange)
			if !ok {
				continue
			}
			s.logger.Info("engine status", zap.String("from", string(change.From)),
				zap.String("to", string(change.To)), zap.String("reason", change.Reason))
			s.SetEngineState(change.To)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
