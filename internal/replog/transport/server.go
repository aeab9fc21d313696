package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"replog/internal/future"
	"replog/internal/logger"
	"replog/internal/replog"
)

// Handler applies an append-entries request to the log it addresses.
type Handler interface {
	AppendEntries(ctx context.Context, req replog.AppendEntriesRequest) *future.Future[replog.AppendEntriesResult]
}

// Server serves the replication service of one process for all of its logs.
type Server struct {
	handler    Handler
	logger     *zap.Logger
	grpcServer *grpc.Server

	mu      sync.Mutex
	address string
}

func NewServer(handler Handler, log *zap.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		handler: handler,
		logger:  log.Named("transport"),
	}
	opts = append([]grpc.ServerOption{
		grpc.ConnectionTimeout(30 * time.Second),
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(s.contextInterceptor),
	}, opts...)
	s.grpcServer = grpc.NewServer(opts...)
	RegisterReplicationServer(s.grpcServer, s)
	return s
}

// contextInterceptor tags the request context with the addressed log, the sender and a logger carrying both.
func (s *Server) contextInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if r, ok := req.(*replog.AppendEntriesRequest); ok {
		ctx = SetLogID(ctx, r.LogID)
		ctx = SetSender(ctx, r.LeaderID)
		ctx = logger.NewContext(ctx, s.logger.With(
			zap.Stringer("log_id", r.LogID), zap.String("sender", string(r.LeaderID))))
	}
	return handler(ctx, req)
}

func (s *Server) AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	res, err := s.handler.AppendEntries(ctx, *req).Get(ctx)
	if err != nil {
		logger.FromContext(ctx).Debug("AppendEntries failed", zap.Error(err))
		return nil, toStatus(err)
	}
	return &res, nil
}

// toStatus maps errors of the handler to grpc status codes. fromStatus is its inverse on the client.
func toStatus(err error) error {
	switch {
	case errors.Is(err, replog.ErrLogNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, replog.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Serve accepts connections on lis and blocks until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.address = lis.Addr().String()
	s.mu.Unlock()

	s.logger.Info("Replication service listening", zap.String("address", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// ListenAndServe listens on the TCP address addr and serves on it.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Address is the address the server listens on, empty before Serve.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

func (s *Server) GracefulShutdown() {
	s.logger.Info("Shutting down replication service gracefully")
	s.grpcServer.GracefulStop()
}

func (s *Server) ForceShutdown() {
	s.logger.Info("Force shutting down replication service")
	s.grpcServer.Stop()
}
