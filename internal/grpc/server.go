package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
	"github.com/mtr002/devboard-queue/internal/worker"
)

const ServiceName = "devboard.queue.v1.QueueService"

// QueueServiceServer is the server API for the queue service.
type QueueServiceServer interface {
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Drain(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cleanup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryFailed(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var _ QueueServiceServer = (*Server)(nil)

// Server exposes the queue API over gRPC.
type Server struct {
	manager   *jobs.Manager
	processor *worker.Processor
	log       zerolog.Logger
}

func NewServer(manager *jobs.Manager, processor *worker.Processor, log zerolog.Logger) *Server {
	return &Server{manager: manager, processor: processor, log: log}
}

// NewGRPCServer builds a grpc.Server with the queue and health services
// registered.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(srv.log)))
	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, s *grpc.Server, addr string, log zerolog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.Info().Str("addr", addr).Msg("gRPC server listening")
	if err := s.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

func (s *Server) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EnqueueRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	job, err := s.manager.CreateJob(ctx, interfaces.JobType(req.Type), req.Payload, jobs.CreateOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

func (s *Server) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetJobRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	job, err := s.manager.GetByJobID(ctx, req.JobID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

func (s *Server) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.manager.QueueStats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(stats)
}

func (s *Server) Drain(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.processor == nil {
		return nil, status.Error(codes.Unimplemented, "this server does not process jobs")
	}
	var req DrainRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	types, err := interfaces.ParseJobTypes(req.Types)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.processor.Drain(ctx, req.Limit, types...)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(DrainResponse{
		Processed: res.Processed,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Retried:   res.Retried,
		LeaseLost: res.LeaseLost,
	})
}

func (s *Server) Cleanup(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CleanupRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	n, err := s.manager.CleanupOlderThan(ctx, req.Days)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(CountResponse{Count: n})
}

func (s *Server) RetryFailed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RetryFailedRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	n, err := s.manager.BulkRetryFailed(ctx, req.MaxRetries)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(CountResponse{Count: n})
}

type unaryMethod func(QueueServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(QueueServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(QueueServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Enqueue", QueueServiceServer.Enqueue),
		unary("GetJob", QueueServiceServer.GetJob),
		unary("Stats", QueueServiceServer.Stats),
		unary("Drain", QueueServiceServer.Drain),
		unary("Cleanup", QueueServiceServer.Cleanup),
		unary("RetryFailed", QueueServiceServer.RetryFailed),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "devboard/queue/v1/queue.proto",
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("gRPC request")
		return resp, err
	}
}
