// Package reporter exposes a gRPC streaming endpoint broadcasting one
// message per completed allocator call to any number of connected
// clients. There is no .proto file: every message is a well-known
// protobuf type (structpb.Struct), so the service is wired by hand
// against a grpc.ServiceDesc instead of protoc-generated stubs.
package reporter

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const serviceName = "heaptrace.v1.AllocatorEvents"
const streamMethodName = "StreamEvents"

// Server streams one structpb.Struct per completed allocator call to every
// connected client. It implements tracer.Reporter.
type Server struct {
	logger *slog.Logger
	grpc   *grpc.Server
	health *health.Server

	mu      sync.Mutex
	clients map[chan *structpb.Struct]struct{}
}

// New constructs a Server. Call Serve to start accepting connections.
func New(logger *slog.Logger) *Server {
	s := &Server{
		logger:  logger,
		health:  health.NewServer(),
		clients: make(map[chan *structpb.Struct]struct{}),
	}
	gs := grpc.NewServer()
	gs.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(gs)
	s.grpc = gs
	return s
}

// Serve listens on addr and blocks serving gRPC requests until the
// listener or server is stopped. Intended to run in its own goroutine.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("reporter: listen on %s: %w", addr, err)
	}
	s.logger.Info("reporter listening", "addr", addr)
	return s.grpc.Serve(lis)
}

// Stop marks the service not-serving, then gracefully stops the gRPC
// server, closing every client stream.
func (s *Server) Stop() {
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	s.grpc.GracefulStop()
}

// Report implements tracer.Reporter: it is called synchronously from the
// allocator post-handler path, so it must never block on a slow client.
func (s *Server) Report(name string, oid uint64, args []uint64, ret uint64) {
	fields := map[string]any{
		"op":  name,
		"oid": float64(oid),
		"ret": fmt.Sprintf("%#x", ret),
	}
	for i, a := range args {
		fields[fmt.Sprintf("arg%d", i)] = fmt.Sprintf("%#x", a)
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		s.logger.Warn("reporter: failed to build event struct", "err", err)
		return
	}
	// structpb.Value has no Timestamp variant, so a *timestamppb.Timestamp
	// is carried by its own Seconds/Nanos fields rather than collapsed to
	// a formatted string; clients reconstruct it with
	// timestamppb.New(time.Unix(seconds, nanos)).
	ts := timestamppb.Now()
	msg.Fields["timestamp"] = structpb.NewStructValue(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"seconds": structpb.NewNumberValue(float64(ts.Seconds)),
			"nanos":   structpb.NewNumberValue(float64(ts.Nanos)),
		},
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- msg:
		default:
			// Drop rather than block a slow client; this is a best-effort
			// telemetry stream, not a delivery-guaranteed channel.
		}
	}
}

// streamEvents is the server-streaming handler: each client gets its own
// buffered channel fed by Report and torn down on disconnect.
func (s *Server) streamEvents(req *emptypb.Empty, stream grpc.ServerStream) error {
	ch := make(chan *structpb.Struct, 64)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, ch)
		s.mu.Unlock()
	}()

	for {
		select {
		case msg := <-ch:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*Server).streamEvents(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamMethodName,
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "heaptrace/reporter",
}
