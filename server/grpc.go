package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/EAbdou1/recallkit/auth"
	"github.com/EAbdou1/recallkit/memory"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "recallkit.v1.RecallService"

	recallMethod = "/" + ServiceName + "/Recall"
)

// RecallServer is the server API for the recall service. Requests and
// responses are google.protobuf.Struct values with the HTTP body fields.
type RecallServer interface {
	Recall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RecallServiceDesc describes the recall service for grpc.Server.RegisterService.
var RecallServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecallServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Recall", Handler: recallHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recallkit/v1/recall.proto",
}

func recallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecallServer).Recall(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: recallMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecallServer).Recall(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RecallClient calls the recall service.
type RecallClient struct {
	cc grpc.ClientConnInterface
}

// NewRecallClient wraps a connection.
func NewRecallClient(cc grpc.ClientConnInterface) *RecallClient {
	return &RecallClient{cc: cc}
}

// Recall sends req. Put the API key in the "authorization" metadata as
// "Bearer <key>".
func (c *RecallClient) Recall(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, recallMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPC implements RecallServer on a RecallManager.
type GRPC struct {
	manager *memory.RecallManager
	authn   Authenticator
	logger  *slog.Logger
}

var _ RecallServer = (*GRPC)(nil)

// NewGRPC creates the gRPC service.
func NewGRPC(manager *memory.RecallManager, authn Authenticator, logger *slog.Logger) *GRPC {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPC{manager: manager, authn: authn, logger: logger.With("component", "grpc")}
}

// Register adds the recall and health services to s and returns the
// health server so callers can flip it to NOT_SERVING on shutdown.
func (g *GRPC) Register(s *grpc.Server) *health.Server {
	s.RegisterService(&RecallServiceDesc, g)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// Recall implements RecallServer.
func (g *GRPC) Recall(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			header = v[0]
		}
	}
	id, err := authenticate(ctx, g.authn, header)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUnauthorized):
		return nil, status.Error(codes.Unauthenticated, "invalid API key")
	case isConsistency(err):
		return nil, status.Error(codes.Internal, err.Error())
	default:
		g.logger.Error("authentication failed", "error", err)
		return nil, status.Error(codes.Internal, "authentication failed")
	}

	body, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req, err := DecodeRecall(body)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	scope := memory.Scope{Namespace: id.Namespace, UserID: req.UserID}
	memories, err := g.manager.Recall(ctx, scope, req.Messages)
	if err != nil {
		if errors.Is(err, memory.ErrInvalidInput) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		g.logger.Error("recall failed", "scope", scope.String(), "error", err)
		return nil, status.Error(codes.Internal, "recall failed")
	}

	out, err := structpb.NewStruct(map[string]any{
		"memories":  memories,
		"success":   true,
		"namespace": id.Namespace,
		"userId":    req.UserID,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
