package server_test

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/EAbdou1/recallkit/server"
)

func newGRPC(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	server.NewGRPC(f.manager, f.authn, nil).Register(s)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recallRequest(t *testing.T, userID string, messages ...any) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]any{"userId": userID, "messages": messages})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func withKey(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+key)
}

func TestGRPC_Recall(t *testing.T) {
	f := newFixture(t, nil)
	client := server.NewRecallClient(newGRPC(t, f))

	req := recallRequest(t, "u1", map[string]any{"role": "user", "content": "Where should I hike this weekend?"})
	resp, err := client.Recall(withKey(apiKey), req)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	got := resp.AsMap()
	if got["memories"] != "From recall memories:\n- User enjoys hiking in Colorado" {
		t.Errorf("memories = %q", got["memories"])
	}
	if got["success"] != true || got["namespace"] != "acme" || got["userId"] != "u1" {
		t.Errorf("response = %v", got)
	}
	if len(f.enqueuer.Scopes()) != 1 {
		t.Error("conversation not enqueued")
	}
}

func TestGRPC_RecallErrors(t *testing.T) {
	f := newFixture(t, nil)
	client := server.NewRecallClient(newGRPC(t, f))
	valid := recallRequest(t, "u1", map[string]any{"role": "user", "content": "hi"})

	tests := []struct {
		name string
		ctx  context.Context
		req  *structpb.Struct
		want codes.Code
	}{
		{"no metadata", context.Background(), valid, codes.Unauthenticated},
		{"unknown key", withKey("rk_nope"), valid, codes.Unauthenticated},
		{"no messages", withKey(apiKey), recallRequest(t, "u1"), codes.InvalidArgument},
		{"no user", withKey(apiKey), recallRequest(t, "", map[string]any{"role": "user", "content": "hi"}), codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Recall(tt.ctx, tt.req)
			if status.Code(err) != tt.want {
				t.Errorf("code = %v, want %v (%v)", status.Code(err), tt.want, err)
			}
		})
	}
}

func TestGRPC_Health(t *testing.T) {
	f := newFixture(t, nil)
	hc := healthpb.NewHealthClient(newGRPC(t, f))

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", resp.GetStatus())
	}
}
