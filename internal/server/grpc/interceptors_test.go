package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/provenance/internal/metrics"
	"github.com/and161185/provenance/internal/model"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f fakeStream) Context() context.Context { return f.ctx }

func TestPeerIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"ipv4", &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 40001}, "10.0.0.9"},
		{"ipv6", &net.TCPAddr{IP: net.ParseIP("::1"), Port: 443}, "::1"},
		{"no port", &net.UnixAddr{Name: "bufconn", Net: "unix"}, "bufconn"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: tc.addr})
			require.Equal(t, tc.want, peerIP(ctx))
		})
	}
	require.Empty(t, peerIP(context.Background()))
}

func TestLoggingUnary_Passthrough(t *testing.T) {
	t.Parallel()

	ic := LoggingUnary(zaptest.NewLogger(t))
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod("GetProduct")}

	resp, err := ic(ctx, "req", info, func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", resp)

	wantErr := errors.New("boom")
	_, err = ic(ctx, "req", info, func(context.Context, any) (any, error) { return nil, wantErr })
	require.ErrorIs(t, err, wantErr)
}

func TestRecoverUnary_CatchesPanic(t *testing.T) {
	t.Parallel()

	ic := RecoverUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod("Panic")}

	_, err := ic(context.Background(), "req", info, func(context.Context, any) (any, error) { panic("oh no") })
	require.Equal(t, codes.Internal, status.Code(err))

	resp, err := ic(context.Background(), "req", info, func(context.Context, any) (any, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, resp)
}

func TestStreamInterceptors(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t)
	info := &grpc.StreamServerInfo{FullMethod: FullMethod("WatchEvents"), IsServerStream: true}
	ss := fakeStream{ctx: context.Background()}

	err := RecoverStream(log)(nil, ss, info, func(any, grpc.ServerStream) error { panic("stream") })
	require.Equal(t, codes.Internal, status.Code(err))

	wantErr := errors.New("gone")
	err = LoggingStream(log)(nil, ss, info, func(any, grpc.ServerStream) error { return wantErr })
	require.ErrorIs(t, err, wantErr)
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()
	key := []byte("k")
	ic := AuthUnary(key, PublicMethods...)
	echo := func(ctx context.Context, _ any) (any, error) {
		id, _ := IdentityFromCtx(ctx)
		return id, nil
	}

	resp, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: FullMethod("Login")}, echo)
	require.NoError(t, err, "public methods skip auth")
	require.Equal(t, model.Identity(""), resp)

	private := &grpc.UnaryServerInfo{FullMethod: FullMethod("RegisterProduct")}
	_, err = ic(context.Background(), nil, private, echo)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	tok := makeJWT(t, "acme", key, jwt.SigningMethodHS256, time.Now().UTC(), time.Hour)
	resp, err = ic(ctxWithAuth(tok), nil, private, echo)
	require.NoError(t, err)
	require.Equal(t, model.Identity("acme"), resp)
}

func TestAuthStream(t *testing.T) {
	t.Parallel()
	key := []byte("k")
	info := &grpc.StreamServerInfo{FullMethod: FullMethod("WatchEvents")}

	var seen model.Identity
	h := func(_ any, ss grpc.ServerStream) error {
		seen, _ = IdentityFromCtx(ss.Context())
		return nil
	}

	err := AuthStream(key)(nil, fakeStream{ctx: context.Background()}, info, h)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	tok := makeJWT(t, "lab", key, jwt.SigningMethodHS256, time.Now().UTC(), time.Hour)
	require.NoError(t, AuthStream(key)(nil, fakeStream{ctx: ctxWithAuth(tok)}, info, h))
	require.Equal(t, model.Identity("lab"), seen)

	reflection := &grpc.StreamServerInfo{FullMethod: "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"}
	require.NoError(t, AuthStream(key, reflection.FullMethod)(nil, fakeStream{ctx: context.Background()}, reflection, h))
}

func TestMetricsUnary_CountsByCode(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, reg)
	ic := MetricsUnary(m)
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod("GetProduct")}

	_, _ = ic(context.Background(), nil, info, func(context.Context, any) (any, error) { return nil, nil })
	_, _ = ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "x")
	})

	n, err := testutil.GatherAndCount(reg, "provenance_grpc_requests_total")
	require.NoError(t, err)
	require.Equal(t, 2, n, "one series per code")
}
