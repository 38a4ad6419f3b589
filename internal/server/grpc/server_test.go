package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/provenance/internal/clock"
	"github.com/and161185/provenance/internal/convert"
	"github.com/and161185/provenance/internal/crypto"
	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/limiter"
	"github.com/and161185/provenance/internal/repository/memory"
	"github.com/and161185/provenance/internal/service"
)

const bufSize = 1 << 20

var signKey = []byte("test-secret")

type harness struct {
	cl     *Client
	broker *events.Broker
	clk    *clock.Logical
}

func startServer(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	broker := events.NewBroker(16)
	clk := clock.NewLogical(100)
	ledger := service.NewProvenance(memory.NewStore(), clk, service.WithLogger(log), service.WithPublisher(broker))
	auth := service.NewAuthService(memory.NewAccountRepo(), signKey, time.Hour, limiter.NewMemory(time.Minute, 5, time.Minute))

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log), AuthUnary(signKey, PublicMethods...)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log), AuthStream(signKey)),
	)
	RegisterProvenanceServer(gs, New(auth, ledger, broker, log))
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return &harness{cl: NewClient(cc), broker: broker, clk: clk}
}

func msg(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func codeOf(err error) codes.Code { return status.Code(err) }

// signIn registers identity and returns a context carrying its bearer token.
func (h *harness) signIn(t *testing.T, identity string) context.Context {
	t.Helper()
	ctx := context.Background()
	creds := msg(t, map[string]any{"identity": identity, "password": "pw-" + identity})
	r, err := h.cl.Call(ctx, "Register", creds)
	require.NoError(t, err)
	require.NotEmpty(t, convert.String(r, "account_id"))

	tok, err := h.cl.Call(ctx, "Login", creds)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+convert.String(tok, "access_token"))
}

func TestServer_LifecycleOverGRPC(t *testing.T) {
	t.Parallel()
	h := startServer(t)
	acme := h.signIn(t, "acme")
	shop := h.signIn(t, "shop")

	r, err := h.cl.Call(acme, "RegisterProduct", msg(t, map[string]any{
		"name": "Olive oil", "batch_number": "B1", "origin_location": "Kalamata",
	}))
	require.NoError(t, err)
	pid, err := convert.Uint(r, "product_id")
	require.NoError(t, err)
	require.Equal(t, uint64(0), pid)

	p, err := h.cl.Call(shop, "GetProduct", msg(t, map[string]any{"product_id": "0"}))
	require.NoError(t, err)
	require.Equal(t, "created", convert.String(p, "status"))
	require.Equal(t, "acme", convert.String(p, "manufacturer"))

	_, err = h.cl.Call(shop, "AppendCheckpoint", msg(t, map[string]any{"product_id": "0", "type": "shipping"}))
	require.Equal(t, codes.PermissionDenied, codeOf(err))

	r, err = h.cl.Call(acme, "AppendCheckpoint", msg(t, map[string]any{
		"product_id": 0, "type": "shipping", "location": "Piraeus", "temperature": 18.5,
		"attestation_hash": crypto.DigestString("bill of lading").String(),
	}))
	require.NoError(t, err)
	cid, _ := convert.Uint(r, "checkpoint_id")
	require.Equal(t, uint64(1), cid)

	r, err = h.cl.Call(acme, "InitiateTransfer", msg(t, map[string]any{"product_id": "0", "transferee": "shop"}))
	require.NoError(t, err)
	tid, _ := convert.Uint(r, "transfer_id")

	_, err = h.cl.Call(shop, "AcceptTransfer", msg(t, map[string]any{"product_id": "0", "transfer_id": convert.U(tid)}))
	require.NoError(t, err)

	tr, err := h.cl.Call(acme, "GetTransfer", msg(t, map[string]any{"product_id": "0", "transfer_id": "0"}))
	require.NoError(t, err)
	require.Equal(t, "completed", convert.String(tr, "status"))

	r, err = h.cl.Call(acme, "RecallProduct", msg(t, map[string]any{"product_id": "0", "reason": "contamination"}))
	require.NoError(t, err)
	rid, _ := convert.Uint(r, "checkpoint_id")
	require.Equal(t, uint64(3), rid)

	_, err = h.cl.Call(shop, "AppendCheckpoint", msg(t, map[string]any{"product_id": "0", "type": "retail"}))
	require.Equal(t, codes.FailedPrecondition, codeOf(err))

	list, err := h.cl.Call(shop, "ListCheckpoints", msg(t, map[string]any{"product_id": "0"}))
	require.NoError(t, err)
	cps := list.GetFields()["checkpoints"].GetListValue().GetValues()
	require.Len(t, cps, 4)
	require.Equal(t, "transfer", convert.String(cps[2].GetStructValue(), "type"))
	require.Equal(t, "recall", convert.String(cps[3].GetStructValue(), "type"))

	a, err := h.cl.Call(shop, "VerifyAuthenticity", msg(t, map[string]any{"product_id": "0"}))
	require.NoError(t, err)
	require.Equal(t, "recalled", convert.String(a, "status"))
	require.Equal(t, "B1", convert.String(a, "batch_number"))
}

func TestServer_VerifiersAndCertifications(t *testing.T) {
	t.Parallel()
	h := startServer(t)
	acme := h.signIn(t, "acme")
	lab := h.signIn(t, "lab")

	_, err := h.cl.Call(acme, "RegisterProduct", msg(t, map[string]any{"batch_number": "B7"}))
	require.NoError(t, err)

	_, err = h.cl.Call(acme, "AuthorizeVerifier", msg(t, map[string]any{"verifier": "lab", "verifier_name": "Lab", "role": "certifier"}))
	require.NoError(t, err)
	r, err := h.cl.Call(lab, "IsAuthorized", msg(t, map[string]any{"organization": "acme", "verifier": "lab"}))
	require.NoError(t, err)
	require.True(t, r.GetFields()["authorized"].GetBoolValue())

	hash := crypto.DigestString("report.pdf").String()
	_, err = h.cl.Call(lab, "AddCertification", msg(t, map[string]any{
		"product_id": "0", "cert_type": "ISO22000", "expiration_time": "1000", "cert_hash": hash,
	}))
	require.NoError(t, err)

	v, err := h.cl.Call(acme, "IsCertificationValid", msg(t, map[string]any{"product_id": "0", "cert_type": "ISO22000"}))
	require.NoError(t, err)
	require.True(t, v.GetFields()["valid"].GetBoolValue())

	c, err := h.cl.Call(acme, "GetCertification", msg(t, map[string]any{"product_id": "0", "cert_type": "ISO22000"}))
	require.NoError(t, err)
	require.Equal(t, "lab", convert.String(c, "certifier"))
	require.Equal(t, hash, convert.String(c, "cert_hash"))

	_, err = h.cl.Call(acme, "AddCertification", msg(t, map[string]any{
		"product_id": "0", "cert_type": "X", "expiration_time": "50",
	}))
	require.Equal(t, codes.InvalidArgument, codeOf(err))

	_, err = h.cl.Call(acme, "RevokeVerifier", msg(t, map[string]any{"verifier": "lab"}))
	require.NoError(t, err)
	e, err := h.cl.Call(acme, "GetAuthorization", msg(t, map[string]any{"organization": "acme", "verifier": "lab"}))
	require.NoError(t, err)
	require.False(t, e.GetFields()["is_active"].GetBoolValue())

	_, err = h.cl.Call(acme, "RevokeVerifier", msg(t, map[string]any{"verifier": "nobody"}))
	require.Equal(t, codes.NotFound, codeOf(err))

	_, err = h.cl.Call(lab, "RevokeCertification", msg(t, map[string]any{"product_id": "0", "cert_type": "ISO22000"}))
	require.NoError(t, err, "certifier revokes even after losing verifier status")
}

func TestServer_AuthAndArgumentErrors(t *testing.T) {
	t.Parallel()
	h := startServer(t)
	ctx := context.Background()
	acme := h.signIn(t, "acme")

	_, err := h.cl.Call(ctx, "GetProduct", msg(t, map[string]any{"product_id": "0"}))
	require.Equal(t, codes.Unauthenticated, codeOf(err))

	bad := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer not.a.jwt")
	_, err = h.cl.Call(bad, "GetProduct", msg(t, map[string]any{"product_id": "0"}))
	require.Equal(t, codes.Unauthenticated, codeOf(err))

	_, err = h.cl.Call(ctx, "Register", msg(t, map[string]any{"identity": "acme", "password": "other"}))
	require.Equal(t, codes.AlreadyExists, codeOf(err))

	_, err = h.cl.Call(ctx, "Register", msg(t, map[string]any{"identity": "x"}))
	require.Equal(t, codes.InvalidArgument, codeOf(err))

	_, err = h.cl.Call(ctx, "Login", msg(t, map[string]any{"identity": "acme", "password": "wrong"}))
	require.Equal(t, codes.Unauthenticated, codeOf(err))

	_, err = h.cl.Call(acme, "GetProduct", msg(t, map[string]any{"product_id": "42"}))
	require.Equal(t, codes.NotFound, codeOf(err))

	_, err = h.cl.Call(acme, "GetProduct", msg(t, map[string]any{}))
	require.Equal(t, codes.InvalidArgument, codeOf(err))

	_, err = h.cl.Call(acme, "AppendCheckpoint", msg(t, map[string]any{"product_id": "0", "attestation_hash": "0x12"}))
	require.Equal(t, codes.InvalidArgument, codeOf(err))

	_, err = h.cl.Call(acme, "InitiateTransfer", msg(t, map[string]any{"product_id": "-1"}))
	require.Equal(t, codes.InvalidArgument, codeOf(err))
}

func TestServer_WatchEvents(t *testing.T) {
	t.Parallel()
	h := startServer(t)
	acme := h.signIn(t, "acme")

	ctx, cancel := context.WithCancel(acme)
	defer cancel()
	stream, err := h.cl.Watch(ctx, msg(t, map[string]any{"product_id": "0", "kinds": []any{"checkpoint.appended"}}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.broker.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = h.cl.Call(acme, "RegisterProduct", msg(t, map[string]any{"batch_number": "B1"}))
	require.NoError(t, err)

	ev, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "checkpoint.appended", convert.String(ev, "kind"))
	require.Equal(t, "acme", convert.String(ev, "actor"))
	require.Equal(t, "manufacture", convert.String(ev.GetFields()["attrs"].GetStructValue(), "type"))
	require.NotEmpty(t, convert.String(ev, "id"))

	cancel()
	_, err = stream.Recv()
	require.Equal(t, codes.Canceled, codeOf(err))
}

func TestServer_WatchEvents_RequiresToken(t *testing.T) {
	t.Parallel()
	h := startServer(t)

	stream, err := h.cl.Watch(context.Background(), nil)
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Equal(t, codes.Unauthenticated, codeOf(err))
}

func TestServer_LoginThrottledAcrossSourcePorts(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t)
	ledger := service.NewProvenance(memory.NewStore(), clock.NewLogical(100), service.WithLogger(log))
	auth := service.NewAuthService(memory.NewAccountRepo(), signKey, time.Hour, limiter.NewMemory(time.Minute, 3, time.Minute))
	s := New(auth, ledger, events.NewBroker(1), log)

	_, err := s.Register(context.Background(), msg(t, map[string]any{"identity": "acme", "password": "right"}))
	require.NoError(t, err)

	from := func(port int) context.Context {
		return peer.NewContext(context.Background(), &peer.Peer{
			Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: port},
		})
	}
	bad := msg(t, map[string]any{"identity": "acme", "password": "wrong"})
	for i := 0; i < 2; i++ {
		_, err := s.Login(from(40000+i), bad)
		require.Equal(t, codes.Unauthenticated, codeOf(err))
	}
	_, err = s.Login(from(40002), bad)
	require.Equal(t, codes.ResourceExhausted, codeOf(err))

	// a fresh port on the same host is still blocked, even with the right password
	_, err = s.Login(from(41000), msg(t, map[string]any{"identity": "acme", "password": "right"}))
	require.Equal(t, codes.ResourceExhausted, codeOf(err))
}
