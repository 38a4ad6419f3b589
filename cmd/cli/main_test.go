package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/provenance/internal/clock"
	"github.com/and161185/provenance/internal/convert"
	"github.com/and161185/provenance/internal/crypto"
	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/limiter"
	"github.com/and161185/provenance/internal/repository/memory"
	grpcserver "github.com/and161185/provenance/internal/server/grpc"
	"github.com/and161185/provenance/internal/service"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	return filepath.Join(dir, "provenance")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken(tokenFile{Identity: "acme", AccessToken: "tok", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	fi, err := os.Stat(tokenPath())
	if err != nil || fi.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", fi, err)
	}
	if err := saveToken(tokenFile{AccessToken: "tok2", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_readAll_File_And_Stdin(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "f.txt")
	_ = os.WriteFile(tmp, []byte("hello"), 0o600)
	b, err := readAll(tmp)
	if err != nil || string(b) != "hello" {
		t.Fatalf("readAll(file): %q %v", b, err)
	}

	r, w, _ := os.Pipe()
	old := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = old }()
	go func() { _, _ = io.WriteString(w, "from-stdin"); _ = w.Close() }()
	b, err = readAll("-")
	if err != nil || string(b) != "from-stdin" {
		t.Fatalf("readAll(stdin): %q %v", b, err)
	}
}

func Test_bearerCreds_Metadata(t *testing.T) {
	t.Parallel()

	b := bearerCreds{token: "T", secure: true}
	md, err := b.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata: %v", err)
	}
	if md["authorization"] != "Bearer T" {
		t.Fatalf("auth header mismatch: %v", md)
	}
	if !b.RequireTransportSecurity() {
		t.Fatalf("bearerCreds over TLS must require transport security")
	}
	if (bearerCreds{token: "T"}).RequireTransportSecurity() {
		t.Fatalf("plaintext bearerCreds must not require transport security")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	if creds, err := loadTLS("", true); err != nil || creds == nil {
		t.Fatalf("insecure: %v %v", creds, err)
	}
	if creds, err := loadTLS("", false); err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}
	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	if creds, err := loadTLS(tmp, false); err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}
}

func Test_digestSource(t *testing.T) {
	t.Parallel()

	want := crypto.DigestString("bill of lading").String()

	d := &digestSource{flag: "attestation", text: "bill of lading"}
	if got, err := d.value(); err != nil || got != want {
		t.Fatalf("text: %q %v", got, err)
	}

	p := filepath.Join(t.TempDir(), "bol.txt")
	_ = os.WriteFile(p, []byte("bill of lading"), 0o600)
	d = &digestSource{flag: "attestation", file: p}
	if got, err := d.value(); err != nil || got != want {
		t.Fatalf("file: %q %v", got, err)
	}

	d = &digestSource{flag: "attestation", hash: strings.TrimPrefix(want, "0x")}
	if got, err := d.value(); err != nil || got != want {
		t.Fatalf("hash: %q %v", got, err)
	}

	d = &digestSource{flag: "attestation", hash: "0x1234"}
	if _, err := d.value(); err == nil {
		t.Fatalf("short hash should error")
	}

	if got, err := (&digestSource{}).value(); err != nil || got != "" {
		t.Fatalf("empty: %q %v", got, err)
	}
}

// ---- end to end over an in-memory listener ----

type cliHarness struct{ dial grpc.DialOption }

func startCLIServer(t *testing.T) *cliHarness {
	t.Helper()
	log := zaptest.NewLogger(t)
	key := []byte("cli-test-secret")
	broker := events.NewBroker(16)
	ledger := service.NewProvenance(memory.NewStore(), clock.NewLogical(500), service.WithLogger(log), service.WithPublisher(broker))
	auth := service.NewAuthService(memory.NewAccountRepo(), key, time.Hour, limiter.NewMemory(time.Minute, 5, time.Minute))

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcserver.LoggingUnary(log), grpcserver.AuthUnary(key, grpcserver.PublicMethods...)),
		grpc.ChainStreamInterceptor(grpcserver.AuthStream(key)),
	)
	grpcserver.RegisterProvenanceServer(gs, grpcserver.New(auth, ledger, broker, log))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() { gs.Stop(); _ = lis.Close() })

	return &cliHarness{dial: grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() })}
}

func (h *cliHarness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := newRootCmd(&buf, h.dial)
	root.SetArgs(append([]string{"--addr", "passthrough:///bufnet", "--plaintext"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func (h *cliHarness) must(t *testing.T, args ...string) *structpb.Struct {
	t.Helper()
	out, err := h.run(t, args...)
	require.NoError(t, err, "prov %v", args)
	s := new(structpb.Struct)
	require.NoError(t, protojson.Unmarshal([]byte(out), s), out)
	return s
}

func (h *cliHarness) login(t *testing.T, identity string) {
	t.Helper()
	out, err := h.run(t, "account", "login", "-u", identity, "-p", "pw-"+identity)
	require.NoError(t, err)
	require.Contains(t, out, "logged in as "+identity)
}

func TestCLI_ProductLifecycle(t *testing.T) {
	_ = withTmpConfig(t)
	h := startCLIServer(t)

	for _, id := range []string{"acme", "shop"} {
		r := h.must(t, "account", "register", "-u", id, "-p", "pw-"+id)
		require.NotEmpty(t, convert.String(r, "account_id"))
	}

	_, err := h.run(t, "product", "get", "--product", "0")
	require.ErrorContains(t, err, "not logged in")

	h.login(t, "acme")
	r := h.must(t, "product", "register", "--name", "Olive oil", "--batch", "B1", "--origin", "Kalamata")
	require.Equal(t, "0", convert.String(r, "product_id"))

	r = h.must(t, "checkpoint", "append", "--product", "0", "--type", "shipping",
		"--location", "Piraeus", "--temperature", "18.5", "--attestation-text", "bill of lading")
	require.Equal(t, "1", convert.String(r, "checkpoint_id"))

	r = h.must(t, "checkpoint", "get", "--product", "0", "--checkpoint", "1")
	require.Equal(t, crypto.DigestString("bill of lading").String(), convert.String(r, "attestation_hash"))
	temp, err := convert.OptFloat(r, "temperature")
	require.NoError(t, err)
	require.InDelta(t, 18.5, *temp, 1e-9)

	r = h.must(t, "transfer", "initiate", "--product", "0", "--to", "shop")
	require.Equal(t, "0", convert.String(r, "transfer_id"))

	h.login(t, "shop")
	h.must(t, "transfer", "accept", "--product", "0", "--transfer", "0")

	r = h.must(t, "product", "get", "--product", "0")
	require.Equal(t, "shop", convert.String(r, "current_owner"))
	require.Equal(t, "in_transit", convert.String(r, "status"))

	r = h.must(t, "checkpoint", "list", "--product", "0")
	require.Len(t, r.GetFields()["checkpoints"].GetListValue().GetValues(), 3)

	r = h.must(t, "product", "verify", "--product", "0")
	require.Equal(t, "acme", convert.String(r, "manufacturer"))

	_, err = h.run(t, "product", "get", "--product", "99")
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestCLI_VerifiersAndCertifications(t *testing.T) {
	_ = withTmpConfig(t)
	h := startCLIServer(t)
	h.must(t, "account", "register", "-u", "acme", "-p", "pw-acme")
	h.login(t, "acme")

	h.must(t, "product", "register", "--name", "Feta", "--batch", "F7", "--origin", "Epirus")
	h.must(t, "verifier", "authorize", "--verifier", "lab", "--name", "Lab", "--role", "inspector")

	r := h.must(t, "verifier", "check", "--org", "acme", "--verifier", "lab")
	require.True(t, r.GetFields()["authorized"].GetBoolValue())

	h.must(t, "cert", "add", "--product", "0", "--type", "organic", "--expires", "100000",
		"--hash-text", "certificate body", "--uri", "ipfs://cert")
	r = h.must(t, "cert", "valid", "--product", "0", "--type", "organic")
	require.True(t, r.GetFields()["valid"].GetBoolValue())

	h.must(t, "cert", "revoke", "--product", "0", "--type", "organic")
	r = h.must(t, "cert", "valid", "--product", "0", "--type", "organic")
	require.False(t, r.GetFields()["valid"].GetBoolValue())

	h.must(t, "verifier", "revoke", "--verifier", "lab")
	r = h.must(t, "verifier", "get", "--org", "acme", "--verifier", "lab")
	require.False(t, r.GetFields()["is_active"].GetBoolValue())

	_, err := h.run(t, "cert", "add", "--product", "0", "--type", "x", "--expires", "1",
		"--hash", "0x00", "--hash-text", "both")
	require.Error(t, err)
}

func TestCLI_Version(t *testing.T) {
	var buf bytes.Buffer
	root := newRootCmd(&buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.True(t, strings.HasPrefix(buf.String(), "prov "))
}
