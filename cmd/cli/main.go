// Command prov is a CLI client for the provenance ledger service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	grpcserver "github.com/and161185/provenance/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app carries global flags shared by every subcommand.
type app struct {
	out       io.Writer
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
	timeout   time.Duration

	dialOpts []grpc.DialOption
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fail(err)
	}
}

func newRootCmd(out io.Writer, dialOpts ...grpc.DialOption) *cobra.Command {
	a := &app{out: out, dialOpts: dialOpts}
	root := &cobra.Command{
		Use:           "prov",
		Short:         "Provenance ledger CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	pf := root.PersistentFlags()
	pf.StringVar(&a.addr, "addr", "localhost:8443", "server address")
	pf.StringVar(&a.caPath, "ca", "", "CA certificate (PEM)")
	pf.BoolVar(&a.insecure, "insecure", false, "skip certificate verification (dev)")
	pf.BoolVar(&a.plaintext, "plaintext", false, "no TLS (dev server only)")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "per-call timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the client version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(a.out, "prov %s (%s)\n", version, buildDate)
			},
		},
		a.accountCmd(),
		a.productCmd(),
		a.checkpointCmd(),
		a.verifierCmd(),
		a.transferCmd(),
		a.certCmd(),
		a.eventsCmd(),
	)
	return root
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func (a *app) dial(bearer string) (*grpc.ClientConn, *grpcserver.Client, error) {
	creds := insecure.NewCredentials()
	if !a.plaintext {
		var err error
		if creds, err = loadTLS(a.caPath, a.insecure); err != nil {
			return nil, nil, err
		}
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, a.dialOpts...)
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !a.plaintext}))
	}
	cc, err := grpc.NewClient(a.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewClient(cc), nil
}

// call invokes method with req, attaching the saved token unless public.
func (a *app) call(ctx context.Context, method string, req map[string]any, public bool) (*structpb.Struct, error) {
	token := ""
	if !public {
		var err error
		if token, err = loadToken(); err != nil {
			return nil, err
		}
	}
	msg, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	cc, cli, err := a.dial(token)
	if err != nil {
		return nil, err
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return cli.Call(ctx, method, msg)
}

// run calls an authenticated method and prints the reply.
func (a *app) run(cmd *cobra.Command, method string, req map[string]any) error {
	out, err := a.call(cmd.Context(), method, req, false)
	if err != nil {
		return err
	}
	return a.print(out)
}

var jsonOut = protojson.MarshalOptions{Multiline: true, Indent: "  "}

func (a *app) print(m *structpb.Struct) error {
	b, err := jsonOut.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(b))
	return err
}

// ---- helpers ----

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
