// Command prov-server starts the provenance ledger gRPC server.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/provenance/internal/clock"
	"github.com/and161185/provenance/internal/config"
	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/limiter"
	"github.com/and161185/provenance/internal/logger"
	"github.com/and161185/provenance/internal/metrics"
	"github.com/and161185/provenance/internal/migrate"
	"github.com/and161185/provenance/internal/repository"
	"github.com/and161185/provenance/internal/repository/memory"
	"github.com/and161185/provenance/internal/repository/postgres"
	grpcserver "github.com/and161185/provenance/internal/server/grpc"
	"github.com/and161185/provenance/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// Health and reflection are reachable without a token.
var infraMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
	"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo",
	"/grpc.reflection.v1alpha.ServerReflection/ServerReflectionInfo",
}

// main loads configuration, wires storage and sinks, and serves until signalled.
func main() {
	cfgFile := flag.String("config", "", "config file (yaml)")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (selects the postgres store)")
	dev := flag.Bool("dev", false, "plaintext transport and server reflection (dev only)")
	flag.Parse()

	cfg, err := config.Read(*cfgFile)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	applyFlags(&cfg, *addr, *dsn, *dev)
	if err := config.Validate(cfg); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	log := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("storage", zap.Error(err))
	}
	defer be.close()

	broker := events.NewBroker(cfg.Events.Buffer)
	pub := events.Multi{broker}
	if len(cfg.Events.KafkaBrokers) > 0 {
		k, cl, err := events.DialKafka(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			log.Fatal("kafka", zap.Error(err))
		}
		defer cl.Close()
		pub = append(pub, k)
	}

	m := metrics.NewDefault()
	ledger := service.NewProvenance(be.store, clock.NewWall(),
		service.WithLogger(log.Named("ledger")),
		service.WithPublisher(pub),
		service.WithMetrics(m),
	)

	authSvc := service.NewAuthService(be.accounts, []byte(cfg.Auth.JWTKey), cfg.Auth.AccessTTL, be.limiter)

	creds := insecure.NewCredentials()
	if !cfg.Server.Insecure {
		creds, err = credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			log.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
	}

	signKey := []byte(cfg.Auth.JWTKey)
	public := append(append([]string{}, grpcserver.PublicMethods...), infraMethods...)
	s := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(log),
			grpcserver.LoggingUnary(log),
			grpcserver.MetricsUnary(m),
			grpcserver.AuthUnary(signKey, public...),
		),
		grpc.ChainStreamInterceptor(
			grpcserver.RecoverStream(log),
			grpcserver.LoggingStream(log),
			grpcserver.AuthStream(signKey, public...),
		),
	)
	grpcserver.RegisterProvenanceServer(s, grpcserver.New(authSvc, ledger, broker, log))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if cfg.Server.Reflection {
		reflection.Register(s)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", !cfg.Server.Insecure))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		if metricsSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = metricsSrv.Shutdown(sctx)
			cancel()
		}
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("shutdown complete")
}

// applyFlags lets command-line flags override loaded configuration.
func applyFlags(cfg *config.Config, addr, dsn string, dev bool) {
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dsn != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = dsn
	}
	if dev {
		cfg.Server.Insecure = true
		cfg.Server.Reflection = true
		if cfg.Auth.JWTKey == "" {
			cfg.Auth.JWTKey = "dev-only-signing-key-change-me"
		}
	}
}

// backend bundles the storage-dependent components.
type backend struct {
	store    repository.Store
	accounts repository.AccountRepository
	limiter  limiter.Limiter
	close    func()
}

// openBackend selects in-memory or PostgreSQL storage; with PostgreSQL the
// login limiter is persisted as well.
func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	a := cfg.Auth
	if cfg.Storage.Driver != "postgres" {
		return &backend{
			store:    memory.NewStore(),
			accounts: memory.NewAccountRepo(),
			limiter:  limiter.NewMemory(a.FailWindow, a.MaxFails, a.BlockFor),
			close:    func() {},
		}, nil
	}
	if cfg.Storage.Migrate {
		if _, err := migrate.Up(ctx, cfg.Storage.DSN, log); err != nil {
			return nil, err
		}
	}
	db, err := postgres.New(ctx, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	return &backend{
		store:    postgres.NewStore(db),
		accounts: postgres.NewAccountRepo(db),
		limiter:  limiter.NewPG(db.Pool, a.FailWindow, a.MaxFails, a.BlockFor),
		close:    db.Close,
	}, nil
}
