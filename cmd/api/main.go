package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"qazna.org/identity/internal/audit"
	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/config"
	"qazna.org/identity/internal/httpapi"
	"qazna.org/identity/internal/obs"
	"qazna.org/identity/internal/store/memory"
	"qazna.org/identity/internal/store/pg"
	"qazna.org/identity/internal/store/redistoken"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $IDENTITY_CONFIG)")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("identity service stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	probe := httpapi.NewReadyProbe()

	var (
		store auth.Store
		db    *sql.DB
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pgStore, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pgStore.Close()
		probe.Add("postgres", pgStore)
		store = pgStore
		db = pgStore.DB()
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		store = memory.New()
	}

	var tokenStore auth.TokenStore = store
	if cfg.Auth.TokenStore == config.TokenStoreRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rs := redistoken.New(client,
			redistoken.WithPrefix(cfg.Redis.Prefix),
			redistoken.WithRetention(cfg.Redis.Retention),
		)
		probe.Add("redis", rs)
		tokenStore = rs
	}

	secret, err := cfg.Auth.SecretBytes()
	if err != nil {
		return fmt.Errorf("decode auth secret: %w", err)
	}
	issuer, err := auth.NewTokenIssuer(secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithTokenTTLs(cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}
	hasher, err := auth.NewPasswordHasher(
		auth.WithScheme(cfg.Auth.PasswordScheme),
		auth.WithArgon2Params(cfg.Auth.Argon2Params()),
		auth.WithBcryptCost(cfg.Auth.BcryptCost),
	)
	if err != nil {
		return fmt.Errorf("password hasher: %w", err)
	}
	svc, err := auth.NewService(store, issuer,
		auth.WithTokenStore(tokenStore),
		auth.WithPasswordHasher(hasher),
		auth.WithHashPool(auth.NewHashPool(cfg.Auth.HashWorkers)),
		auth.WithLogger(logger.Named("auth")),
	)
	if err != nil {
		return fmt.Errorf("auth service: %w", err)
	}

	if err := svc.RBAC().EnsureBuiltins(ctx); err != nil {
		return fmt.Errorf("ensure builtin roles: %w", err)
	}
	if err := bootstrapAdmin(ctx, svc, cfg.Bootstrap, logger); err != nil {
		return err
	}

	proxies, err := cfg.HTTP.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(version, commit)
	metrics.RegisterHashPool(svc.HashPool())
	if db != nil {
		metrics.RegisterDB(db)
	}

	api := httpapi.New(svc,
		httpapi.WithReadyProbe(probe),
		httpapi.WithMetrics(metrics),
		httpapi.WithAudit(audit.New(logger)),
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithRateLimit(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
		httpapi.WithTrustedProxies(proxies),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		httpapi.WithVersion(version),
	)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	health := httpapi.NewHealthServer(probe, logger.Named("grpc"))
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.HealthAddress)
	if err != nil {
		return fmt.Errorf("listen grpc health: %w", err)
	}

	logger.Info("starting identity service",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTP.Address),
		zap.String("grpc_health_addr", cfg.GRPC.HealthAddress),
		zap.String("store", cfg.Database.Driver),
		zap.String("token_store", cfg.Auth.TokenStore))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		health.Run(gctx, cfg.GRPC.HealthInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		err := httpSrv.Shutdown(shutdownCtx)
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			// health Watch streams never end on their own
			grpcSrv.Stop()
		}
		return err
	})
	return g.Wait()
}

// bootstrapAdmin creates the configured administrator unless the username is
// already taken.
func bootstrapAdmin(ctx context.Context, svc *auth.Service, cfg config.Bootstrap, logger *zap.Logger) error {
	if cfg.AdminUsername == "" {
		return nil
	}
	user, err := svc.CreateUser(ctx, cfg.AdminUsername, cfg.AdminPassword, []string{auth.RoleAdmin})
	switch {
	case errors.Is(err, auth.ErrDuplicateName):
		logger.Debug("bootstrap admin already present", zap.String("username", cfg.AdminUsername))
		return nil
	case err != nil:
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	logger.Info("bootstrap admin created", zap.String("user_id", user.ID))
	return nil
}
