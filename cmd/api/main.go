package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xpertsphere.io/internal/audit"
	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/config"
	"xpertsphere.io/internal/federation"
	"xpertsphere.io/internal/grpcapi"
	"xpertsphere.io/internal/httpapi"
	"xpertsphere.io/internal/identity"
	"xpertsphere.io/internal/obs"
	"xpertsphere.io/internal/policy"
	"xpertsphere.io/internal/ratelimit"
	"xpertsphere.io/internal/store/memory"
	"xpertsphere.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}
	catalog := auth.DefaultCatalog
	mapping, err := config.LoadGroupMapping(cfg.GroupMappingsPath, catalog)
	if err != nil {
		return err
	}
	for _, rule := range mapping.Rules() {
		logger.Info("group mapping", "group", rule.Group, "roles", rule.Roles, "organization", rule.Organization)
	}

	var (
		store auth.Store
		ready httpapi.ReadyProbe
	)
	if cfg.DSN != "" {
		pgStore, err := pg.Open(cfg.DSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
		ready.DB = pgStore.DB()
	} else {
		logger.Warn("no database configured, using the in-memory store")
		store = memory.New(catalog)
	}

	tokens, err := auth.NewTokenService(store,
		auth.WithSigningKey(cfg.SigningKey),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
		auth.WithClockSkew(cfg.ClockSkew),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithTokenEvents(audit.Sink),
	)
	if err != nil {
		return err
	}
	provisioner := auth.NewProvisioner(store,
		auth.WithGroupMapping(mapping),
		auth.WithPreservedManualRoles(cfg.PreserveManualRoles),
		auth.WithProvisionerEvents(audit.Sink),
	)
	enricher := auth.NewEnricher(store, provisioner,
		auth.WithEnricherLogger(logger),
		auth.WithEnricherEvents(audit.Sink),
	)
	bridge, err := federation.NewBridge([]federation.RealmConfig{
		realmConfig(auth.RealmB2B, cfg.B2B),
		realmConfig(auth.RealmB2C, cfg.B2C),
	})
	if err != nil {
		return err
	}
	pipeline := identity.NewPipeline(tokens, bridge, enricher)

	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.RedisAddr != "" {
		rl, err := ratelimit.NewRedis(cfg.RedisAddr, cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			return err
		}
		defer rl.Close()
		limiter = rl
	}

	api := httpapi.New(ready, version, httpapi.Deps{
		Tokens:      tokens,
		Provisioner: provisioner,
		Pipeline:    pipeline,
		Policies:    policy.NewDefaultRegistry(catalog),
		Catalog:     catalog,
		Limiter:     limiter,

		TrustedProxies: cfg.TrustedProxies,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", srv.Addr, "version", version,
			"b2b", cfg.B2B.Enabled(), "b2c", cfg.B2C.Enabled(), "group_mappings", mapping.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpcapi.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv = grpcapi.NewServer(pipeline)
		go func() {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func realmConfig(realm auth.Realm, r config.Realm) federation.RealmConfig {
	return federation.RealmConfig{
		Realm:     realm,
		Issuer:    r.Issuer,
		Audience:  r.Audience,
		JWKSURL:   r.JWKSURL,
		ClockSkew: r.ClockSkew,
	}
}
