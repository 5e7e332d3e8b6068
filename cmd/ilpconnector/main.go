package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ilpconnector/ccp"
	"ilpconnector/config"
	"ilpconnector/ledger"
	"ilpconnector/observability/logging"
	telemetry "ilpconnector/observability/otel"
	"ilpconnector/peers"
	"ilpconnector/pipeline"
	"ilpconnector/routing"
	"ilpconnector/storage"
	"ilpconnector/transport"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to connector configuration (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, logCloser := logging.Setup("ilpconnector", cfg.Env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("connector stopped", "error", err)
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "ilpconnector",
		Environment: cfg.Env,
		NodeAddress: cfg.Node.Address,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	l, err := ledger.Open(db, ledger.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if err := seedLedger(ctx, l, cfg); err != nil {
		return err
	}

	registry, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	router := routing.NewRouter(cfg.Node.Address, []byte(cfg.Node.RoutingSecret), logger)
	client := transport.NewClient(transport.WithClientLogger(logger))
	manager := ccp.NewManager(cfg.Routing.CCP(), router, registry, client.SendFunc(registry), logger)

	p, err := pipeline.New(cfg.PipelineSettings(), l, registry, router, client,
		pipeline.WithLogger(logger),
		pipeline.WithRouteHandler(manager),
	)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer p.Close()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start route manager: %w", err)
	}
	defer manager.Stop()

	auth := transport.NewAuthenticator(transport.AuthConfig{
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		ClockSkew: cfg.Auth.ClockSkew.Duration,
	}, l)
	srv := transport.NewServer(transport.ServerConfig{Tracing: cfg.Telemetry.Traces}, p, auth, logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("connector listening",
			"listen", cfg.Listen,
			"address", cfg.Node.Address,
			logging.MaskField("routing_secret", cfg.Node.RoutingSecret),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("listen and serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("connector stopped cleanly")
	return nil
}

// seedLedger creates the configured accounts and funds them. Accounts and
// deposits already present from a previous run are left alone.
func seedLedger(ctx context.Context, l *ledger.Ledger, cfg config.Config) error {
	for _, ac := range cfg.Accounts {
		spec, err := ac.Spec()
		if err != nil {
			return err
		}
		if _, err := l.CreateAccount(ctx, spec); err != nil && !errors.Is(err, ledger.ErrDuplicateAccountID) {
			return fmt.Errorf("create account %s: %w", spec.ID, err)
		}
		if amount := ac.DepositAmount(); amount != nil {
			err := l.Deposit(ctx, ledger.DepositOptions{
				AccountID:      spec.ID,
				Amount:         amount,
				IdempotencyKey: "startup-deposit/" + spec.ID,
			})
			if err != nil && !errors.Is(err, ledger.ErrDepositExists) {
				return fmt.Errorf("deposit to %s: %w", spec.ID, err)
			}
		}
	}
	for _, lc := range cfg.Liquidity {
		asset := ledger.Asset{Code: lc.AssetCode, Scale: lc.AssetScale}
		err := l.DepositLiquidity(ctx, ledger.LiquidityOptions{
			Asset:          asset,
			Amount:         lc.LiquidityAmount(),
			IdempotencyKey: "startup-liquidity/" + asset.String(),
		})
		if err != nil && !errors.Is(err, ledger.ErrDepositExists) {
			return fmt.Errorf("fund liquidity %s: %w", asset, err)
		}
	}
	return nil
}

// openRegistry builds the peer registry and loads the configured peers into
// it. Children without prefixes are addressed under the node's own address.
func openRegistry(ctx context.Context, cfg config.Config) (peers.Registry, func(), error) {
	static := make([]peers.Peer, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		p, err := pc.Peer()
		if err != nil {
			return nil, nil, err
		}
		if p.Relation == peers.RelationChild && len(p.Prefixes) == 0 {
			p.Prefixes = []string{cfg.Node.Address + "." + p.ID}
		}
		static = append(static, p)
	}

	if cfg.Registry.Driver == "memory" {
		reg, err := peers.NewMemRegistry(static...)
		if err != nil {
			return nil, nil, fmt.Errorf("load peers: %w", err)
		}
		return reg, func() {}, nil
	}

	db, err := peers.OpenDB(cfg.Registry.Driver, cfg.Registry.DSN)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	reg, err := peers.NewSQLRegistry(db)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	for _, p := range static {
		err := reg.Add(ctx, p)
		if errors.Is(err, peers.ErrPeerExists) {
			err = reg.Update(ctx, p)
		}
		if err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("load peer %s: %w", p.ID, err)
		}
	}
	return reg, closeDB, nil
}
