package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/warden/internal/app/migrate"
	"github.com/splax/warden/internal/engine/terraform"
	"github.com/splax/warden/internal/events"
	httpx "github.com/splax/warden/internal/http"
	"github.com/splax/warden/internal/metrics"
	"github.com/splax/warden/internal/repository/postgres"
	"github.com/splax/warden/internal/service/budget"
	"github.com/splax/warden/internal/service/governance"
	"github.com/splax/warden/internal/service/jit"
	"github.com/splax/warden/internal/service/policy"
	"github.com/splax/warden/internal/service/quota"
	"github.com/splax/warden/internal/service/session"
	"github.com/splax/warden/internal/service/vault"
	"github.com/splax/warden/pkg/config"
	"github.com/splax/warden/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()
	log := logger.New("warden", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	m := metrics.New()

	hub := events.NewHub(64)
	defer hub.Close()
	var publisher events.Publisher = hub
	if addr := strings.TrimSpace(cfg.EventsRedisAddr); addr != "" {
		redisPub, err := events.NewRedisPublisher(addr, cfg.EventsRedisPass, cfg.EventsRedisDB, hub, log)
		if err != nil {
			log.Warn("redis event fan-out unavailable", "error", err)
		} else {
			publisher = redisPub
			defer redisPub.Close()
		}
	}

	var engine terraform.Runner
	if cfg.TerraformUseDock {
		engine, err = terraform.NewDockerRunner("", cfg.TerraformImage, log)
		if err != nil {
			log.Error("failed to create docker engine runner", "error", err)
			os.Exit(1)
		}
	} else {
		engine = terraform.NewExecRunner(cfg.TerraformBin, log)
	}

	ledger := quota.NewLedger(repo, log, m)
	policyEngine := policy.NewEngine(repo, ledger, log, m)
	guard := budget.NewGuard(repo, repo, repo, publisher, log)
	vlt := vault.New(cfg.VaultMaxAge, log, m)
	machine := session.NewMachine(repo, repo, policyEngine, ledger, guard, vlt, engine, publisher, log, m, session.Config{
		TTL:           cfg.SessionTTL,
		SweepInterval: cfg.SessionSweepInterval,
		PlanTimeout:   cfg.PlanTimeout,
		ApplyTimeout:  cfg.ApplyTimeout,
		WorkspaceRoot: cfg.WorkspaceRoot,
	})
	registry := jit.NewRegistry(repo, publisher, log, m, cfg.GrantTokenSecret, cfg.JitSweepInterval)
	facade := governance.New(repo, repo, ledger, guard, vlt, machine, registry, log, 24*time.Hour)

	go registry.Run(ctx)
	go machine.Run(ctx)
	go vlt.RunJanitor(ctx, cfg.VaultJanitorInterval)
	go facade.RunBlobJanitor(ctx, cfg.VaultJanitorInterval)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listener starting", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	router := httpx.NewRouter(log, facade, pool.Ping)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("warden starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("warden stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
