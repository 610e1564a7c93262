package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goalkeeper/deployd/internal/app/migrate"
	"github.com/goalkeeper/deployd/internal/clients/portfolio"
	"github.com/goalkeeper/deployd/internal/config"
	httpx "github.com/goalkeeper/deployd/internal/http"
	"github.com/goalkeeper/deployd/internal/logger"
	"github.com/goalkeeper/deployd/internal/platform/vercel"
	"github.com/goalkeeper/deployd/internal/repository"
	"github.com/goalkeeper/deployd/internal/repository/memory"
	"github.com/goalkeeper/deployd/internal/repository/postgres"
	"github.com/goalkeeper/deployd/internal/service/content"
	"github.com/goalkeeper/deployd/internal/service/deploy"
	"github.com/goalkeeper/deployd/internal/service/templates"
	"github.com/goalkeeper/deployd/internal/ws"
)

func main() {
	cfg := config.Load()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("api", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo     repository.DeploymentRepository
		dbHealth func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
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
		repo = postgres.New(pool)
		dbHealth = pool.Ping
	} else {
		log.Warn("DATABASE_URL not set, using in-memory deployment store")
		repo = memory.NewStore()
	}

	portfolioClient, err := portfolio.New(cfg.PortfolioServiceURL)
	if err != nil {
		log.Error("invalid portfolio service url", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	catalog := templates.NewCatalog(cfg.TemplateRoot, log)
	assembler := content.NewAssembler(portfolioClient, log)
	platform := vercel.NewClient(vercel.Config{
		APIURL:       cfg.VercelAPIURL,
		Token:        cfg.VercelToken,
		PollInterval: cfg.PollInterval,
		RetryCeiling: cfg.RetryMaxElapsed,
	}, log)
	deploySvc := deploy.New(repo, catalog, assembler, platform, hub, log, cfg.DeployTimeout,
		deploy.WithReservedDomainSuffix(cfg.DomainSuffix))

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deploySvc, catalog, hub, limiter, cfg.AuthJWTSecret, cfg.StatusStreamBuffer, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := deploySvc.Shutdown(shutdownCtx); err != nil {
			log.Error("deployment workers did not drain", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
