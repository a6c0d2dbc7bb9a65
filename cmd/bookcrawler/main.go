// Package main wires together the window pool service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bookdeal/market-crawler/internal/api"
	"github.com/bookdeal/market-crawler/internal/clock/system"
	"github.com/bookdeal/market-crawler/internal/config"
	driverchromedp "github.com/bookdeal/market-crawler/internal/driver/chromedp"
	"github.com/bookdeal/market-crawler/internal/logging"
	"github.com/bookdeal/market-crawler/internal/policy/ratelimit"
	"github.com/bookdeal/market-crawler/internal/pool"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	limiter := ratelimit.New(ratelimit.Config{
		Window:       cfg.RateLimit.WindowDuration(),
		MaxRequests:  cfg.RateLimit.MaxRequests,
		Penalty:      cfg.RateLimit.PenaltyDuration(),
		LoginRecheck: cfg.RateLimit.LoginRecheckDuration(),
	}, clock, logger.Named("ratelimit"))

	driver := driverchromedp.New(driverchromedp.Config{
		DebugURL:   cfg.Driver.DebugURL,
		UserAgent:  cfg.Driver.UserAgent,
		NavTimeout: cfg.Driver.NavTimeout(),
		NavRPS:     cfg.Driver.NavRPS,
	}, logger.Named("driver"))

	windowPool := pool.New(pool.Config{
		Size:         cfg.Pool.Size,
		StartURL:     cfg.Pool.StartURL,
		PollInterval: cfg.Pool.PollInterval(),
	}, driver, limiter, clock, logger.Named("pool"))

	if err := windowPool.Initialize(ctx); err != nil {
		logger.Fatal("window pool initialization failed", zap.Error(err))
	}

	apiServer := api.NewServer(windowPool, limiter, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := windowPool.Disconnect(shutdownCtx); err != nil {
		logger.Error("pool disconnect error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
