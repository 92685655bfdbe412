package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"salequeue/internal/api"
	"salequeue/internal/config"
	"salequeue/internal/handoff"
	"salequeue/internal/model"
	"salequeue/internal/obs"
	"salequeue/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "queueserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := storage.Open(ctx, storage.Config{
		Path:         cfg.DBPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	var gateway model.OrderGateway = model.NopGateway{}
	if cfg.RedisAddr != "" {
		hopts := handoff.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Queue: cfg.CheckoutQueue}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := handoff.Ping(pingCtx, hopts)
		cancel()
		if err != nil {
			return fmt.Errorf("checkout handoff: %w", err)
		}
		gw := handoff.NewGateway(hopts)
		defer gw.Close()
		gateway = gw
	}

	svc := model.NewService(db.DB, logger, metrics, model.Options{
		StaleAfter:    cfg.StaleAfter,
		CheckoutHold:  cfg.CheckoutHold,
		ReleaseBatch:  cfg.ReleaseBatch,
		MaxInCheckout: cfg.MaxInCheckout,
		Retention:     cfg.Retention,
		Gateway:       gateway,
	})
	apiServer := api.NewServer(svc, logger)
	mon := model.NewMonitor(svc, logger, metrics, cfg.MonitorInterval)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		mon.Run(gctx) // exits when ctx is cancelled
		return nil
	})

	g.Go(func() error {
		logger.Info(map[string]interface{}{
			"op":      "startup",
			"addr":    cfg.Addr,
			"db":      cfg.DBPath,
			"handoff": cfg.RedisAddr != "",
		})
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(map[string]interface{}{"op": "shutdown"})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info(map[string]interface{}{"op": "stopped"})
	return err
}
