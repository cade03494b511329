package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"durable-queue/internal/api"
	"durable-queue/internal/config"
	"durable-queue/internal/logging"
	"durable-queue/internal/queue"
	"durable-queue/internal/ratelimit"
	"durable-queue/internal/store"
	"durable-queue/internal/websocket"
	"durable-queue/internal/worker"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file overlaid on the environment")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.New(cfg.Log, os.Stdout).With("env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	engine := queue.New(st,
		queue.WithLogger(logger),
		queue.WithRetryInterval(cfg.Queue.ErrorRetryIn),
		queue.WithSettleDelay(cfg.Queue.SettleDelay),
		queue.WithDispatchInterval(cfg.Queue.DispatchInterval),
	)

	processor := worker.NewProcessor(engine, logger, worker.WithTimeout(cfg.Queue.HandlerTimeout))
	processor.RegisterSinks(cfg.Queue.SinkTopics)
	defer processor.Close()

	hub := websocket.NewHub(logger)
	detach := hub.Attach(engine)
	defer detach()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("start queue: %v", err)
	}

	var limiter api.Admitter
	if cfg.RateLimit.Capacity > 0 {
		client := ratelimit.NewClient(cfg.RateLimit)
		defer client.Close()
		limiter = ratelimit.New(client, cfg.RateLimit)
	}

	server := api.New(cfg, engine, limiter, hub, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		hub.Close()
		err := httpServer.Shutdown(shutdownCtx)
		if stopErr := engine.Stop(shutdownCtx); stopErr != nil {
			logger.Error("stop queue", "error", stopErr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("queued exited", "error", err)
		os.Exit(1)
	}
	logger.Info("queued stopped")
}
