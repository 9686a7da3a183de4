package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"issuebot/internal/api"
	"issuebot/internal/dedup"
	"issuebot/internal/github"
	"issuebot/internal/ingest"
	"issuebot/internal/llm"
	"issuebot/internal/queue"
	"issuebot/internal/ratelimit"
	"issuebot/internal/worker"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the task processor and the issue poller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	logger := slog.Default()
	logger.Info("starting issuebot", "mode", cfg.SystemMode, "env", cfg.Env)

	q, err := queue.NewFileQueue(cfg)
	if err != nil {
		return err
	}
	index := dedup.New(q)

	gh, err := github.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	processor := worker.NewProcessor(cfg, q, llm.NewClient(cfg), gh)

	var puller *ingest.Puller
	if cfg.PullEnabled() {
		puller = ingest.NewPuller(cfg, gh, q, index)
	}

	var limiter *ratelimit.TokenBucket
	if cfg.PushEnabled() {
		if limiter = ratelimit.FromConfig(cfg); limiter != nil {
			defer limiter.Close()
			logger.Info("webhook rate limiting enabled", "redis", cfg.RedisAddr)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	wake, err := q.Watch(gctx)
	if err != nil {
		logger.Warn("pending directory watch unavailable, polling only", "err", err)
	} else {
		processor.WakeOn(wake)
	}

	server := api.New(cfg, api.Deps{
		Queue:     q,
		Index:     index,
		Receiver:  ingest.NewReceiver(q),
		Puller:    puller,
		Limiter:   limiter,
		Lifecycle: gctx,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := processor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if puller != nil {
		started, err := puller.Start(gctx)
		switch {
		case err != nil:
			logger.Info("issue pulling not started", "reason", err)
		case started:
			logger.Info("auto-started issue pulling", "repos", cfg.PullingRepos, "interval", cfg.PullingInterval)
		}
		g.Go(func() error {
			<-gctx.Done()
			puller.Wait()
			return nil
		})
	}

	err = g.Wait()
	logger.Info("issuebot stopped")
	return err
}
