package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/codexec/internal/domain"
	"github.com/dontdude/codexec/internal/platform/docker"
	"github.com/dontdude/codexec/internal/platform/pubsub"
	"github.com/dontdude/codexec/internal/platform/web"
	"github.com/dontdude/codexec/internal/process"
	"github.com/dontdude/codexec/internal/session"
	"github.com/dontdude/codexec/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr, workDir, runner string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept WebSocket sessions and run submitted programs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("workdir") {
				cfg.WorkDir = workDir
			}
			if cmd.Flags().Changed("runner") {
				cfg.Runner = runner
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			logger := newLogger(os.Stdout, cfg.LogJSON)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :5000)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "root directory for session workspaces")
	cmd.Flags().StringVar(&runner, "runner", "", "process backend: local or docker")
	return cmd
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	// 1. Workspace root
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	allocator := workspace.New(cfg.WorkDir)

	// 2. Process backend (Fail-Fast if docker is configured but unreachable)
	starter, closeStarter, err := newStarter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStarter()

	// 3. Optional output broadcast
	var broadcaster domain.Broadcaster
	if cfg.Redis.Addr != "" {
		rb, err := pubsub.NewRedisBroadcaster(cfg.Redis.Addr, cfg.Redis.Prefix)
		if err != nil {
			return err
		}
		defer rb.Close()
		broadcaster = rb
		logger.Info("Broadcasting session output", "redis", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	}

	// 4. Sessions and HTTP surface
	sessions := session.NewManager(session.Config{
		Allocator:   allocator,
		Toolchain:   cfg.Toolchain,
		Starter:     starter,
		Broadcaster: broadcaster,
		Logger:      logger,
	})
	limiter := web.NewRateLimiter(ctx, cfg.RateLimit.Rate, cfg.RateLimit.Burst)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           web.NewHandler(sessions, limiter, broadcaster, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "addr", cfg.Addr, "runner", cfg.Runner, "workdir", cfg.WorkDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// 5. Graceful shutdown: stop accepting, then kill every live program
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Sessions still running at exit", "error", err)
	}
	return nil
}

func newStarter(ctx context.Context, cfg Config, logger *slog.Logger) (domain.ProcessStarter, func(), error) {
	switch cfg.Runner {
	case runnerDocker:
		ds, err := docker.NewStarter(ctx, docker.Config{
			Image:     cfg.Docker.Image,
			MountRoot: cfg.WorkDir,
			Pull:      cfg.Docker.Pull,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return ds, func() { ds.Close() }, nil
	default:
		if missing := cfg.Toolchain.Missing(); len(missing) > 0 {
			logger.Warn("Toolchain incomplete, some languages will fail", "missing", missing)
		}
		return &process.Runner{KillGrace: cfg.KillGrace, Logger: logger}, func() {}, nil
	}
}
