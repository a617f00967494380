// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/mcp-stdio-bridge/pkg/broadcast"
	"github.com/go-core-stack/mcp-stdio-bridge/pkg/config"
	"github.com/go-core-stack/mcp-stdio-bridge/pkg/gateway"
	"github.com/go-core-stack/mcp-stdio-bridge/pkg/process"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBridge(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start bridge")
	}

	if err := b.serve(ctx); err != nil {
		log.Fatal().Err(err).Msg("bridge exited unexpectedly")
	}
}

// bridge ties the subprocess, the broadcaster and the HTTP listener together.
type bridge struct {
	cfg        config.Config
	hub        *broadcast.Broadcaster
	supervisor *process.Supervisor
	server     *http.Server
	listener   net.Listener
}

// newBridge loads the server configuration, launches the subprocess and binds
// the listener. Nothing is spawned or bound when the configuration is unusable.
func newBridge(ctx context.Context, cfg config.Config) (*bridge, error) {
	server, err := config.LoadServer(cfg.ServersFile, cfg.ServerName)
	if err != nil {
		return nil, fmt.Errorf("load server configuration: %w", err)
	}

	hub := broadcast.New(broadcast.WithQueueLimit(cfg.QueueLimit))
	supervisor := process.New(hub,
		process.WithReadRetry(cfg.ReadRetryDelay, cfg.MaxReadRetries),
		process.WithMaxFrameSize(cfg.MaxFrameBytes),
	)

	// The read loop outlives the startup context; Stop ends it on shutdown.
	if err := supervisor.Start(context.WithoutCancel(ctx), server); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
		defer cancel()
		supervisor.Stop(stopCtx)
		return nil, fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	return &bridge{
		cfg:        cfg,
		hub:        hub,
		supervisor: supervisor,
		listener:   listener,
		server: &http.Server{
			Handler:      gateway.New(cfg, hub, supervisor),
			ReadTimeout:  cfg.ServerReadTimeout,
			WriteTimeout: cfg.ServerWriteTimeout,
			IdleTimeout:  cfg.ServerIdleTimeout,
		},
	}, nil
}

// serve runs the HTTP server until ctx is done, then shuts everything down.
func (b *bridge) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("listen_addr", b.listener.Addr().String()).
			Msg("starting MCP stdio bridge")
		if err := b.server.Serve(b.listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		b.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown releases the event streams first so the HTTP server can drain, then
// stops the subprocess.
func (b *bridge) shutdown() {
	log.Info().Msg("shutting down MCP stdio bridge")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.GracefulShutdownTimeout)
	defer cancel()

	b.hub.Close()

	if err := b.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := b.server.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	b.supervisor.Stop(shutdownCtx)

	log.Info().Msg("bridge stopped")
}
