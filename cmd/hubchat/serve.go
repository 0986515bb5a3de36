// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/hub"
)

type serveConfig struct {
	grpcAddr       string
	adminAddr      string
	logLevel       string
	detailedErrors bool
	tracing        bool
}

func serveCmd() *cobra.Command {
	var cfg serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat hub and the admin endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.grpcAddr, "grpc-addr", ":5000", "gRPC listen address")
	cmd.Flags().StringVar(&cfg.adminAddr, "admin-addr", ":5080", "admin and metrics HTTP listen address, empty to disable")
	cmd.Flags().StringVar(&cfg.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&cfg.detailedErrors, "detailed-errors", false, "send error text of unexpected failures to clients")
	cmd.Flags().BoolVar(&cfg.tracing, "tracing", false, "start an OpenTelemetry span per call")

	return cmd
}

func runServe(ctx context.Context, cfg serveConfig) error {
	logger, err := newLogger(cfg.logLevel)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := streamrpc.NewMetrics(reg)
	if err := metrics.Register(); err != nil {
		return err
	}

	opts := []streamrpc.ServerOption{
		streamrpc.WithLogger(logger),
		streamrpc.WithMetrics(metrics),
		streamrpc.WithDetailedErrors(cfg.detailedErrors),
	}
	if cfg.tracing {
		opts = append(opts, streamrpc.WithGlobalFilter(0, streamrpc.TracingFilter(nil)))
	}
	srv := streamrpc.NewServer(opts...)

	if err := streamrpc.RegisterService(srv, "Echo", func(*streamrpc.ServiceContext) EchoService {
		return EchoService{}
	}); err != nil {
		return err
	}
	chat, err := hub.Map(srv, "Chat", newChatHub)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.grpcAddr)
	})

	if cfg.adminAddr != "" {
		admin, err := streamrpc.NewAdminHandler(reg, hub.NewGroupsService(chat).AdminService())
		if err != nil {
			return err
		}
		httpSrv := &http.Server{
			Addr:              cfg.adminAddr,
			Handler:           admin,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin listening", "addr", cfg.adminAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
