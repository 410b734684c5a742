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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/EAbdou1/recallkit/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs and the background job workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.buildPipeline(ctx); err != nil {
				return err
			}
			return serve(ctx, a)
		},
	}
}

// serve runs until ctx is canceled, then drains in-flight work.
func serve(ctx context.Context, a *app) error {
	log := a.logger.With("component", "serve")

	if a.index != nil {
		if err := a.index.Ensure(ctx); err != nil {
			log.Warn("vector index unavailable, recall will use exhaustive ranking", "error", err)
		}
	}

	// jobs keep running past ctx so shutdown can drain them
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	a.dispatcher.Start(workCtx)
	if n, err := a.dispatcher.Recover(ctx); err != nil {
		log.Error("recover pending jobs", "error", err)
	} else if n > 0 {
		log.Info("resumed unfinished jobs", "count", n)
	}

	health := func(ctx context.Context) error { return a.store.Ping(ctx) }
	httpSrv := &http.Server{
		Addr:              a.cfg.Server.HTTPAddr,
		Handler:           server.NewHTTP(a.manager, a.authn, health, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := grpc.NewServer()
	hs := server.NewGRPC(a.manager, a.authn, a.logger).Register(grpcSrv)

	grpcLis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("grpc listening", "addr", grpcLis.Addr().String())
		if err := grpcSrv.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		hs.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		if derr := a.dispatcher.Shutdown(shutdownCtx); derr != nil {
			log.Warn("jobs still running at shutdown", "error", derr)
			cancelWork()
		}
		return err
	})
	return g.Wait()
}
