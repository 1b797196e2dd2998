package main

import (
	"context"
	"time"

	"github.com/FairForge/assetvault/internal/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// requestBodyFactor sizes the POST /records body limit relative to the
// stored document ceiling.
const requestBodyFactor = 64

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the recovery loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			server, err := api.NewServer(cfg.Server.Addr, api.Deps{
				Pipeline: a.pipeline,
				Monitor:  a.monitor,
				Registry: a.registry,
				Metrics:  a.metrics,
				Blobs:    a.blobs,
			}, int64(cfg.Docstore.MaxRecordBytes)*requestBodyFactor, logger)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(cmd.Context())
			g.Go(server.Start)
			g.Go(func() error {
				return a.monitor.Run(gctx, cfg.Health.RecoveryInterval)
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})

			logger.Info("assetvault started",
				zap.String("addr", cfg.Server.Addr),
				zap.String("blob_driver", a.blobs.DriverName()),
				zap.String("docstore", a.store.Name()),
				zap.Duration("recovery_interval", cfg.Health.RecoveryInterval))
			start := time.Now()
			err = g.Wait()
			logger.Info("assetvault stopped", zap.Duration("uptime", time.Since(start)))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
