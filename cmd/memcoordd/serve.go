package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"memcoord/internal/config"
	"memcoord/internal/httpapi"
	"memcoord/internal/manager"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr, corsOrigins string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if origins := splitCSV(corsOrigins); len(origins) > 0 {
				cfg.CORS.Enabled = true
				cfg.CORS.Origins = origins
			}
			setupLogging(cfg.LogLevel, cfg.LogFormat)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, overrides the config (e.g. :8080)")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed origins; enables CORS")
	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := buildManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn().Err(err).Msg("close manager")
		}
	}()
	mgr.SetEventPublisher(manager.FanOut(
		manager.LogPublisher{L: log.With().Str("component", "events").Logger()},
		manager.MetricsPublisher{},
	))

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(int64(cfg.MaxBodyBytes))
	httpapi.SetEnsureTimeout(cfg.Coordination.Timeout.Std())
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rep := mgr.SanityCheck(cfg.ModelsDir)
	log.Info().
		Str("addr", cfg.Addr).
		Str("models_dir", cfg.ModelsDir).
		Int("models", rep.Models).
		Int("devices", rep.Devices).
		Str("default_device", string(mgr.DefaultDevice())).
		Str("cache_limit", humanize.IBytes(cfg.Cache.Limit.Bytes())).
		Msg("memcoordd listening")
	if rep.Error != "" {
		log.Warn().Str("problem", rep.Error).Msg("sanity check")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown")
		}
		return nil
	})
	err = g.Wait()
	if ctx.Err() != nil {
		log.Info().Msg("shutting down")
		return nil
	}
	return err
}

func buildManager(ctx context.Context, cfg config.Config) (*manager.Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return manager.Build(ctx, cfg, manager.BuildOptions{})
}
