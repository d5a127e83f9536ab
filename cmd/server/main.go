package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/baseplate/timeseries/config"
	"github.com/baseplate/timeseries/internal/api"
	"github.com/baseplate/timeseries/internal/api/middleware"
	"github.com/baseplate/timeseries/internal/core/timeseries"
	"github.com/baseplate/timeseries/internal/core/validation"
	"github.com/baseplate/timeseries/internal/logger"
	"github.com/baseplate/timeseries/internal/metrics"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "timeseries",
		Short:        "Stores NGSI notifications as time series and serves their history",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml config file")

	cmd.AddCommand(newTokenCommand(&configPath))
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("JWT secret not set, the API is unauthenticated")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	service, err := timeseries.OpenService(cfg, log, m)
	if err != nil {
		log.Error().Err(err).Msg("failed to open backends")
		return err
	}
	defer service.Close()

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := service.Setup(setupCtx); err != nil {
		log.Warn().Err(err).Msg("backend setup failed, continuing")
	}
	cancel()

	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}

	router := api.NewRouter(service, validator, cfg.Auth.JWTSecret, reg, m, log)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router.Setup(cfg.Server.Mode),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Strs("backends", service.Backends()).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
			return err
		}
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		tenants string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("no JWT secret configured")
			}
			var list []string
			for t := range strings.SplitSeq(tenants, ",") {
				if t = strings.TrimSpace(t); t != "" {
					list = append(list, t)
				}
			}
			token, err := middleware.SignToken(cfg.Auth.JWTSecret, list, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&tenants, "tenants", "", "comma separated tenants the token grants, empty for all")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
