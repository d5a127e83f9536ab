package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/baseplate/timeseries/config"
	"github.com/baseplate/timeseries/internal/core/timeseries"
	"github.com/baseplate/timeseries/internal/logger"
)

// init-backend creates the metadata table on every configured backend so
// the first notification does not pay for it.
func main() {
	var (
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:          "init-backend",
		Short:        "Create the metadata table on every configured backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

			service, err := timeseries.OpenService(cfg, log, nil)
			if err != nil {
				return err
			}
			defer service.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := service.Setup(ctx); err != nil {
				log.Error().Err(err).Msg("backend setup failed")
				return err
			}
			log.Info().Strs("backends", service.Backends()).Msg("backends initialised")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a yaml config file")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall setup timeout")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
