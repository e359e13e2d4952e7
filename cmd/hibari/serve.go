package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hibari/common/version"
	"github.com/bdobrica/Hibari/internal/hibari/app"
	"github.com/bdobrica/Hibari/internal/hibari/config"
	"github.com/bdobrica/Hibari/internal/hibari/observability"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the configured platforms and start chatting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger := observability.Setup(cfg.Log.Level, cfg.Log.Format,
				cfg.LLM.APIKey, cfg.Matrix.AccessToken, cfg.Discord.Token)
			logger.Info("starting", "version", version.Version, "commit", version.GitCommit)

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}
