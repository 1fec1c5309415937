package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nodefluent/zamza/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume, deliver hooks, run jobs and serve the admin API",
		Long: `Run a zamza instance until SIGINT or SIGTERM.

Environment:
  KAFKA_BOOTSTRAP_SERVERS   broker list (required)
  KAFKA_GROUP_ID            consumer group of the live loop (zamza)
  POSTGRES_DSN              key index store, in-memory when empty
  PORT                      admin API port (1912)
  HOOKS_ENABLED             deliver messages to webhooks (false)
  HOOKS_ONLY                deliver without storing (false)
  SEED_FILE                 YAML with topic configs and hooks to upsert`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}
			return a.Run(ctx)
		},
	}
}
