package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nodefluent/zamza/internal/app"
	"github.com/nodefluent/zamza/internal/config"
	"github.com/nodefluent/zamza/internal/store"
)

// openStore is replaced in tests.
var openStore = app.OpenStore

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zamza",
		Short: "Kafka topic indexer with webhooks and replays",
		Long: `zamza consumes configured Kafka topics into a queryable key index,
delivers messages to subscribed webhooks and replays topics on demand.

Configuration is read from the environment, see "zamza serve --help".`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newSweepCmd(), newLockCmd())
	return root
}

// setup loads the environment config and a logger writing to the command's
// error stream.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())
	return cfg, logger, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func withStore(cmd *cobra.Command, fn func(cfg *config.Config, st store.Store, logger *slog.Logger) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()
	return fn(cfg, st, logger)
}
