package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nodefluent/zamza/internal/config"
	"github.com/nodefluent/zamza/internal/jobs"
	"github.com/nodefluent/zamza/internal/poller"
	"github.com/nodefluent/zamza/internal/store"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired records of delete policy topics once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(_ *config.Config, st store.Store, logger *slog.Logger) error {
				p := poller.New(st.TopicConfigs(), st.Hooks(), 0, nil, logger)
				if err := p.Poll(cmd.Context()); err != nil {
					return err
				}
				removed, err := jobs.NewCleanup(st.KeyIndex(), p, nil, logger).RunOnce(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired records\n", removed)
				return err
			})
		},
	}
}
