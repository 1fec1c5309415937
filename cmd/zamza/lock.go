package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nodefluent/zamza/internal/config"
	"github.com/nodefluent/zamza/internal/lock"
	"github.com/nodefluent/zamza/internal/store"
)

func newLockCmd() *cobra.Command {
	var (
		lease time.Duration
		keep  bool
	)
	cmd := &cobra.Command{
		Use:   "lock <name>",
		Short: "Try to acquire a named lease, e.g. metadata:orders",
		Long: `Try to acquire a named lease as a fresh holder and print the outcome.
The lease is released again unless --keep is set, which blocks the owning
job on all instances until it expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withStore(cmd, func(_ *config.Config, st store.Store, logger *slog.Logger) error {
				l := lock.New("cli-"+uuid.NewString(), st.Locks(), nil, logger)
				ok, err := l.Acquire(cmd.Context(), name, lease)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "lock %s is held by another instance\n", name)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "acquired lock %s as %s for %s\n", name, l.HolderID(), lease)
				if keep {
					return nil
				}
				if _, err := l.Release(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released lock %s\n", name)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", time.Minute, "lease duration")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the lease in place")
	return cmd
}
