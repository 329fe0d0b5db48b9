package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweeney/relay-scheduler/internal/config"
)

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge every expired schedule once and exit",
		Long: `Run a single reconciliation pass over every output of every account.
Useful from cron on hosts where the background sweep of serve is disabled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return runSweep(cmd.Context(), a.cfg, a.log, cmd.OutOrStdout())
		},
	}
}

func runSweep(ctx context.Context, cfg config.Config, logger zerolog.Logger, out io.Writer) error {
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	purged, err := svc.reconciler.SweepAll(ctx, svc.documents)
	fmt.Fprintf(out, "purged %d expired schedule(s)\n", purged)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}
