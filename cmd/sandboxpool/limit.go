package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxpool/pool"
)

func newLimitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "limit",
		Short: "Print how many sandboxes would be created on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPool(cmd.Context(), func(_ context.Context, _ *zap.Logger, p *pool.Pool) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), p.PlannedLimit())
				return err
			})
		},
	}
}
