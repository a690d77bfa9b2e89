package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxpool/pool"
)

func newWarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Create every sandbox once, then dispose all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPool(cmd.Context(), warm)
		},
	}
}

func warm(ctx context.Context, log *zap.Logger, p *pool.Pool) error {
	sandboxes, err := p.StreamSandboxes(ctx)
	if err != nil {
		return err
	}

	count := 0
	for sb, err := range sandboxes {
		if err != nil {
			return err
		}
		count++
		log.Info("sandbox warmed",
			zap.Int("slot", sb.Slot()),
			zap.String("id", sb.ID()),
			zap.String("work_dir", sb.WorkDir()))
	}

	log.Info("all sandboxes warmed", zap.Int("count", count), zap.Int("limit", p.Limit()))
	return nil
}
