package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d60-Lab/newsletter/internal/app"
	"github.com/d60-Lab/newsletter/pkg/logger"
)

// NewWorkerCommand 只跑投递 worker，便于按进程水平扩容
func NewWorkerCommand(opts *RootOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run delivery workers only",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count > 0 {
				opts.cfg.Worker.Count = count
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := app.New(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			stopWorkers := a.Worker.Start()
			logger.Info("delivery workers started", zap.Int("count", opts.cfg.Worker.Count))
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return stopWorkers(shutdownCtx)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of worker goroutines (overrides worker.count)")
	return cmd
}
