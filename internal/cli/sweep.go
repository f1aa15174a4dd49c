package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/d60-Lab/newsletter/internal/app"
)

func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired idempotency records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			n, err := a.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d idempotency records\n", n)
			return nil
		},
	}
}
