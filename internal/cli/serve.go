package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d60-Lab/newsletter/internal/app"
	"github.com/d60-Lab/newsletter/pkg/database"
	"github.com/d60-Lab/newsletter/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand(opts *RootOptions) *cobra.Command {
	var (
		noWorker bool
		migrate  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the delivery worker and retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := app.New(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if migrate {
				if err := database.Migrate(a.DB); err != nil {
					return err
				}
			}

			stopSweeper, err := a.Sweeper.Start()
			if err != nil {
				return err
			}
			stoppers := []func(context.Context) error{stopSweeper}
			if !noWorker {
				stoppers = append(stoppers, a.Worker.Start())
			}

			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", opts.cfg.Server.Port),
				Handler:      a.Router(),
				ReadTimeout:  opts.cfg.Server.ReadTimeout,
				WriteTimeout: opts.cfg.Server.WriteTimeout,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-errCh:
				if err != nil {
					logger.Error("http server failed", zap.Error(err))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			var errs []error
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
			}
			for _, s := range stoppers {
				if err := s(shutdownCtx); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not start in-process delivery workers")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}
