// Package cli implements the newsletter command tree.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/d60-Lab/newsletter/config"
	"github.com/d60-Lab/newsletter/pkg/logger"
)

// RootOptions 全局参数；cfg 在 PersistentPreRunE 中加载
type RootOptions struct {
	ConfigPath string
	EnvFile    string

	cfg *config.Config
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "newsletter",
		Short:         "Newsletter publishing and delivery service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env 可选
			_ = godotenv.Load(opts.EnvFile)

			cfg, err := config.LoadFrom(opts.ConfigPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (default ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// signalContext 在 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
