package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/d60-Lab/newsletter/internal/api/middleware"
)

// NewTokenCommand 为管理员签发 Bearer 令牌
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = uuid.New().String()
			}
			token, err := middleware.GenerateToken(opts.cfg.JWT.Secret, opts.cfg.JWT.Issuer, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "admin user id, a uuid (random when empty)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
