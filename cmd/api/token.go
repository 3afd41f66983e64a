package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flight-booking-api/internal/middleware"
)

var (
	tokenAdminID string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin JWT signed with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := middleware.IssueAdminToken([]byte(cfg.Auth.JWTSecret), tokenAdminID, tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAdminID, "admin-id", "", "admin identifier (token subject)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("admin-id")
}
