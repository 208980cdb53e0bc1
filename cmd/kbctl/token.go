package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"clinical-kb-platform/internal/bootstrap"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/middleware"
	"clinical-kb-platform/utils"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint and revoke service tokens",
	Long: `Tokens are normally issued by the identity service. These commands
exist for operators and service accounts.`,
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint [user-id]",
	Short: "Print a signed access token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenMint,
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke [token]",
	Short: "Reject a token until it expires",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenRevoke,
}

var (
	tokenRole string
	tokenTTL  time.Duration
)

func init() {
	tokenMintCmd.Flags().StringVar(&tokenRole, "role", "clinician", "role claim (clinician or admin)")
	tokenMintCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")

	tokenCmd.AddCommand(tokenMintCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenMint(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	tok, err := utils.GenerateJWT(args[0], tokenRole, cfg.AccessSecret, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

func runTokenRevoke(cmd *cobra.Command, args []string) error {
	return withInfra(cmd, func(ctx context.Context, inf *bootstrap.Infra) error {
		if inf.Redis == nil {
			return errors.New("token revocation needs REDIS_URL")
		}
		claims, err := utils.ValidateJWT(args[0], inf.Config.AccessSecret)
		if err != nil {
			return fmt.Errorf("token is not valid, nothing to revoke: %w", err)
		}
		if claims.ID == "" || claims.ExpiresAt == nil {
			return errors.New("token has no ID or expiry and cannot be revoked")
		}
		remaining := time.Until(claims.ExpiresAt.Time)
		if err := middleware.RevokeToken(ctx, inf.Redis, claims.ID, remaining); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked token %s for %s until %s.\n",
			claims.ID, claims.UserID, claims.ExpiresAt.Time.Format(time.RFC3339))
		return nil
	})
}
