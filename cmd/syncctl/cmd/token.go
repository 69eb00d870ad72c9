package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sync/internal/auth"
)

var tokenTTL time.Duration

// tokenCmd groups the token subcommands
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint and verify bearer tokens",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint an HS256 token from --secret",
	Example: `  syncctl token mint --secret s3cret --issuer site-a --ttl 10m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if secret == "" {
			return errors.New("--secret is required")
		}
		token, err := auth.MintToken(secret, issuer, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]string{"token": token})
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify a token against --secret and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if secret == "" {
			return errors.New("--secret is required")
		}
		claims, err := auth.VerifyToken(args[0], secret, time.Now())
		if err != nil {
			return fmt.Errorf("token invalid: %w", err)
		}
		info := map[string]string{"issuer": claims.Issuer}
		if claims.IssuedAt != nil {
			info["issued_at"] = claims.IssuedAt.UTC().Format(time.RFC3339)
		}
		if claims.ExpiresAt != nil {
			info["expires_at"] = claims.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), info)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid: issuer=%s expires=%s\n", info["issuer"], info["expires_at"])
		return nil
	},
}

func init() {
	tokenMintCmd.Flags().DurationVar(&tokenTTL, "ttl", 5*time.Minute, "token lifetime")
	tokenCmd.AddCommand(tokenMintCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)
	rootCmd.AddCommand(tokenCmd)
}
