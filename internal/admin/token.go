package admin

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/vidcore/internal/auth"
)

var (
	tokenOwner string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint bearer tokens for the upload API",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed token for an owner",
	RunE:  runTokenIssue,
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenOwner, "owner", "", "Owner UUID the token authenticates (required)")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenIssueCmd.MarkFlagRequired("owner")

	tokenCmd.AddCommand(tokenIssueCmd)
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	owner, err := uuid.Parse(tokenOwner)
	if err != nil {
		return fmt.Errorf("invalid owner id: %w", err)
	}

	token, err := auth.IssueToken(owner, cfg.JWTSecret, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	if jsonOutput {
		return printJSON(map[string]string{"token": token})
	}
	fmt.Println(token)
	return nil
}
