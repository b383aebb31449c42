package cmd

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pliu/alumnichat/internal/auth"
)

// tokenCmd signs an access token for local testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign an access token for a user id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user-id")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if userID == "" {
			return errors.New("--user-id is required")
		}
		secret := viper.GetString("jwt.secret")
		if secret == "" {
			return errors.New("jwt.secret is required (CHATTY_JWT_SECRET)")
		}

		token, err := auth.Sign([]byte(secret), userID, ttl, time.Now())
		if err != nil {
			return errors.Wrap(err, "sign token")
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user-id", "", "User id to put in the token")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")

	rootCmd.AddCommand(tokenCmd)
}
