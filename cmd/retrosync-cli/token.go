package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorivanov/retrosync/internal/auth"
)

func init() {
	tokenCmd.Flags().String("secret", "", "bridge signing secret (default $BRIDGE_SECRET)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Mint a token for the daemon's local bridge",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := stringFlag(cmd, "secret", "BRIDGE_SECRET")
		if secret == "" {
			return fmt.Errorf("no secret: pass --secret or set BRIDGE_SECRET")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		userID := int64(1)
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			userID = id
		}

		token, err := auth.NewTokenService(secret, ttl).GenerateAccessToken(userID)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, token)
		return nil
	},
}
