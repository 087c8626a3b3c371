package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/remote"
)

func init() {
	sendCmd.Flags().String("reply-to", "", "id of the message being replied to")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send [conversation-id] [content...]",
	Short: "Send a message straight to the server",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := apiURL(cmd)
		if err != nil {
			return err
		}
		token, err := accessToken(cmd)
		if err != nil {
			return err
		}
		replyTo, _ := cmd.Flags().GetString("reply-to")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		msg, err := remote.New(base, token).SendMessage(ctx, args[0], models.SendRequest{
			Content:   strings.Join(args[1:], " "),
			ReplyToID: replyTo,
		})
		if err != nil {
			return err
		}
		return renderViews(os.Stdout, []models.View{{Message: *msg}}, time.Now())
	},
}
