package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorivanov/retrosync/internal/auth"
	"github.com/victorivanov/retrosync/internal/config"
	"github.com/victorivanov/retrosync/internal/gateway"
	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/remote"
	"github.com/victorivanov/retrosync/internal/session"
	"github.com/victorivanov/retrosync/internal/subscription"
)

func init() {
	tailCmd.Flags().String("gateway-url", "", "gateway WebSocket URL (default derived from the server URL)")
	tailCmd.Flags().Bool("verbose", false, "log connection activity to stderr")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail [conversation-id]",
	Short: "Follow a conversation live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := apiURL(cmd)
		if err != nil {
			return err
		}
		token, err := accessToken(cmd)
		if err != nil {
			return err
		}
		creds, err := auth.ParseCredentials(token)
		if err != nil {
			return err
		}
		gwURL, _ := cmd.Flags().GetString("gateway-url")
		if gwURL == "" {
			if gwURL, err = config.GatewayURLFor(base); err != nil {
				return fmt.Errorf("deriving gateway url: %w", err)
			}
		}

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}

		sess := session.New(remote.New(base, creds.Token), func() subscription.Channel {
			return gateway.NewClient(gwURL, gateway.WithClientLogger(logger))
		}, session.Config{
			Self: models.Author{ID: creds.UserID},
			Subscription: subscription.Config{
				Token:          creds.Token,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     10 * time.Second,
				MaxAttempts:    8,
				Logger:         logger,
			},
			ResyncOnReconnect: true,
			Logger:            logger,
		})
		return follow(cmd.Context(), sess, args[0], os.Stdout)
	},
}

// follow opens conversationID and reprints the transcript on every change
// until ctx is done.
func follow(ctx context.Context, sess *session.Session, conversationID string, w io.Writer) error {
	defer sess.Close()

	changed, cancel := sess.Watch()
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if err := sess.Open(ctx, conversationID); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "initial load failed: %v\n", err)
	}

	show := func() {
		views := sess.Snapshot()
		fmt.Fprintf(w, "\n== %s\n", summary(conversationID, sess.Status().State, len(views)))
		_ = renderViews(w, views, time.Now())
	}
	show()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-changed:
			show()
		}
	}
}
