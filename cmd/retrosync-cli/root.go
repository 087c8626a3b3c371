package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "retrosync-cli",
	Short: "Command-line companion for the retrosync daemon",
	Long: `retrosync-cli talks to a chat server the same way the retrosync daemon
does. It can check the server, send and tail messages, mint bridge tokens
and run a self-contained demo against an in-memory backend.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure. SIGINT and
// SIGTERM cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() { _ = godotenv.Load(".env") })

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("api-url", "", "chat server base URL (default $RETROSYNC_API_URL)")
	rootCmd.PersistentFlags().String("token", "", "access token (default $RETROSYNC_TOKEN)")
}

// stringFlag returns the named flag, falling back to env when unset.
func stringFlag(cmd *cobra.Command, name, env string) string {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		v = os.Getenv(env)
	}
	return v
}

func apiURL(cmd *cobra.Command) (string, error) {
	u := strings.TrimRight(stringFlag(cmd, "api-url", "RETROSYNC_API_URL"), "/")
	if u == "" {
		return "", fmt.Errorf("no server URL: pass --api-url or set RETROSYNC_API_URL")
	}
	return u, nil
}

func accessToken(cmd *cobra.Command) (string, error) {
	t := stringFlag(cmd, "token", "RETROSYNC_TOKEN")
	if t == "" {
		return "", fmt.Errorf("no access token: pass --token or set RETROSYNC_TOKEN")
	}
	return t, nil
}
